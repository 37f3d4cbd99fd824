package mixtex

import (
	"errors"
	"fmt"
	"sync"

	"github.com/knights-analytics/mixtex/backends"
	"github.com/knights-analytics/mixtex/options"
	"github.com/knights-analytics/mixtex/pipelines"
)

// Session owns the runtime environment and every pipeline created from it.
type Session struct {
	latexOCRPipelines  map[string]*pipelines.LatexOCRPipeline
	options            *options.Options
	environmentDestroy func() error
	mu                 sync.Mutex
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	return &Session{
		latexOCRPipelines: map[string]*pipelines.LatexOCRPipeline{},
		options:           parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}, nil
}

// NewSession creates a session on the named runtime, "ORT" or "GO".
func NewSession(runtime string, opts ...options.WithOption) (*Session, error) {
	switch runtime {
	case "ORT":
		return NewORTSession(opts...)
	case "GO":
		return NewGoSession(opts...)
	}
	return nil, fmt.Errorf("runtime %s not recognized", runtime)
}

// LatexOCRConfig is the configuration for a LaTeX OCR pipeline.
type LatexOCRConfig = backends.PipelineConfig[*pipelines.LatexOCRPipeline]

// LatexOCROption is an option for a LaTeX OCR pipeline.
type LatexOCROption = backends.PipelineOption[*pipelines.LatexOCRPipeline]

// NewLatexOCRPipeline loads the model at config.ModelPath and stores the pipeline under
// config.Name so that session.Destroy() releases it.
func (s *Session) NewLatexOCRPipeline(config LatexOCRConfig) (*pipelines.LatexOCRPipeline, error) {
	if config.Name == "" {
		return nil, errors.New("a name for the pipeline is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.latexOCRPipelines[config.Name]; ok {
		return nil, fmt.Errorf("pipeline %s has already been initialised", config.Name)
	}
	pipeline, err := pipelines.NewLatexOCRPipeline(config, s.options)
	if err != nil {
		return nil, err
	}
	s.latexOCRPipelines[config.Name] = pipeline
	return pipeline, nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

func (s *Session) GetPipeline(name string) (*pipelines.LatexOCRPipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.latexOCRPipelines[name]
	if !ok {
		return nil, &pipelineNotFoundError{pipelineName: name}
	}
	return p, nil
}

// ClosePipeline destroys a single pipeline and its models.
func (s *Session) ClosePipeline(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.latexOCRPipelines[name]
	if !ok {
		return &pipelineNotFoundError{pipelineName: name}
	}
	delete(s.latexOCRPipelines, name)
	return p.Destroy()
}

// GetStatistics returns the running statistics of every pipeline, keyed by name.
func (s *Session) GetStatistics() map[string]backends.PipelineStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[string]backends.PipelineStatistics, len(s.latexOCRPipelines))
	for name, p := range s.latexOCRPipelines {
		stats[name] = p.GetStatistics()
	}
	return stats
}

// Destroy deletes the session, its runtime environment and all initialized pipelines,
// freeing memory. It must be called when the session is no longer needed.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for name, p := range s.latexOCRPipelines {
		err = errors.Join(err, p.Destroy())
		delete(s.latexOCRPipelines, name)
	}
	if s.options != nil && s.options.Destroy != nil {
		err = errors.Join(err, s.options.Destroy())
	}
	return errors.Join(err, s.environmentDestroy())
}
