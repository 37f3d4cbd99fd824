package pipelines

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/mixtex/backends"
	"github.com/knights-analytics/mixtex/options"
	"github.com/knights-analytics/mixtex/util/imageutil"
)

const (
	DefaultMaxSteps        = 512
	DefaultRepeatThreshold = 21
)

// Encoder turns a pixel tensor into encoder hidden states.
type Encoder interface {
	Encode(ctx context.Context, pixels *backends.Tensor) (*backends.Tensor, error)
}

type timed interface {
	Timings() (calls uint64, totalNS uint64)
}

// LatexOCRPipeline recognizes the formula in an image with a vision encoder-decoder model:
// the image is letterboxed onto a fixed canvas, encoded once and decoded greedily
// token by token.
type LatexOCRPipeline struct {
	Encoder            Encoder
	Decoder            StepRunner
	Tokens             TokenDecoder
	DecoderConfig      *backends.DecoderConfig
	ImageConfig        *backends.ImageConfig
	onToken            func(piece string)
	destroy            func() error
	PipelineName       string
	Runtime            string
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
	StartTokenID       int64
	CanvasWidth        int
	CanvasHeight       int
	MaxSteps           int
	RepeatThreshold    int
	totalRequests      atomic.Uint64
	failedRequests     atomic.Uint64
	repeatedRequests   atomic.Uint64
	truncatedRequests  atomic.Uint64
}

// OCRResult is the raw decoder output for one image, before delimiter normalization.
type OCRResult struct {
	Image    *image.RGBA
	Raw      string
	TokenIDs []int64
	State    DecodeState
	Steps    int
	Elapsed  time.Duration
}

// WithMaxSteps caps the number of decoding steps per image.
func WithMaxSteps(maxSteps int) backends.PipelineOption[*LatexOCRPipeline] {
	return func(p *LatexOCRPipeline) error {
		if maxSteps < 1 {
			return fmt.Errorf("max steps must be positive, got %d", maxSteps)
		}
		p.MaxSteps = maxSteps
		return nil
	}
}

// WithRepeatThreshold sets how many back-to-back copies of a pattern stop decoding.
func WithRepeatThreshold(threshold int) backends.PipelineOption[*LatexOCRPipeline] {
	return func(p *LatexOCRPipeline) error {
		if threshold < 2 {
			return fmt.Errorf("repeat threshold must be at least 2, got %d", threshold)
		}
		p.RepeatThreshold = threshold
		return nil
	}
}

func WithCanvas(width, height int) backends.PipelineOption[*LatexOCRPipeline] {
	return func(p *LatexOCRPipeline) error {
		if width < 1 || height < 1 {
			return fmt.Errorf("canvas must be positive, got %dx%d", width, height)
		}
		p.CanvasWidth = width
		p.CanvasHeight = height
		return nil
	}
}

// WithOnToken streams every decoded piece as it is produced.
func WithOnToken(fn func(piece string)) backends.PipelineOption[*LatexOCRPipeline] {
	return func(p *LatexOCRPipeline) error {
		p.onToken = fn
		return nil
	}
}

// NewLatexOCRPipeline loads the encoder, merged decoder, tokenizer and model configs
// from config.ModelPath and applies the pipeline options.
func NewLatexOCRPipeline(config backends.PipelineConfig[*LatexOCRPipeline], s *options.Options) (*LatexOCRPipeline, error) {
	decoderConfig, err := backends.LoadDecoderConfig(config.ModelPath)
	if err != nil {
		return nil, err
	}
	tk, err := backends.LoadTokenizer(config.ModelPath, s)
	if err != nil {
		return nil, err
	}
	startTokenID, err := backends.ResolveStartTokenID(decoderConfig, tk)
	if err != nil {
		return nil, errors.Join(err, tk.Destroy())
	}

	encoderModel, err := backends.LoadEncoder(config.ModelPath, config.EncoderFilename, s)
	if err != nil {
		return nil, errors.Join(err, tk.Destroy())
	}
	decoderModel, err := backends.LoadDecoder(config.ModelPath, config.DecoderFilename, s)
	if err != nil {
		return nil, errors.Join(err, encoderModel.Destroy(), tk.Destroy())
	}
	destroy := func() error {
		return errors.Join(encoderModel.Destroy(), decoderModel.Destroy(), tk.Destroy())
	}

	encoder, err := backends.NewEncoderRunner(encoderModel)
	if err != nil {
		return nil, errors.Join(err, destroy())
	}
	decoder, err := backends.NewDecoderRunner(decoderModel, decoderConfig)
	if err != nil {
		return nil, errors.Join(err, destroy())
	}

	pipeline := newLatexOCRPipeline(config.Name, s.Backend, encoder, decoder, tk, decoderConfig, startTokenID)
	pipeline.destroy = destroy
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, errors.Join(err, destroy())
		}
	}

	width, height := pipeline.CanvasWidth, pipeline.CanvasHeight
	if dims := encoderModel.InputsMeta[0].Dimensions; len(dims) == 4 && dims[2] > 0 && dims[3] > 0 {
		width, height = int(dims[3]), int(dims[2])
	}
	pipeline.ImageConfig, err = backends.LoadImageConfig(config.ModelPath, width, height)
	if err != nil {
		return nil, errors.Join(err, destroy())
	}
	pipeline.buildImageSteps()

	if err = pipeline.Validate(); err != nil {
		return nil, errors.Join(err, destroy())
	}
	return pipeline, nil
}

func newLatexOCRPipeline(name, runtime string, encoder Encoder, decoder StepRunner, tokens TokenDecoder,
	decoderConfig *backends.DecoderConfig, startTokenID int64,
) *LatexOCRPipeline {
	return &LatexOCRPipeline{
		PipelineName:    name,
		Runtime:         runtime,
		Encoder:         encoder,
		Decoder:         decoder,
		Tokens:          tokens,
		DecoderConfig:   decoderConfig,
		StartTokenID:    startTokenID,
		CanvasWidth:     imageutil.DefaultCanvasWidth,
		CanvasHeight:    imageutil.DefaultCanvasHeight,
		MaxSteps:        defaultMaxSteps(decoderConfig),
		RepeatThreshold: DefaultRepeatThreshold,
		destroy: func() error {
			return nil
		},
	}
}

// defaultMaxSteps is the model's max_length, or DefaultMaxSteps without a config.
func defaultMaxSteps(decoderConfig *backends.DecoderConfig) int {
	if decoderConfig == nil {
		return DefaultMaxSteps
	}
	return backends.FirstNonZero(decoderConfig.MaxLength, DefaultMaxSteps)
}

// buildImageSteps derives the pixel pipeline: pad onto the canvas, stretch to the
// encoder input when resizing is enabled and the sizes differ, then rescale and
// normalize per channel.
func (p *LatexOCRPipeline) buildImageSteps() {
	p.preprocessSteps = []imageutil.PreprocessStep{imageutil.PadStep(p.CanvasWidth, p.CanvasHeight)}
	if p.ImageConfig.DoResize && (p.ImageConfig.Width != p.CanvasWidth || p.ImageConfig.Height != p.CanvasHeight) {
		p.preprocessSteps = append(p.preprocessSteps, imageutil.ResizeStep(p.ImageConfig.Width, p.ImageConfig.Height))
	}
	p.normalizationSteps = nil
	if p.ImageConfig.DoRescale {
		p.normalizationSteps = append(p.normalizationSteps, imageutil.RescaleStep(p.ImageConfig.RescaleFactor))
	}
	if p.ImageConfig.DoNormalize {
		p.normalizationSteps = append(p.normalizationSteps, imageutil.PixelNormalizationStep(p.ImageConfig.Mean, p.ImageConfig.Std))
	}
}

// INTERFACE IMPLEMENTATIONS

func (p *LatexOCRPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{
		TotalRequests:     p.totalRequests.Load(),
		FailedRequests:    p.failedRequests.Load(),
		RepeatedRequests:  p.repeatedRequests.Load(),
		TruncatedRequests: p.truncatedRequests.Load(),
	}
	if t, ok := p.Encoder.(timed); ok {
		statistics.ComputeEncoderStatistics(t.Timings())
	}
	if t, ok := p.Decoder.(timed); ok {
		statistics.ComputeDecoderStatistics(t.Timings())
	}
	return statistics
}

func (p *LatexOCRPipeline) Validate() error {
	var validationErrors []error
	if p.Encoder == nil || p.Decoder == nil || p.Tokens == nil {
		validationErrors = append(validationErrors, errors.New("pipeline needs an encoder, a decoder and a tokenizer"))
	}
	if p.DecoderConfig == nil {
		validationErrors = append(validationErrors, errors.New("pipeline has no decoder config"))
	} else {
		if len(p.DecoderConfig.EosTokenIDs) == 0 {
			validationErrors = append(validationErrors, errors.New("decoder config declares no end of sequence token"))
		}
		if p.DecoderConfig.NumLayers < 1 || p.DecoderConfig.NumHeads < 1 || p.DecoderConfig.HeadDim < 1 {
			validationErrors = append(validationErrors, fmt.Errorf("invalid decoder geometry: %d layers, %d heads, head size %d",
				p.DecoderConfig.NumLayers, p.DecoderConfig.NumHeads, p.DecoderConfig.HeadDim))
		}
	}
	if p.ImageConfig == nil {
		validationErrors = append(validationErrors, errors.New("pipeline has no image config"))
	}
	if p.MaxSteps < 1 {
		validationErrors = append(validationErrors, fmt.Errorf("max steps must be positive, got %d", p.MaxSteps))
	}
	return errors.Join(validationErrors...)
}

func (p *LatexOCRPipeline) Destroy() error {
	return p.destroy()
}

// Preprocess letterboxes img onto the canvas and returns the canvas along with the
// [1, 3, H, W] pixel tensor fed to the encoder.
func (p *LatexOCRPipeline) Preprocess(img image.Image) (*image.RGBA, *backends.Tensor, error) {
	if img == nil {
		return nil, nil, errors.New("no image to preprocess")
	}
	var canvas *image.RGBA
	processed := img
	for i, step := range p.preprocessSteps {
		var err error
		processed, err = step.Apply(processed)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
		}
		if i == 0 {
			canvas, _ = processed.(*image.RGBA)
		}
	}
	bounds := processed.Bounds()
	pixels, err := backends.NewTensor(
		backends.NewShape(1, 3, int64(bounds.Dy()), int64(bounds.Dx())),
		imageutil.PixelValues(processed, p.normalizationSteps...),
	)
	if err != nil {
		return nil, nil, err
	}
	return canvas, pixels, nil
}

// Run recognizes a single image. An encoder or decoder failure fails the request only;
// a repeated or truncated decode is a normal result tagged with its state.
func (p *LatexOCRPipeline) Run(ctx context.Context, img image.Image) (*OCRResult, error) {
	p.totalRequests.Add(1)
	start := time.Now()
	result, err := p.run(ctx, img)
	if err != nil {
		p.failedRequests.Add(1)
		return nil, err
	}
	switch result.State {
	case StateRepeated:
		p.repeatedRequests.Add(1)
	case StateTruncated:
		p.truncatedRequests.Add(1)
	}
	result.Elapsed = time.Since(start)
	log.Debug().Str("pipeline", p.PipelineName).Stringer("state", result.State).Int("steps", result.Steps).
		Dur("elapsed", result.Elapsed).Msg("recognized image")
	return result, nil
}

func (p *LatexOCRPipeline) run(ctx context.Context, img image.Image) (*OCRResult, error) {
	canvas, pixels, err := p.Preprocess(img)
	if err != nil {
		return nil, err
	}
	encoded, err := p.Encoder.Encode(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	decoded, err := Decode(ctx, p.Decoder, p.Tokens, encoded, DecodeOptions{
		StartTokenID:    p.StartTokenID,
		EosTokenIDs:     p.DecoderConfig.EosTokenIDs,
		MaxSteps:        p.MaxSteps,
		RepeatThreshold: p.RepeatThreshold,
		NumLayers:       p.DecoderConfig.NumLayers,
		NumHeads:        p.DecoderConfig.NumHeads,
		HeadDim:         p.DecoderConfig.HeadDim,
		OnToken:         p.onToken,
	})
	if err != nil {
		return nil, err
	}
	return &OCRResult{
		Image:    canvas,
		Raw:      decoded.Text,
		TokenIDs: decoded.TokenIDs,
		State:    decoded.State,
		Steps:    decoded.Steps,
	}, nil
}
