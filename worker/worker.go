// Package worker runs recognition requests on a single background goroutine. A request
// arriving while another one is in flight is rejected, never queued.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"golang.org/x/sync/semaphore"

	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/feedback"
	"github.com/knights-analytics/mixtex/latex"
	"github.com/knights-analytics/mixtex/pipelines"
)

var (
	ErrBusy          = errors.New("recognition already in progress")
	ErrPaused        = errors.New("recognition is paused")
	ErrNoImage       = errors.New("no image captured")
	ErrNothingToRate = errors.New("no recognized image to give feedback on")
	ErrNotWorth      = errors.New("result is degenerate and not recorded")
	ErrStopped       = errors.New("worker is not running")
)

// Recognizer turns an image into raw decoder output.
type Recognizer interface {
	Run(ctx context.Context, img image.Image) (*pipelines.OCRResult, error)
}

// ImageSource yields the image of one capture request. A nil image means nothing was
// captured.
type ImageSource interface {
	Capture(ctx context.Context) (image.Image, error)
}

type ImageSourceFunc func(ctx context.Context) (image.Image, error)

func (f ImageSourceFunc) Capture(ctx context.Context) (image.Image, error) {
	return f(ctx)
}

// Sink receives the normalized text of every non-empty result.
type Sink interface {
	Deliver(text string) error
}

type SinkFunc func(text string) error

func (f SinkFunc) Deliver(text string) error {
	return f(text)
}

type FeedbackRecorder interface {
	Save(img image.Image, text string, label feedback.Label) (feedback.Record, error)
}

// Outcome describes one processed request. Canonical is the text before delimiter
// conversion, the form feedback is recorded under.
type Outcome struct {
	Err       error
	Image     *image.RGBA
	RequestID string
	Raw       string
	Canonical string
	Text      string
	State     pipelines.DecodeState
	Steps     int
	Elapsed   time.Duration
}

type Option func(w *Worker)

func WithFeedback(recorder FeedbackRecorder) Option {
	return func(w *Worker) {
		w.feedback = recorder
	}
}

func WithSink(sink Sink) Option {
	return func(w *Worker) {
		w.sink = sink
	}
}

// WithOnDone registers a callback invoked after every processed request.
func WithOnDone(fn func(Outcome)) Option {
	return func(w *Worker) {
		w.onDone = fn
	}
}

// WithWorthThreshold sets the repetition count above which feedback is refused.
func WithWorthThreshold(threshold int) Option {
	return func(w *Worker) {
		w.worthThreshold = threshold
	}
}

type Worker struct {
	recognizer     Recognizer
	config         *config.Store
	feedback       FeedbackRecorder
	sink           Sink
	onDone         func(Outcome)
	sem            *semaphore.Weighted
	requests       chan request
	last           atomic.Pointer[Outcome]
	paused         atomic.Bool
	worthThreshold int

	mu      sync.Mutex
	stopped bool
}

type request struct {
	source ImageSource
	id     string
}

func New(recognizer Recognizer, store *config.Store, opts ...Option) *Worker {
	w := &Worker{
		recognizer:     recognizer,
		config:         store,
		sem:            semaphore.NewWeighted(1),
		requests:       make(chan request, 1),
		worthThreshold: feedback.WorthThreshold,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the worker loop in the background until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		_ = w.Run(ctx)
	}()
}

// Run processes requests until ctx is cancelled. A request that has started always
// completes; cancellation is only observed between requests. A request still queued
// when Run returns is dropped and Trigger reports ErrStopped until Run is called again.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return ctx.Err()
		case req := <-w.requests:
			outcome := w.process(context.WithoutCancel(ctx), req)
			w.sem.Release(1)
			if w.onDone != nil {
				w.onDone(outcome)
			}
		}
	}
}

func (w *Worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	select {
	case req := <-w.requests:
		log.Debug().Str("request", req.id).Msg("worker stopped, request dropped")
		w.sem.Release(1)
	default:
	}
}

// Trigger submits a capture request. It returns ErrBusy without side effects when a
// request is already in flight.
func (w *Worker) Trigger(source ImageSource) (string, error) {
	if w.paused.Load() {
		log.Info().Msg("recognition is paused, ignoring trigger")
		return "", ErrPaused
	}
	if !w.sem.TryAcquire(1) {
		log.Warn().Msg("recognition already running, wait for it to finish")
		return "", ErrBusy
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.sem.Release(1)
		return "", ErrStopped
	}
	id := uuid.NewString()
	// the semaphore guarantees the buffer is empty
	w.requests <- request{source: source, id: id}
	return id, nil
}

func (w *Worker) Pause() {
	w.paused.Store(true)
}

func (w *Worker) Resume() {
	w.paused.Store(false)
}

// Toggle flips the paused flag and returns the new value.
func (w *Worker) Toggle() bool {
	for {
		old := w.paused.Load()
		if w.paused.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (w *Worker) Paused() bool {
	return w.paused.Load()
}

// Last returns the most recent recognized request, if any. A failed recognition is
// returned with Err set and no text.
func (w *Worker) Last() (Outcome, bool) {
	last := w.last.Load()
	if last == nil {
		return Outcome{}, false
	}
	return *last, true
}

// Feedback labels the most recent result. Degenerate results are refused with
// ErrNotWorth.
func (w *Worker) Feedback(label feedback.Label) (feedback.Record, error) {
	if w.feedback == nil {
		return feedback.Record{}, errors.New("no feedback store configured")
	}
	last := w.last.Load()
	if last == nil || last.Image == nil || last.Canonical == "" {
		log.Warn().Msg("cannot record feedback: missing image or recognized text")
		return feedback.Record{}, ErrNothingToRate
	}
	if !feedback.Worth(last.Canonical, w.worthThreshold) {
		log.Info().Str("feedback", string(feedback.Repeat)).Msg("result repeats itself, feedback not recorded")
		return feedback.Record{}, ErrNotWorth
	}
	return w.feedback.Save(last.Image, last.Canonical, label)
}

// Annotate records a user correction for the most recent result.
func (w *Worker) Annotate(text string) (feedback.Record, error) {
	if text == "" {
		return feedback.Record{}, errors.New("annotation is empty")
	}
	return w.Feedback(feedback.Annotation(text))
}

func (w *Worker) process(ctx context.Context, req request) Outcome {
	outcome := w.recognize(ctx, req)
	switch {
	case errors.Is(outcome.Err, ErrNoImage):
		log.Info().Str("request", outcome.RequestID).Msg("no image to recognize")
	case outcome.Err != nil:
		log.Error().Err(outcome.Err).Str("request", outcome.RequestID).Msg("request failed")
	default:
		log.Info().Str("request", outcome.RequestID).Stringer("state", outcome.State).Int("steps", outcome.Steps).
			Dur("elapsed", outcome.Elapsed).Msg("request processed")
	}
	return outcome
}

func (w *Worker) recognize(ctx context.Context, req request) Outcome {
	outcome := Outcome{RequestID: req.id}
	img, err := req.source.Capture(ctx)
	if err != nil {
		outcome.Err = fmt.Errorf("capturing image: %w", err)
		return outcome
	}
	if img == nil {
		outcome.Err = ErrNoImage
		return outcome
	}

	result, err := w.recognizer.Run(ctx, img)
	if err != nil {
		outcome.Err = err
		// an empty result replaces the previous one so it cannot be rated anymore
		failed := outcome
		w.last.Store(&failed)
		return outcome
	}
	outcome.Image = result.Image
	outcome.Raw = result.Raw
	outcome.State = result.State
	outcome.Steps = result.Steps
	outcome.Elapsed = result.Elapsed

	if result.State == pipelines.StateRepeated && w.feedback != nil && result.Image != nil {
		if _, saveErr := w.feedback.Save(result.Image, result.Raw, feedback.Repeat); saveErr != nil {
			log.Error().Err(saveErr).Str("request", req.id).Msg("failed to record repeated result")
		}
	}

	cfg := w.config.Snapshot()
	outcome.Canonical = latex.Canonical(result.Raw, cfg)
	outcome.Text = latex.Delimit(outcome.Canonical, cfg)

	if outcome.Text != "" && w.sink != nil {
		if err = w.sink.Deliver(outcome.Text); err != nil {
			outcome.Err = fmt.Errorf("delivering result: %w", err)
		}
	}
	last := outcome
	w.last.Store(&last)
	return outcome
}
