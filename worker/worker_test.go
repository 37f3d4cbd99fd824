package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/feedback"
	"github.com/knights-analytics/mixtex/pipelines"
)

type fakeRecognizer struct {
	result  *pipelines.OCRResult
	err     error
	started chan struct{}
	release chan struct{}
}

func (r *fakeRecognizer) Run(_ context.Context, _ image.Image) (*pipelines.OCRResult, error) {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	if r.err != nil {
		return nil, r.err
	}
	res := *r.result
	return &res, nil
}

type memoryFeedback struct {
	mu      sync.Mutex
	records []feedback.Record
}

func (m *memoryFeedback) Save(_ image.Image, text string, label feedback.Label) (feedback.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := feedback.Record{FileName: "img.png", Text: text, Label: label}
	m.records = append(m.records, r)
	return r, nil
}

func (m *memoryFeedback) all() []feedback.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]feedback.Record(nil), m.records...)
}

type recordingSink struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSink) Deliver(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func canvas() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 448, 448))
}

func doneResult(raw string) *pipelines.OCRResult {
	return &pipelines.OCRResult{Image: canvas(), Raw: raw, State: pipelines.StateDone, Steps: 5}
}

type harness struct {
	worker   *Worker
	store    *config.Store
	sink     *recordingSink
	feedback *memoryFeedback
	done     chan Outcome
}

func newHarness(t *testing.T, recognizer Recognizer) *harness {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	h := &harness{
		store:    store,
		sink:     &recordingSink{},
		feedback: &memoryFeedback{},
		done:     make(chan Outcome, 4),
	}
	h.worker = New(recognizer, store,
		WithSink(h.sink),
		WithFeedback(h.feedback),
		WithOnDone(func(o Outcome) { h.done <- o }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.worker.Start(ctx)
	return h
}

func (h *harness) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("request was not processed")
		return Outcome{}
	}
}

func TestTriggerRejectsWhileBusy(t *testing.T) {
	recognizer := &fakeRecognizer{
		result:  doneResult("a+b"),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h := newHarness(t, recognizer)

	id, err := h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	<-recognizer.started

	_, err = h.worker.Trigger(StaticSource(canvas()))
	require.ErrorIs(t, err, ErrBusy)

	close(recognizer.release)
	outcome := h.wait(t)
	assert.Equal(t, id, outcome.RequestID)
	assert.Equal(t, []string{"a+b"}, h.sink.all())

	recognizer.started = nil
	_, err = h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	h.wait(t)
	assert.Len(t, h.sink.all(), 2)
}

func TestMissingImageIsNoop(t *testing.T) {
	h := newHarness(t, &fakeRecognizer{result: doneResult("a")})
	_, err := h.worker.Trigger(StaticSource(nil))
	require.NoError(t, err)

	outcome := h.wait(t)
	require.ErrorIs(t, outcome.Err, ErrNoImage)
	assert.Empty(t, h.sink.all())
	_, ok := h.worker.Last()
	assert.False(t, ok)
}

func TestRecognitionFailureYieldsEmptyResult(t *testing.T) {
	h := newHarness(t, &fakeRecognizer{err: errors.New("decode step 3: session failed")})
	_, err := h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)

	outcome := h.wait(t)
	require.Error(t, outcome.Err)
	assert.Empty(t, outcome.Text)
	assert.Empty(t, h.sink.all())
}

func TestFailureReplacesLastResult(t *testing.T) {
	recognizer := &fakeRecognizer{result: doneResult("a+b")}
	h := newHarness(t, recognizer)
	_, err := h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	require.NoError(t, h.wait(t).Err)
	_, err = h.worker.Feedback(feedback.Perfect)
	require.NoError(t, err)

	recognizer.err = errors.New("encoder failed")
	_, err = h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	require.Error(t, h.wait(t).Err)

	_, err = h.worker.Feedback(feedback.Error)
	require.ErrorIs(t, err, ErrNothingToRate)
	_, err = h.worker.Annotate("a-b")
	require.ErrorIs(t, err, ErrNothingToRate)
	last, ok := h.worker.Last()
	require.True(t, ok)
	assert.Empty(t, last.Canonical)
	assert.Len(t, h.feedback.all(), 1)
}

func TestStoppedWorkerReleasesQueuedRequest(t *testing.T) {
	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	w := New(&fakeRecognizer{result: doneResult("a")}, store)

	_, err = w.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Run(cancelled), context.Canceled)

	_, err = w.Trigger(StaticSource(canvas()))
	require.ErrorIs(t, err, ErrStopped)
	_, err = w.Trigger(StaticSource(canvas()))
	require.ErrorIs(t, err, ErrStopped)

	done := make(chan Outcome, 1)
	w.onDone = func(o Outcome) { done <- o }
	ctx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	w.Start(ctx)
	require.Eventually(t, func() bool {
		_, triggerErr := w.Trigger(StaticSource(canvas()))
		return triggerErr == nil
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case o := <-done:
		require.NoError(t, o.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("request was not processed")
	}
}

func TestEmptyResultIsNotDelivered(t *testing.T) {
	h := newHarness(t, &fakeRecognizer{result: doneResult("")})
	_, err := h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)

	outcome := h.wait(t)
	require.NoError(t, outcome.Err)
	assert.Empty(t, h.sink.all())
}

func TestRepeatedResultIsRecorded(t *testing.T) {
	raw := strings.Repeat("x", 21)
	result := doneResult(raw)
	result.State = pipelines.StateRepeated
	h := newHarness(t, &fakeRecognizer{result: result})

	_, err := h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	outcome := h.wait(t)
	assert.Equal(t, pipelines.StateRepeated, outcome.State)

	records := h.feedback.all()
	require.Len(t, records, 1)
	assert.Equal(t, feedback.Repeat, records[0].Label)
	assert.Equal(t, raw, records[0].Text)

	_, err = h.worker.Feedback(feedback.Perfect)
	require.ErrorIs(t, err, ErrNotWorth)
	assert.Len(t, h.feedback.all(), 1)
}

func TestResultUsesCurrentConfig(t *testing.T) {
	h := newHarness(t, &fakeRecognizer{result: doneResult(`\(a\) and 5%`)})
	_, err := h.store.ToggleInlineMath()
	require.NoError(t, err)

	_, err = h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	outcome := h.wait(t)
	assert.Equal(t, `\(a\) and 5\%`, outcome.Canonical)
	assert.Equal(t, []string{`$a$ and 5\%`}, h.sink.all())

	record, err := h.worker.Feedback(feedback.Perfect)
	require.NoError(t, err)
	assert.Equal(t, `\(a\) and 5\%`, record.Text)

	record, err = h.worker.Annotate(`\(b\)`)
	require.NoError(t, err)
	assert.Equal(t, feedback.Annotation(`\(b\)`), record.Label)

	_, err = h.worker.Annotate("")
	require.Error(t, err)
}

func TestFeedbackWithoutResult(t *testing.T) {
	h := newHarness(t, &fakeRecognizer{result: doneResult("a")})
	_, err := h.worker.Feedback(feedback.Normal)
	require.ErrorIs(t, err, ErrNothingToRate)
}

func TestPause(t *testing.T) {
	h := newHarness(t, &fakeRecognizer{result: doneResult("a")})
	h.worker.Pause()
	assert.True(t, h.worker.Paused())
	_, err := h.worker.Trigger(StaticSource(canvas()))
	require.ErrorIs(t, err, ErrPaused)

	assert.False(t, h.worker.Toggle())
	_, err = h.worker.Trigger(StaticSource(canvas()))
	require.NoError(t, err)
	h.wait(t)
}

func TestSinks(t *testing.T) {
	var copied string
	original := clipboardWriteAll
	clipboardWriteAll = func(text string) error {
		copied = text
		return nil
	}
	t.Cleanup(func() { clipboardWriteAll = original })

	buf := &bytes.Buffer{}
	sink := MultiSink{ClipboardSink{}, &WriterSink{W: buf}}
	require.NoError(t, sink.Deliver("$x$"))
	assert.Equal(t, "$x$", copied)
	assert.Equal(t, "$x$\n", buf.String())

	failing := MultiSink{SinkFunc(func(string) error { return errors.New("closed") }), &WriterSink{W: buf}}
	require.Error(t, failing.Deliver("y"))
	assert.Equal(t, "$x$\n", buf.String())
}

func TestReaderSource(t *testing.T) {
	img, err := ReaderSource(bytes.NewReader(nil)).Capture(context.Background())
	require.NoError(t, err)
	assert.Nil(t, img)

	_, err = ReaderSource(strings.NewReader("not an image")).Capture(context.Background())
	require.Error(t, err)
}
