package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/feedback"
	"github.com/knights-analytics/mixtex/pipelines"
	"github.com/knights-analytics/mixtex/worker"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	base := []string{
		"mixtex",
		"--settings", filepath.Join(dir, "mixtex.toml"),
		"--logLevel", "error",
	}
	err := app.Run(append(base, args...))
	return out.String(), err
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := range 4 {
		for x := range 8 {
			img.Set(x, y, color.Black)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestLoadSettingsOverrides(t *testing.T) {
	dir := t.TempDir()
	settingsPath = filepath.Join(dir, "mixtex.toml")
	require.NoError(t, os.WriteFile(settingsPath, []byte("runtime = \"ORT\"\nmodel_path = \"onnx\"\n[decoding]\nmax_steps = 64\n"), 0o600))
	modelPath, runtimeName, dataDir, configPath, logLevel, sharedLibraryPath = "custom", "go", "", "", "DEBUG", ""
	defer func() {
		modelPath, runtimeName, logLevel = "", "", ""
	}()

	loaded, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "custom", loaded.ModelPath)
	assert.Equal(t, "GO", loaded.Runtime)
	assert.Equal(t, "debug", loaded.LogLevel)
	assert.Equal(t, 64, loaded.Decoding.MaxSteps)
	assert.Equal(t, "data", loaded.DataDir)

	runtimeName = "tpu"
	_, err = loadSettings()
	require.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.json")

	out, err := runApp(t, "--config", configFile, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `"useDollarsForInlineMath": false`)

	out, err = runApp(t, "--config", configFile, "config", "toggle", "inline")
	require.NoError(t, err)
	assert.Contains(t, out, `"useDollarsForInlineMath": true`)

	_, err = runApp(t, "--config", configFile, "config", "hotkey", "ctrl+shift+x")
	require.NoError(t, err)
	store, err := config.Open(configFile)
	require.NoError(t, err)
	assert.True(t, store.Snapshot().UseDollarsForInlineMath)
	assert.Equal(t, "ctrl+shift+x", store.Snapshot().Hotkey)

	_, err = runApp(t, "--config", configFile, "config", "toggle", "bold")
	require.Error(t, err)
	_, err = runApp(t, "--config", configFile, "config", "hotkey", "ctrl++")
	require.Error(t, err)
}

func TestFeedbackCommands(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data")
	imagePath := filepath.Join(t.TempDir(), "formula.png")
	writePNG(t, imagePath)

	out, err := runApp(t, "--data", data, "feedback", "add", "--image", imagePath, "--text", `x^2`, "--label", "mistake")
	require.NoError(t, err)
	assert.Contains(t, out, "as Mistake")

	out, err = runApp(t, "--data", data, "feedback", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "FEEDBACK")
	assert.Contains(t, out, `"x^2"`)
	assert.Contains(t, out, "Mistake")

	_, err = runApp(t, "--data", data, "feedback", "add", "--image", imagePath, "--text", "y", "--label", "great")
	require.Error(t, err)
}

func TestSettingsCommands(t *testing.T) {
	out, err := runApp(t, "settings", "sample")
	require.NoError(t, err)
	assert.Contains(t, out, "max_steps = 512")

	out, err = runApp(t, "--runtime", "go", "settings", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "runtime = 'GO'")
}

func TestResolveModelPath(t *testing.T) {
	dir := t.TempDir()
	modelsDir = filepath.Join(dir, "models")
	defer func() {
		modelsDir = "models"
	}()

	s := config.DefaultSettings()
	s.ModelPath = dir
	path, err := resolveModelPath(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, dir, path)

	downloaded := filepath.Join(modelsDir, "MixTex_base_ZhEn")
	require.NoError(t, os.MkdirAll(downloaded, 0o755))
	s.ModelPath = "MixTex/base_ZhEn"
	path, err = resolveModelPath(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, downloaded, path)

	s.ModelPath = "missing-model"
	_, err = resolveModelPath(context.Background(), s)
	require.ErrorContains(t, err, "mixtex download")

	s.ModelPath = "owner/model:onnx"
	_, err = resolveModelPath(context.Background(), s)
	require.Error(t, err)
}

func TestRunSources(t *testing.T) {
	sources, err := runSources([]string{"a.png", "b.png"})
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "b.png", sources[1].name)
	assert.Equal(t, worker.FileSource("a.png"), sources[0].source)
}

func TestWriteOutcome(t *testing.T) {
	var out bytes.Buffer
	outcome := worker.Outcome{Raw: `\(x\)`, Text: "$x$", State: pipelines.StateDone, Steps: 4, Elapsed: 1500 * time.Microsecond}
	require.NoError(t, writeOutcome(&out, "a.png", outcome))
	assert.Equal(t, "$x$\n", out.String())

	jsonOutput = true
	defer func() {
		jsonOutput = false
	}()
	out.Reset()
	require.NoError(t, writeOutcome(&out, "a.png", outcome))
	assert.JSONEq(t, `{"image":"a.png","latex":"$x$","raw":"\\(x\\)","state":"DONE","steps":4,"elapsed":"2ms"}`, out.String())

	out.Reset()
	outcome.Err = errors.New("boom")
	require.NoError(t, writeOutcome(&out, "a.png", outcome))
	assert.Contains(t, out.String(), `"error":"boom"`)
}

type fixedRecognizer struct{}

func (fixedRecognizer) Run(_ context.Context, img image.Image) (*pipelines.OCRResult, error) {
	return &pipelines.OCRResult{
		Image: image.NewRGBA(image.Rect(0, 0, 4, 4)),
		Raw:   `\(x^2\)`,
		State: pipelines.StateDone,
		Steps: 5,
	}, nil
}

func newTestHandler(t *testing.T) (*commandHandler, *bytes.Buffer, chan worker.Outcome) {
	t.Helper()
	dir := t.TempDir()
	store, err := config.Open(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	records, err := feedback.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)

	done := make(chan worker.Outcome, 1)
	w := worker.New(fixedRecognizer{}, store,
		worker.WithFeedback(records),
		worker.WithOnDone(func(o worker.Outcome) {
			done <- o
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	var out bytes.Buffer
	return &commandHandler{worker: w, store: store, out: &out}, &out, done
}

func TestCommandHandlerFeedback(t *testing.T) {
	h, out, done := newTestHandler(t)

	require.ErrorIs(t, h.handle("perfect"), worker.ErrNothingToRate)
	require.ErrorIs(t, h.handle("last"), worker.ErrNothingToRate)

	_, err := h.worker.Trigger(worker.StaticSource(image.NewRGBA(image.Rect(0, 0, 2, 2))))
	require.NoError(t, err)
	outcome := <-done
	require.NoError(t, outcome.Err)

	require.NoError(t, h.handle("last"))
	assert.Contains(t, out.String(), `\(x^2\)`)

	require.NoError(t, h.handle("Perfect"))
	assert.Contains(t, out.String(), "as Perfect")
	require.NoError(t, h.handle("annotate   x^{2}"))
	assert.Contains(t, out.String(), "as Annotation: x^{2}")
	require.Error(t, h.handle("annotate"))
}

func TestCommandHandlerControls(t *testing.T) {
	h, out, _ := newTestHandler(t)

	require.NoError(t, h.handle(""))
	require.NoError(t, h.handle("pause"))
	assert.True(t, h.worker.Paused())
	_, err := h.worker.Trigger(worker.StaticSource(nil))
	require.ErrorIs(t, err, worker.ErrPaused)
	require.NoError(t, h.handle("toggle"))
	assert.False(t, h.worker.Paused())

	require.NoError(t, h.handle("inline"))
	assert.True(t, h.store.Snapshot().UseDollarsForInlineMath)
	require.NoError(t, h.handle("equations"))
	assert.True(t, h.store.Snapshot().ConvertAlignToEquations)
	require.NoError(t, h.handle("hotkey alt+q"))
	assert.Equal(t, "alt+q", h.store.Snapshot().Hotkey)

	out.Reset()
	require.NoError(t, h.handle("help"))
	assert.Contains(t, out.String(), "annotate <text>")

	require.Error(t, h.handle("bogus"))
	require.ErrorIs(t, h.handle("quit"), errQuit)
}

func TestServeCommandsStopsOnQuit(t *testing.T) {
	h, out, _ := newTestHandler(t)
	lines := make(chan string, 3)
	lines <- "bogus"
	lines <- "pause"
	lines <- "quit"

	err := serveCommands(context.Background(), lines, h)
	require.ErrorIs(t, err, errQuit)
	assert.Contains(t, out.String(), "error: unknown command")
	assert.True(t, h.worker.Paused())
}

type countingRecognizer struct {
	runs atomic.Int32
}

func (r *countingRecognizer) Run(ctx context.Context, img image.Image) (*pipelines.OCRResult, error) {
	r.runs.Add(1)
	return fixedRecognizer{}.Run(ctx, img)
}

func TestWatchImagesWaitsForWritesToSettle(t *testing.T) {
	dir := t.TempDir()
	watcher, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer watcher.Close()
	require.NoError(t, watcher.Add(dir))

	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	recognizer := &countingRecognizer{}
	done := make(chan worker.Outcome, 4)
	w := worker.New(recognizer, store, worker.WithOnDone(func(o worker.Outcome) {
		done <- o
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	go func() {
		_ = watchImages(ctx, watcher, w, 200*time.Millisecond)
	}()

	// an empty file followed by its content, as a screenshot tool writes it
	imagePath := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(imagePath, nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	time.Sleep(50 * time.Millisecond)
	writePNG(t, imagePath)

	select {
	case o := <-done:
		require.NoError(t, o.Err)
		assert.Equal(t, `\(x^2\)`, o.Raw)
	case <-time.After(5 * time.Second):
		t.Fatal("image was not recognized")
	}
	select {
	case o := <-done:
		t.Fatalf("image recognized twice: %+v", o)
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, int32(1), recognizer.runs.Load())
}
