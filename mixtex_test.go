package mixtex

import (
	"context"
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/latex"
	"github.com/knights-analytics/mixtex/options"
	"github.com/knights-analytics/mixtex/pipelines"
)

// models are fetched with `mixtex download` before running the integration tests
const testModelPath = "./models/MixTex_base_ZhEn"

func TestSelectModelFiles(t *testing.T) {
	listing := []string{
		"README.md",
		"config.json",
		"tokenizer.json",
		"preprocessor_config.json",
		"encoder_model.onnx",
		"decoder_model.onnx",
		"decoder_with_past_model.onnx",
		"decoder_model_merged.onnx",
		"pytorch_model.bin",
	}
	files, err := selectModelFiles(listing, NewDownloadOptions())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"preprocessor_config.json",
		"tokenizer.json",
		"config.json",
		"encoder_model.onnx",
		"decoder_model_merged.onnx",
	}, files)
}

func TestSelectModelFilesInSubfolder(t *testing.T) {
	listing := []string{"onnx/encoder_model.onnx", "onnx/decoder_model_merged.onnx", "tokenizer.json", "config.json"}
	files, err := selectModelFiles(listing, NewDownloadOptions())
	require.NoError(t, err)
	assert.Contains(t, files, "onnx/encoder_model.onnx")
	assert.Contains(t, files, "onnx/decoder_model_merged.onnx")
}

func TestSelectModelFilesValidation(t *testing.T) {
	_, err := selectModelFiles([]string{"model.onnx", "tokenizer.json"}, NewDownloadOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no encoder")
	assert.Contains(t, err.Error(), "no merged decoder")
	assert.Contains(t, err.Error(), "config.json")

	options := NewDownloadOptions()
	options.DecoderFilename = "decoder_model.onnx"
	files, err := selectModelFiles([]string{"encoder.onnx", "decoder_model.onnx", "tokenizer.json", "config.json"}, options)
	require.NoError(t, err)
	assert.Contains(t, files, "decoder_model.onnx")
}

func TestSessionPipelines(t *testing.T) {
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	_, err = session.NewLatexOCRPipeline(LatexOCRConfig{ModelPath: t.TempDir()})
	require.Error(t, err)

	_, err = session.NewLatexOCRPipeline(LatexOCRConfig{ModelPath: t.TempDir(), Name: "ocr"})
	require.Error(t, err)

	_, err = session.GetPipeline("ocr")
	var notFound *pipelineNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Error(t, session.ClosePipeline("ocr"))
	assert.Empty(t, session.GetStatistics())
}

func TestGoSessionRejectsORTOptions(t *testing.T) {
	_, err := NewGoSession(options.WithIntraOpNumThreads(2))
	require.Error(t, err)
	_, err = NewSession("TPU")
	require.Error(t, err)
}

func TestLatexOCRGoRuntime(t *testing.T) {
	if _, err := os.Stat(testModelPath); err != nil {
		t.Skipf("model not available at %s", testModelPath)
	}
	session, err := NewGoSession()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	pipeline, err := session.NewLatexOCRPipeline(LatexOCRConfig{
		ModelPath: testModelPath,
		Name:      "latex",
		Options:   []LatexOCROption{pipelines.WithMaxSteps(16)},
	})
	require.NoError(t, err)

	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := range 32 {
		for x := range 64 {
			img.Set(x, y, color.White)
		}
	}
	result, err := pipeline.Run(context.Background(), img)
	require.NoError(t, err)
	assert.True(t, result.State.Terminal())
	assert.LessOrEqual(t, result.Steps, 16)
	assert.NotPanics(t, func() {
		latex.Normalize(result.Raw, config.Defaults())
	})

	stats := session.GetStatistics()["latex"]
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.EncoderExecutionCount)
	assert.Equal(t, uint64(result.Steps), stats.DecoderExecutionCount)
}
