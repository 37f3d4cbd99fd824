package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/mixtex"
	"github.com/knights-analytics/mixtex/config"
	"github.com/knights-analytics/mixtex/options"
	"github.com/knights-analytics/mixtex/pipelines"
	"github.com/knights-analytics/mixtex/util/fileutil"
)

const pipelineName = "mixtex"

// resolveModelPath looks for the model with this chain: first the configured path, then
// a previously downloaded model of that name in the model folder, and finally downloads
// it from Hugging Face when the name looks like a repository.
func resolveModelPath(ctx context.Context, s config.Settings) (string, error) {
	ok, err := fileutil.FileExists(s.ModelPath)
	if err != nil {
		return "", err
	}
	if ok {
		return s.ModelPath, nil
	}

	downloaded := fileutil.PathJoinSafe(modelsDir, strings.ReplaceAll(s.ModelPath, "/", "_"))
	ok, err = fileutil.FileExists(downloaded)
	if err != nil {
		return "", err
	}
	if ok {
		return downloaded, nil
	}

	if !strings.Contains(s.ModelPath, "/") {
		return "", fmt.Errorf("model %s not found, run `mixtex download` first", s.ModelPath)
	}
	if strings.Contains(s.ModelPath, ":") {
		return "", errors.New("filters with : are currently not supported")
	}
	log.Info().Str("model", s.ModelPath).Str("folder", modelsDir).Msg("model not found locally, downloading")
	return mixtex.DownloadModel(ctx, s.ModelPath, modelsDir, mixtex.NewDownloadOptions())
}

// openPipeline creates the session of the configured runtime and loads the model into it.
// The caller owns the session and must destroy it.
func openPipeline(ctx context.Context, s config.Settings, opts ...mixtex.LatexOCROption) (*mixtex.Session, *pipelines.LatexOCRPipeline, error) {
	path, err := resolveModelPath(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	var sessionOptions []options.WithOption
	if s.Runtime == "ORT" && s.OnnxRuntimeLibrary != "" {
		sessionOptions = append(sessionOptions, options.WithOnnxLibraryPath(s.OnnxRuntimeLibrary))
	}
	session, err := mixtex.NewSession(s.Runtime, sessionOptions...)
	if err != nil {
		return nil, nil, err
	}

	pipelineOptions := []mixtex.LatexOCROption{
		pipelines.WithMaxSteps(s.Decoding.MaxSteps),
		pipelines.WithRepeatThreshold(s.Decoding.RepeatThreshold),
		pipelines.WithCanvas(s.Decoding.CanvasSize, s.Decoding.CanvasSize),
	}
	pipeline, err := session.NewLatexOCRPipeline(mixtex.LatexOCRConfig{
		ModelPath: path,
		Name:      pipelineName,
		Options:   append(pipelineOptions, opts...),
	})
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("loading model %s: %w", path, err), session.Destroy())
	}
	log.Info().Str("model", path).Str("runtime", s.Runtime).Msg("model loaded")
	return session, pipeline, nil
}
