//go:build !NODOWNLOAD

package mixtex

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/mixtex/backends"
	"github.com/knights-analytics/mixtex/util/fileutil"
)

// DefaultModel is the Hugging Face repository of the MixTeX base model.
const DefaultModel = "MixTex/base_ZhEn"

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	EncoderFilename       string
	DecoderFilename       string
	Branch                string
	MaxRetries            int
	RetryInterval         time.Duration
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Branch:                "main",
		MaxRetries:            5,
		RetryInterval:         5 * time.Second,
		ConcurrentConnections: 5,
	}
}

var optionalModelFiles = []string{
	"preprocessor_config.json",
	"generation_config.json",
	"special_tokens_map.json",
	"tokenizer_config.json",
}

// DownloadModel downloads the files of a vision encoder-decoder model from Hugging Face
// into destination/<owner>_<name> and returns that directory. The repository is checked
// first for an encoder, a merged decoder, tokenizer.json and config.json.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	modelPath := fileutil.PathJoinSafe(destination, strings.ReplaceAll(modelP, "/", "_"))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadHfModel(repo, options)
	if err != nil {
		return "", err
	}
	if err = fileutil.EnsureDir(modelPath); err != nil {
		return "", err
	}

	for i := range options.MaxRetries {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Err(downloadErr).Int("attempt", i+1).Int("max", options.MaxRetries).Msg("download attempt failed")
			time.Sleep(options.RetryInterval)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			target := fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j]))
			if copyErr := fileutil.CopyFile(ctx, truePath, target); copyErr != nil {
				return "", copyErr
			}
		}
		log.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
		return modelPath, nil
	}
	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func validateDownloadHfModel(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := range options.MaxRetries {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max", options.MaxRetries).Msg("listing repository failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(options.RetryInterval)
	}

	var fileNames []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		fileNames = append(fileNames, fileName)
	}
	return selectModelFiles(fileNames, options)
}

// selectModelFiles picks the files to download from a repository listing.
func selectModelFiles(fileNames []string, options DownloadOptions) ([]string, error) {
	encoderNames := backends.EncoderFilenames
	if options.EncoderFilename != "" {
		encoderNames = []string{options.EncoderFilename}
	}
	decoderNames := backends.DecoderFilenames
	if options.DecoderFilename != "" {
		decoderNames = []string{options.DecoderFilename}
	}

	var toDownload []string
	required := map[string]string{"tokenizer.json": "", "config.json": ""}
	encoder, decoder := "", ""
	encoderRank, decoderRank := len(encoderNames), len(decoderNames)
	for _, fileName := range fileNames {
		baseFileName := path.Base(fileName)
		if _, ok := required[baseFileName]; ok {
			required[baseFileName] = fileName
			continue
		}
		if slices.Contains(optionalModelFiles, baseFileName) {
			toDownload = append(toDownload, fileName)
			continue
		}
		if rank := slices.Index(encoderNames, baseFileName); rank >= 0 && rank < encoderRank {
			encoder, encoderRank = fileName, rank
		}
		if rank := slices.Index(decoderNames, baseFileName); rank >= 0 && rank < decoderRank {
			decoder, decoderRank = fileName, rank
		}
	}

	var errs []error
	if encoder == "" {
		errs = append(errs, fmt.Errorf("model has no encoder, expected one of %s", strings.Join(encoderNames, ", ")))
	}
	if decoder == "" {
		errs = append(errs, fmt.Errorf("model has no merged decoder, expected one of %s", strings.Join(decoderNames, ", ")))
	}
	for _, name := range []string{"tokenizer.json", "config.json"} {
		if required[name] == "" {
			errs = append(errs, fmt.Errorf("model does not have a %s file", name))
			continue
		}
		toDownload = append(toDownload, required[name])
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return append(toDownload, encoder, decoder), nil
}
