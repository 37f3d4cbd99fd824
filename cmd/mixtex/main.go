package main

import (
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/mixtex/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var settingsPath string
var modelPath string
var modelsDir string
var runtimeName string
var sharedLibraryPath string
var dataDir string
var configPath string
var logLevel string

// settings is resolved once per invocation, before any command runs.
var settings config.Settings

func newApp() *cli.App {
	return &cli.App{
		Name:  "mixtex",
		Usage: "Recognize LaTeX formulas in images with the MixTeX encoder-decoder model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "settings",
				Usage:       "Path to the TOML settings file",
				Aliases:     []string{"s"},
				EnvVars:     []string{"MIXTEX_SETTINGS"},
				Destination: &settingsPath,
				Value:       "mixtex.toml",
			},
			&cli.StringFlag{
				Name:        "model",
				Usage:       "Model directory or Hugging Face repository, overrides model_path",
				Aliases:     []string{"m"},
				EnvVars:     []string{"MIXTEX_MODEL"},
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "modelFolder",
				Usage:       "Folder where downloaded models are stored",
				Aliases:     []string{"f"},
				EnvVars:     []string{"MIXTEX_MODEL_FOLDER"},
				Destination: &modelsDir,
				Value:       "models",
			},
			&cli.StringFlag{
				Name:        "runtime",
				Usage:       "Inference runtime, ORT or GO",
				EnvVars:     []string{"MIXTEX_RUNTIME"},
				Destination: &runtimeName,
			},
			&cli.StringFlag{
				Name:        "onnxruntimeSharedLibrary",
				Usage:       "Directory containing the onnxruntime shared library",
				EnvVars:     []string{"MIXTEX_ONNXRUNTIME_LIBRARY"},
				Destination: &sharedLibraryPath,
			},
			&cli.StringFlag{
				Name:        "data",
				Usage:       "Directory of the feedback table and images",
				Aliases:     []string{"d"},
				EnvVars:     []string{"MIXTEX_DATA"},
				Destination: &dataDir,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the output preferences file",
				Aliases:     []string{"c"},
				EnvVars:     []string{"MIXTEX_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "logLevel",
				Usage:       "Log level: trace, debug, info, warn or error",
				EnvVars:     []string{"MIXTEX_LOG_LEVEL"},
				Destination: &logLevel,
			},
		},
		Before: func(_ *cli.Context) error {
			loaded, err := loadSettings()
			if err != nil {
				return err
			}
			settings = loaded
			setupLogging(settings.LogLevel)
			return nil
		},
		Commands: []*cli.Command{
			runCommand,
			watchCommand,
			configCommand,
			feedbackCommand,
			downloadCommand,
			settingsCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings reads the settings file and applies the command line overrides on top.
func loadSettings() (config.Settings, error) {
	loaded, err := config.LoadSettings(settingsPath)
	if err != nil {
		return loaded, err
	}
	if modelPath != "" {
		loaded.ModelPath = modelPath
	}
	if runtimeName != "" {
		loaded.Runtime = strings.ToUpper(runtimeName)
	}
	if sharedLibraryPath != "" {
		loaded.OnnxRuntimeLibrary = sharedLibraryPath
	}
	if dataDir != "" {
		loaded.DataDir = dataDir
	}
	if configPath != "" {
		loaded.ConfigFile = configPath
	}
	if logLevel != "" {
		loaded.LogLevel = strings.ToLower(logLevel)
	}
	if err = loaded.Validate(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

func setupLogging(level string) {
	var writer log.Writer = &log.IOWriter{Writer: os.Stderr}
	if isTerminal(os.Stderr) {
		writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true}
	}
	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(level),
		Writer: writer,
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
