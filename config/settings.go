package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/phuslu/log"

	"github.com/knights-analytics/mixtex/util/fileutil"
)

// Settings are the process level knobs read from mixtex.toml. Everything has a default,
// so a missing file is not an error.
type Settings struct {
	ModelPath          string `toml:"model_path"`
	Runtime            string `toml:"runtime"`
	OnnxRuntimeLibrary string `toml:"onnxruntime_library"`
	DataDir            string `toml:"data_dir"`
	ConfigFile         string `toml:"config_file"`
	LogLevel           string `toml:"log_level"`

	Decoding DecodingSettings `toml:"decoding"`
}

type DecodingSettings struct {
	CanvasSize              int `toml:"canvas_size"`
	MaxSteps                int `toml:"max_steps"`
	RepeatThreshold         int `toml:"repeat_threshold"`
	FeedbackRepeatThreshold int `toml:"feedback_repeat_threshold"`
}

func DefaultSettings() Settings {
	return Settings{
		ModelPath:  "onnx",
		Runtime:    "ORT",
		DataDir:    "data",
		ConfigFile: "config.json",
		LogLevel:   "info",
		Decoding: DecodingSettings{
			CanvasSize:              448,
			MaxSteps:                512,
			RepeatThreshold:         21,
			FeedbackRepeatThreshold: 12,
		},
	}
}

// LoadSettings reads a TOML settings file over the defaults. An empty path or a missing
// file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	if path != "" {
		exists, err := fileutil.FileExists(path)
		if err != nil {
			return settings, fmt.Errorf("stat settings: %w", err)
		}
		if exists {
			raw, readErr := fileutil.ReadFileBytes(path)
			if readErr != nil {
				return settings, fmt.Errorf("read settings: %w", readErr)
			}
			decoder := toml.NewDecoder(bytes.NewReader(raw))
			decoder.DisallowUnknownFields()
			if err = decoder.Decode(&settings); err != nil {
				return settings, fmt.Errorf("parse settings: %w", err)
			}
		} else {
			log.Debug().Str("path", path).Msg("settings file not found, using defaults")
		}
	}
	settings.normalize()
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func (s *Settings) normalize() {
	s.Runtime = strings.ToUpper(strings.TrimSpace(s.Runtime))
	s.LogLevel = strings.ToLower(strings.TrimSpace(s.LogLevel))
	s.ModelPath = strings.TrimSpace(s.ModelPath)
	s.DataDir = strings.TrimSpace(s.DataDir)
	s.ConfigFile = strings.TrimSpace(s.ConfigFile)
}

// Validate ensures the settings are usable.
func (s *Settings) Validate() error {
	switch s.Runtime {
	case "ORT", "GO":
	default:
		return fmt.Errorf("runtime must be ORT or GO, got %q", s.Runtime)
	}
	if s.ModelPath == "" {
		return errors.New("model_path must be set")
	}
	if s.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if s.ConfigFile == "" {
		return errors.New("config_file must be set")
	}
	if s.Decoding.CanvasSize <= 0 {
		return errors.New("decoding.canvas_size must be positive")
	}
	if s.Decoding.MaxSteps <= 0 {
		return errors.New("decoding.max_steps must be positive")
	}
	if s.Decoding.RepeatThreshold < 2 {
		return errors.New("decoding.repeat_threshold must be at least 2")
	}
	if s.Decoding.FeedbackRepeatThreshold < 2 {
		return errors.New("decoding.feedback_repeat_threshold must be at least 2")
	}
	return nil
}

// Sample renders the default settings as TOML.
func Sample() ([]byte, error) {
	return toml.Marshal(DefaultSettings())
}
