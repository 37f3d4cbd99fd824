package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/mixtex/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultHotkey triggers a capture when no other binding is configured.
const DefaultHotkey = "ctrl+alt+f"

// Config holds the user facing output preferences. Values are never mutated in place;
// the Store swaps whole snapshots.
type Config struct {
	UseDollarsForInlineMath bool   `json:"useDollarsForInlineMath"`
	UseDollarsForAlignMath  bool   `json:"useDollarsForAlignMath"`
	ConvertAlignToEquations bool   `json:"convertAlignToEquations"`
	Hotkey                  string `json:"hotkey"`
}

func Defaults() Config {
	return Config{Hotkey: DefaultHotkey}
}

// ValidateHotkey checks a "+" separated key combination such as ctrl+alt+f.
func ValidateHotkey(hotkey string) error {
	if strings.TrimSpace(hotkey) == "" {
		return errors.New("hotkey must not be empty")
	}
	for _, part := range strings.Split(hotkey, "+") {
		if strings.TrimSpace(part) == "" {
			return fmt.Errorf("hotkey %q has an empty key", hotkey)
		}
	}
	return nil
}

// Store is a persisted Config. Readers take lock free snapshots; writers are
// serialized so the file always reflects the latest snapshot.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	writeMu sync.Mutex
}

// Open loads the config at path, creating it with defaults when it does not exist.
// Fields missing from an existing file keep their default values.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	cfg := Defaults()

	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config file %s: %w", path, err)
	}
	if exists {
		raw, readErr := fileutil.ReadFileBytes(path)
		if readErr != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, readErr)
		}
		if unmarshalErr := json.Unmarshal(raw, &cfg); unmarshalErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, unmarshalErr)
		}
		if ValidateHotkey(cfg.Hotkey) != nil {
			log.Warn().Str("path", path).Str("hotkey", cfg.Hotkey).Msg("invalid hotkey in config, using default")
			cfg.Hotkey = DefaultHotkey
		}
		s.current.Store(&cfg)
		return s, nil
	}

	s.current.Store(&cfg)
	if err = s.persist(cfg); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("created default config")
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

// Snapshot returns the current configuration by value.
func (s *Store) Snapshot() Config {
	return *s.current.Load()
}

// Update applies fn to a copy of the current snapshot, publishes the copy and persists it.
func (s *Store) Update(fn func(*Config)) (Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := *s.current.Load()
	fn(&next)
	if err := ValidateHotkey(next.Hotkey); err != nil {
		return s.Snapshot(), err
	}
	s.current.Store(&next)
	return next, s.persist(next)
}

func (s *Store) ToggleInlineMath() (Config, error) {
	return s.Update(func(c *Config) { c.UseDollarsForInlineMath = !c.UseDollarsForInlineMath })
}

func (s *Store) ToggleAlignMath() (Config, error) {
	return s.Update(func(c *Config) { c.UseDollarsForAlignMath = !c.UseDollarsForAlignMath })
}

func (s *Store) ToggleAlignToEquations() (Config, error) {
	return s.Update(func(c *Config) { c.ConvertAlignToEquations = !c.ConvertAlignToEquations })
}

func (s *Store) SetHotkey(hotkey string) (Config, error) {
	return s.Update(func(c *Config) { c.Hotkey = strings.TrimSpace(hotkey) })
}

func (s *Store) persist(cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	if err = fileutil.WriteFileBytes(s.path, raw, "application/json"); err != nil {
		return fmt.Errorf("writing config file %s: %w", s.path, err)
	}
	return nil
}
