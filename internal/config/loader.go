package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidASRNames lists the recognition backends shipped with livescribe.
// Used by [Validate] to warn about unrecognised provider names.
var ValidASRNames = []string{"riva", "deepgram"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is LoadFromReader over an in-memory document.
func Parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WSReadLimit < 0 {
		errs = append(errs, fmt.Errorf("server.ws_read_limit %d must not be negative", cfg.Server.WSReadLimit))
	}
	for i, pat := range cfg.Server.WSOriginPatterns {
		if _, err := path.Match(pat, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.ws_origin_patterns[%d] %q: %w", i, pat, err))
		}
	}

	// Providers
	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	validateProviderName("providers.asr", cfg.Providers.ASR.Name)
	if cfg.Providers.ASR.Name == "deepgram" && cfg.Providers.ASR.APIKey == "" {
		errs = append(errs, errors.New("providers.asr: deepgram requires api_key"))
	}
	for i, fb := range cfg.Providers.ASRFallbacks {
		prefix := fmt.Sprintf("providers.asr_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
		if fb.Name == "deepgram" && fb.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s: deepgram requires api_key", prefix))
		}
	}

	// Recognition defaults
	rc, err := cfg.Recognition.ToASR()
	if err != nil {
		errs = append(errs, fmt.Errorf("recognition.encoding: %w", err))
	} else if err := rc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("recognition: %w", err))
	}

	// Sessions
	if cfg.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions %d must not be negative", cfg.Sessions.MaxSessions))
	}
	if cfg.Sessions.MaxBufferedBytes < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_buffered_bytes %d must not be negative", cfg.Sessions.MaxBufferedBytes))
	}
	if cfg.Sessions.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_timeout %s must not be negative", cfg.Sessions.IdleTimeout))
	}

	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; transcripts will not be archived")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidASRNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidASRNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidASRNames,
	)
}
