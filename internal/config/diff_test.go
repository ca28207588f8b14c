package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
)

func boolPtr(v bool) *bool { return &v }

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":8000"},
		Providers: config.ProvidersConfig{ASR: config.ProviderEntry{Name: "riva"}},
		Recognition: config.RecognitionConfig{
			SampleRateHz:   16000,
			InterimResults: boolPtr(true),
		},
		Sessions: config.SessionsConfig{MaxSessions: 10},
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no hot-reloadable changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-only changes, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_Recognition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.RecognitionConfig)
	}{
		{"sample rate", func(r *config.RecognitionConfig) { r.SampleRateHz = 8000 }},
		{"language", func(r *config.RecognitionConfig) { r.LanguageCode = "fr-FR" }},
		{"encoding", func(r *config.RecognitionConfig) { r.Encoding = "flac" }},
		{"model", func(r *config.RecognitionConfig) { r.Model = "conformer" }},
		{"interim flipped", func(r *config.RecognitionConfig) { r.InterimResults = boolPtr(false) }},
		{"interim unset", func(r *config.RecognitionConfig) { r.InterimResults = nil }},
		{"punctuation set", func(r *config.RecognitionConfig) { r.AutomaticPunctuation = boolPtr(true) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(&new.Recognition)
			if d := config.Diff(old, new); !d.RecognitionChanged {
				t.Error("expected RecognitionChanged=true")
			}
		})
	}
}

func TestDiff_InterimSamePointee(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	// Distinct pointers with equal values are not a change.
	new.Recognition.InterimResults = boolPtr(true)
	if d := config.Diff(old, new); d.RecognitionChanged {
		t.Error("expected RecognitionChanged=false")
	}
}

func TestDiff_MaxSessions(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Sessions.MaxSessions = 20

	d := config.Diff(old, new)
	if !d.MaxSessionsChanged || d.NewMaxSessions != 20 {
		t.Errorf("got %+v, want max sessions 20", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9000"
	new.Providers.ASR.BaseURL = "other:50051"
	new.Sessions.IdleTimeout = time.Minute
	new.Archive.PostgresDSN = "postgres://x"
	new.Server.WSOriginPatterns = []string{"app.example.com"}

	d := config.Diff(old, new)
	for _, want := range []string{"server.listen_addr", "server.ws", "providers", "sessions", "archive"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.Changed() {
		t.Errorf("restart-only changes reported as hot-reloadable: %+v", d)
	}
}

func TestDiff_FallbackChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Providers.ASRFallbacks = []config.ProviderEntry{{Name: "deepgram", APIKey: "a"}}
	new.Providers.ASRFallbacks = []config.ProviderEntry{{Name: "deepgram", APIKey: "b"}}

	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("RestartRequired = %v, want providers", d.RestartRequired)
	}
}
