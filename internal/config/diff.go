package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RecognitionChanged is true when the defaults for new sessions changed.
	// Running sessions keep their configuration.
	RecognitionChanged bool

	// MaxSessionsChanged is true when the session limit changed. Existing
	// sessions are never evicted.
	MaxSessionsChanged bool
	NewMaxSessions     int

	// RestartRequired lists changed settings that are only read at startup.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RecognitionChanged || d.MaxSessionsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !recognitionEqual(old.Recognition, new.Recognition) {
		d.RecognitionChanged = true
	}

	if old.Sessions.MaxSessions != new.Sessions.MaxSessions {
		d.MaxSessionsChanged = true
		d.NewMaxSessions = new.Sessions.MaxSessions
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !slices.Equal(old.Server.WSOriginPatterns, new.Server.WSOriginPatterns) ||
		old.Server.WSReadLimit != new.Server.WSReadLimit {
		d.RestartRequired = append(d.RestartRequired, "server.ws")
	}
	if !providerEqual(old.Providers.ASR, new.Providers.ASR) || len(old.Providers.ASRFallbacks) != len(new.Providers.ASRFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	} else {
		for i := range old.Providers.ASRFallbacks {
			if !providerEqual(old.Providers.ASRFallbacks[i], new.Providers.ASRFallbacks[i]) {
				d.RestartRequired = append(d.RestartRequired, "providers")
				break
			}
		}
	}
	if old.Sessions.MaxBufferedBytes != new.Sessions.MaxBufferedBytes ||
		old.Sessions.ResetOnPause != new.Sessions.ResetOnPause ||
		old.Sessions.IdleTimeout != new.Sessions.IdleTimeout {
		d.RestartRequired = append(d.RestartRequired, "sessions")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}

	return d
}

func recognitionEqual(a, b RecognitionConfig) bool {
	return a.Encoding == b.Encoding &&
		a.SampleRateHz == b.SampleRateHz &&
		a.LanguageCode == b.LanguageCode &&
		a.Model == b.Model &&
		boolPtrEqual(a.AutomaticPunctuation, b.AutomaticPunctuation) &&
		boolPtrEqual(a.InterimResults, b.InterimResults)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// providerEqual compares the scalar fields of two entries. Options are not
// compared.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
