package asr_test

import (
	"testing"

	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

func TestDefaultRecognitionConfig(t *testing.T) {
	t.Parallel()

	cfg := asr.DefaultRecognitionConfig()
	if cfg.SampleRateHz != 16000 {
		t.Errorf("SampleRateHz = %d, want 16000", cfg.SampleRateHz)
	}
	if cfg.LanguageCode != "en-US" {
		t.Errorf("LanguageCode = %q, want en-US", cfg.LanguageCode)
	}
	if cfg.Encoding != asr.EncodingLinearPCM {
		t.Errorf("Encoding = %v, want linear_pcm", cfg.Encoding)
	}
	if !cfg.AutomaticPunctuation || !cfg.InterimResults || !cfg.VerbatimTranscripts {
		t.Errorf("boolean defaults = %+v, want all true", cfg)
	}
	if cfg.MaxAlternatives != 1 {
		t.Errorf("MaxAlternatives = %d, want 1", cfg.MaxAlternatives)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestRecognitionConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*asr.RecognitionConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*asr.RecognitionConfig) {}},
		{name: "zero sample rate", mutate: func(c *asr.RecognitionConfig) { c.SampleRateHz = 0 }, wantErr: true},
		{name: "negative sample rate", mutate: func(c *asr.RecognitionConfig) { c.SampleRateHz = -8000 }, wantErr: true},
		{name: "huge sample rate", mutate: func(c *asr.RecognitionConfig) { c.SampleRateHz = 1_000_000 }, wantErr: true},
		{name: "empty language", mutate: func(c *asr.RecognitionConfig) { c.LanguageCode = "  " }, wantErr: true},
		{name: "unknown encoding", mutate: func(c *asr.RecognitionConfig) { c.Encoding = 99 }, wantErr: true},
		{name: "8 kHz mulaw", mutate: func(c *asr.RecognitionConfig) {
			c.SampleRateHz = 8000
			c.Encoding = asr.EncodingMulaw
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := asr.DefaultRecognitionConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecognitionConfig_Normalized(t *testing.T) {
	t.Parallel()

	cfg := asr.RecognitionConfig{SampleRateHz: 44100, LanguageCode: " de-DE ", MaxAlternatives: 5}
	got := cfg.Normalized()
	if got.Encoding != asr.EncodingLinearPCM {
		t.Errorf("Encoding = %v, want linear_pcm", got.Encoding)
	}
	if got.MaxAlternatives != 1 {
		t.Errorf("MaxAlternatives = %d, want 1", got.MaxAlternatives)
	}
	if !got.VerbatimTranscripts {
		t.Error("VerbatimTranscripts = false, want true")
	}
	if got.LanguageCode != "de-DE" {
		t.Errorf("LanguageCode = %q, want de-DE", got.LanguageCode)
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    asr.Encoding
		wantErr bool
	}{
		{in: "", want: asr.EncodingLinearPCM},
		{in: "linear_pcm", want: asr.EncodingLinearPCM},
		{in: "FLAC", want: asr.EncodingFLAC},
		{in: "alaw", want: asr.EncodingAlaw},
		{in: "unspecified", wantErr: true},
		{in: "mp3", wantErr: true},
	}
	for _, tt := range tests {
		got, err := asr.ParseEncoding(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEncoding(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseEncoding(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResponse_Top(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		resp     asr.Response
		wantOK   bool
		wantText string
		wantFin  bool
	}{
		{name: "no results", resp: asr.Response{}},
		{name: "no alternatives", resp: asr.Response{Results: []asr.Result{{IsFinal: true}}}},
		{
			name: "first result first alternative",
			resp: asr.Response{Results: []asr.Result{
				{IsFinal: true, Alternatives: []asr.Alternative{{Transcript: "hello"}, {Transcript: "yellow"}}},
				{IsFinal: false, Alternatives: []asr.Alternative{{Transcript: "ignored"}}},
			}},
			wantOK:   true,
			wantText: "hello",
			wantFin:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, alt, ok := tt.resp.Top()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if alt.Transcript != tt.wantText || res.IsFinal != tt.wantFin {
				t.Errorf("Top = (%v, %q), want (%v, %q)", res.IsFinal, alt.Transcript, tt.wantFin, tt.wantText)
			}
		})
	}
}
