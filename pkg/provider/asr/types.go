package asr

import (
	"errors"
	"fmt"
	"strings"
)

// Encoding identifies the sample format of the audio frames. The numeric values
// match the recognition backend's wire enum.
type Encoding int32

const (
	EncodingUnspecified Encoding = 0
	EncodingLinearPCM   Encoding = 1
	EncodingFLAC        Encoding = 2
	EncodingMulaw       Encoding = 3
	EncodingOggOpus     Encoding = 4
	EncodingAlaw        Encoding = 20
)

var encodingNames = map[Encoding]string{
	EncodingUnspecified: "unspecified",
	EncodingLinearPCM:   "linear_pcm",
	EncodingFLAC:        "flac",
	EncodingMulaw:       "mulaw",
	EncodingOggOpus:     "ogg_opus",
	EncodingAlaw:        "alaw",
}

// String returns the lower_snake_case config name of e.
func (e Encoding) String() string {
	if n, ok := encodingNames[e]; ok {
		return n
	}
	return fmt.Sprintf("encoding(%d)", int32(e))
}

// ParseEncoding maps a config name such as "linear_pcm" to an [Encoding].
// Matching is case-insensitive; an empty name yields [EncodingLinearPCM].
func ParseEncoding(name string) (Encoding, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return EncodingLinearPCM, nil
	}
	for e, n := range encodingNames {
		if n == name && e != EncodingUnspecified {
			return e, nil
		}
	}
	return EncodingUnspecified, fmt.Errorf("asr: unknown encoding %q", name)
}

// Defaults applied by [DefaultRecognitionConfig].
const (
	DefaultSampleRateHz = 16000
	DefaultLanguageCode = "en-US"
)

// RecognitionConfig holds the per-session parameters sent to the backend in the
// configuration frame. It is immutable once a session has been created.
type RecognitionConfig struct {
	// Encoding of the audio frames. Zero means [EncodingLinearPCM].
	Encoding Encoding

	// SampleRateHz is the audio sample rate in Hz.
	SampleRateHz int

	// LanguageCode is the BCP-47 tag used for recognition (e.g. "en-US").
	LanguageCode string

	// AutomaticPunctuation asks the backend to insert punctuation.
	AutomaticPunctuation bool

	// InterimResults asks the backend to report non-final hypotheses.
	InterimResults bool

	// MaxAlternatives is the number of alternatives per result. Sessions always
	// request exactly one.
	MaxAlternatives int

	// VerbatimTranscripts disables inverse text normalisation on the backend.
	VerbatimTranscripts bool

	// Model optionally selects a backend model by name.
	Model string
}

// DefaultRecognitionConfig returns the configuration used when a client does
// not override anything.
func DefaultRecognitionConfig() RecognitionConfig {
	return RecognitionConfig{
		Encoding:             EncodingLinearPCM,
		SampleRateHz:         DefaultSampleRateHz,
		LanguageCode:         DefaultLanguageCode,
		AutomaticPunctuation: true,
		InterimResults:       true,
		MaxAlternatives:      1,
		VerbatimTranscripts:  true,
	}
}

// Normalized returns a copy of c with the fixed session policy applied: a zero
// encoding becomes linear PCM, exactly one alternative is requested and
// transcripts are verbatim.
func (c RecognitionConfig) Normalized() RecognitionConfig {
	if c.Encoding == EncodingUnspecified {
		c.Encoding = EncodingLinearPCM
	}
	c.MaxAlternatives = 1
	c.VerbatimTranscripts = true
	c.LanguageCode = strings.TrimSpace(c.LanguageCode)
	return c
}

// Validate reports every problem with c. The returned error joins one error per
// invalid field.
func (c RecognitionConfig) Validate() error {
	var errs []error
	if _, ok := encodingNames[c.Encoding]; !ok {
		errs = append(errs, fmt.Errorf("encoding %d is not supported", int32(c.Encoding)))
	}
	if c.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate_hz must be positive, got %d", c.SampleRateHz))
	} else if c.SampleRateHz > 192000 {
		errs = append(errs, fmt.Errorf("sample_rate_hz %d exceeds 192000", c.SampleRateHz))
	}
	if strings.TrimSpace(c.LanguageCode) == "" {
		errs = append(errs, errors.New("language_code is required"))
	}
	if c.MaxAlternatives < 0 {
		errs = append(errs, fmt.Errorf("max_alternatives must not be negative, got %d", c.MaxAlternatives))
	}
	return errors.Join(errs...)
}

// Request is one client frame. Exactly one of Config and Audio is set.
type Request struct {
	// Config is set on the first frame of a stream only.
	Config *RecognitionConfig

	// Audio carries raw audio bytes in the configured encoding.
	Audio []byte
}

// IsConfig reports whether r is a configuration frame.
func (r Request) IsConfig() bool { return r.Config != nil }

// Response is one backend message. It may carry zero or more results.
type Response struct {
	Results []Result
}

// Result is one hypothesis for the utterance currently being recognised.
type Result struct {
	// Alternatives are ordered by likelihood, most likely first.
	Alternatives []Alternative

	// IsFinal is true once the backend will not revise this result any more.
	IsFinal bool

	// Stability estimates how likely an interim result is to change (0.0-1.0).
	Stability float32
}

// Alternative is one candidate transcript for a result.
type Alternative struct {
	Transcript string
	Confidence float32
}

// Top returns the first alternative of the first result of r. ok is false when
// r has no results or the first result has no alternatives.
func (r Response) Top() (res Result, alt Alternative, ok bool) {
	if len(r.Results) == 0 {
		return Result{}, Alternative{}, false
	}
	res = r.Results[0]
	if len(res.Alternatives) == 0 {
		return res, Alternative{}, false
	}
	return res, res.Alternatives[0], true
}
