// Package deepgram provides an asr.Provider backed by the Deepgram live
// transcription WebSocket API.
//
// Deepgram takes its recognition parameters as query parameters of the
// WebSocket URL rather than as a first message, so a stream dials lazily: the
// configuration frame sent through [asr.Stream.Send] is turned into the listen
// URL and only then is the connection opened.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
)

var (
	errNoConfig        = errors.New("deepgram: audio sent before configuration")
	errDuplicateConfig = errors.New("deepgram: configuration already sent")
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the default Deepgram model (e.g. "nova-3", "base"). A model set
// in the session's RecognitionConfig takes precedence.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the listen endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StreamingRecognize returns a stream that connects once its configuration
// frame is sent.
func (p *Provider) StreamingRecognize(ctx context.Context) (asr.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	return &stream{
		p:     p,
		ctx:   ctx,
		ready: make(chan struct{}),
	}, nil
}

var _ asr.Provider = (*Provider)(nil)

// buildURL constructs the listen URL for cfg.
func (p *Provider) buildURL(cfg asr.RecognitionConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	enc, err := encodingParam(cfg.Encoding)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", cfg.LanguageCode)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRateHz))
	q.Set("channels", "1")
	q.Set("punctuate", strconv.FormatBool(cfg.AutomaticPunctuation))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.MaxAlternatives > 0 {
		q.Set("alternatives", strconv.Itoa(cfg.MaxAlternatives))
	}
	if !cfg.VerbatimTranscripts {
		q.Set("smart_format", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encodingParam(e asr.Encoding) (string, error) {
	switch e {
	case asr.EncodingLinearPCM, asr.EncodingUnspecified:
		return "linear16", nil
	case asr.EncodingFLAC:
		return "flac", nil
	case asr.EncodingMulaw:
		return "mulaw", nil
	case asr.EncodingAlaw:
		return "alaw", nil
	case asr.EncodingOggOpus:
		return "opus", nil
	default:
		return "", fmt.Errorf("deepgram: unsupported encoding %s", e)
	}
}

// ---- stream ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	p   *Provider
	ctx context.Context

	mu         sync.Mutex
	conn       *websocket.Conn
	halfClosed bool

	// ready is closed once the connection attempt finished or the stream was
	// half-closed without ever connecting. dialErr is valid after that.
	ready     chan struct{}
	readyOnce sync.Once
	dialErr   error
}

func (s *stream) markReady(err error) {
	s.readyOnce.Do(func() {
		s.dialErr = err
		close(s.ready)
	})
}

func (s *stream) Send(req asr.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halfClosed {
		return asr.ErrStreamClosed
	}

	if req.Config != nil {
		if s.conn != nil {
			return errDuplicateConfig
		}
		conn, err := s.dial(*req.Config)
		s.markReady(err)
		if err != nil {
			return err
		}
		s.conn = conn
		return nil
	}

	if s.conn == nil {
		return errNoConfig
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, req.Audio); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

func (s *stream) dial(cfg asr.RecognitionConfig) (*websocket.Conn, error) {
	wsURL, err := s.p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.p.apiKey)

	conn, _, err := websocket.Dial(s.ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	context.AfterFunc(s.ctx, func() { conn.CloseNow() })
	return conn, nil
}

func (s *stream) Recv() (asr.Response, error) {
	select {
	case <-s.ready:
	case <-s.ctx.Done():
		return asr.Response{}, s.ctx.Err()
	}
	if s.dialErr != nil {
		return asr.Response{}, s.dialErr
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return asr.Response{}, io.EOF
	}

	for {
		_, msg, err := conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return asr.Response{}, io.EOF
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return asr.Response{}, ctxErr
			}
			return asr.Response{}, fmt.Errorf("deepgram: recv: %w", err)
		}
		if resp, ok := parseDeepgramResponse(msg); ok {
			return resp, nil
		}
	}
}

// CloseSend asks Deepgram to flush and finish the stream.
func (s *stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halfClosed {
		return nil
	}
	s.halfClosed = true
	if s.conn == nil {
		s.markReady(nil)
		return nil
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// parseDeepgramResponse turns a raw Deepgram message into a single-result
// response. It returns false for messages that carry no transcript (metadata,
// speech-started events, malformed JSON).
func parseDeepgramResponse(data []byte) (asr.Response, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return asr.Response{}, false
	}
	if resp.Type != "Results" {
		return asr.Response{}, false
	}

	alts := make([]asr.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		alts = append(alts, asr.Alternative{
			Transcript: a.Transcript,
			Confidence: float32(a.Confidence),
		})
	}
	return asr.Response{Results: []asr.Result{{
		Alternatives: alts,
		IsFinal:      resp.IsFinal,
	}}}, true
}
