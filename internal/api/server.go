// Package api exposes the session registry over HTTP.
//
// Routes:
//
//	POST   /init                          create a session, returns {"key": ...}
//	POST   /audio                         {key, data} with base64 audio
//	GET    /ws?key=                       WebSocket audio ingest (and optional transcripts)
//	GET    /stream?key=                   Server-Sent Events transcript stream
//	GET    /sessions                      status snapshot of every session
//	GET    /sessions/{key}                status of one session
//	POST   /sessions/{key}/pause          drop incoming audio until unpaused
//	POST   /sessions/{key}/unpause
//	POST   /sessions/{key}/reset          discard buffered audio
//	DELETE /sessions/{key}                stop and remove a session
//	GET    /sessions/{key}/transcripts    archived finals (only with an archive)
//	GET    /health                        legacy liveness probe
//
// Errors are JSON objects of the form {"error": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MrWong99/livescribe/internal/archive"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

const (
	// maxAudioBody bounds a POST /audio request body.
	maxAudioBody = 8 << 20

	// maxInitBody bounds a POST /init request body.
	maxInitBody = 64 << 10

	defaultHistoryLimit = 100
)

// History serves archived transcripts. [archive.Guard] implements it.
type History interface {
	Recent(ctx context.Context, sessionKey string, limit int) []archive.Entry
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables GET /sessions/{key}/transcripts.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// WebSocket handshakes. Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithWSReadLimit sets the largest WebSocket message the ingest socket
// accepts. The default is 1 MiB.
func WithWSReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.wsReadLimit = n
		}
	}
}

// Server holds the HTTP handlers. It has no state of its own besides the
// registry it serves.
type Server struct {
	reg            *session.Registry
	history        History
	originPatterns []string
	wsReadLimit    int64
}

// New creates a [Server] for reg.
func New(reg *session.Registry, opts ...Option) *Server {
	s := &Server{reg: reg, wsReadLimit: 1 << 20}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /init", s.handleInit)
	mux.HandleFunc("POST /audio", s.handleAudio)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/{key}", s.handleInfo)
	mux.HandleFunc("POST /sessions/{key}/pause", s.handlePause)
	mux.HandleFunc("POST /sessions/{key}/unpause", s.handleUnpause)
	mux.HandleFunc("POST /sessions/{key}/reset", s.handleReset)
	mux.HandleFunc("DELETE /sessions/{key}", s.handleDelete)
	if s.history != nil {
		mux.HandleFunc("GET /sessions/{key}/transcripts", s.handleHistory)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	})
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// initRequest overrides recognition defaults for one session. Nil fields keep
// the registry's defaults.
type initRequest struct {
	Encoding             *string `json:"encoding"`
	SampleRateHz         *int    `json:"sample_rate_hz"`
	LanguageCode         *string `json:"language_code"`
	AutomaticPunctuation *bool   `json:"automatic_punctuation"`
	InterimResults       *bool   `json:"interim_results"`
}

func (req initRequest) apply(cfg asr.RecognitionConfig) (asr.RecognitionConfig, error) {
	if req.Encoding != nil {
		enc, err := asr.ParseEncoding(*req.Encoding)
		if err != nil {
			return cfg, err
		}
		cfg.Encoding = enc
	}
	if req.SampleRateHz != nil {
		cfg.SampleRateHz = *req.SampleRateHz
	}
	if req.LanguageCode != nil {
		cfg.LanguageCode = *req.LanguageCode
	}
	if req.AutomaticPunctuation != nil {
		cfg.AutomaticPunctuation = *req.AutomaticPunctuation
	}
	if req.InterimResults != nil {
		cfg.InterimResults = *req.InterimResults
	}
	return cfg, nil
}

type initResponse struct {
	Key string `json:"key"`
}

// handleInit handles POST /init. The body is optional.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg, err := req.apply(s.reg.Defaults())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.reg.Create(cfg)
	switch {
	case errors.Is(err, session.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrTooManySessions), errors.Is(err, session.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		observe.Logger(r.Context()).Error("api: create session failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, initResponse{Key: sess.Key()})
}

type audioRequest struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

// handleAudio handles POST /audio. Audio sent to a paused session is
// accepted and dropped.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAudioBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	sess, ok := s.lookup(w, req.Key)
	if !ok {
		return
	}
	sess.Ingest(req.Data)
	w.WriteHeader(http.StatusNoContent)
}

type listResponse struct {
	Count    int            `json:"count"`
	Sessions []session.Info `json:"sessions"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	infos := s.reg.Infos()
	writeJSON(w, http.StatusOK, listResponse{Count: len(infos), Sessions: infos})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r.PathValue("key"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r.PathValue("key"))
	if !ok {
		return
	}
	sess.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r.PathValue("key"))
	if !ok {
		return
	}
	sess.Unpause()
	w.WriteHeader(http.StatusNoContent)
}

type resetResponse struct {
	DiscardedBytes int `json:"discarded_bytes"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r.PathValue("key"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{DiscardedBytes: sess.ResetBuffer()})
}

// handleDelete handles DELETE /sessions/{key}. Deleting an unknown key
// succeeds.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if s.reg.Delete(key) {
		observe.Logger(observe.WithSession(r.Context(), key)).Info("api: session deleted by client")
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyResponse struct {
	Key         string          `json:"key"`
	Transcripts []archive.Entry `json:"transcripts"`
}

// handleHistory handles GET /sessions/{key}/transcripts?limit=N. Archived
// transcripts outlive their session, so the key need not be live.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries := s.history.Recent(observe.WithSession(r.Context(), key), key, limit)
	writeJSON(w, http.StatusOK, historyResponse{Key: key, Transcripts: entries})
}

// lookup resolves key or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, key string) (*session.Session, bool) {
	sess, err := s.reg.Lookup(key)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
