package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/livescribe/internal/observe"
)

// Event names used on the transcript channels.
const (
	eventTranscript = "audio.tx"
	eventError      = "audio.error"
)

// txEvent is one finalized transcript as delivered to clients.
type txEvent struct {
	Event      string `json:"event"`
	Key        string `json:"key"`
	Transcript string `json:"transcript"`
}

// errorEvent reports that the recognition stream failed.
type errorEvent struct {
	Event string `json:"event"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

// handleStream handles GET /stream?key=. It writes a lone newline first so
// clients see the response start, then one data line per finalized
// transcript. A session has a single transcript consumer; a second stream is
// rejected with 409.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	sess, ok := s.lookup(w, key)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	release, ok := sess.AcquireConsumer()
	if !ok {
		writeError(w, http.StatusConflict, "session already has a transcript consumer")
		return
	}
	defer release()

	ctx := observe.WithSession(r.Context(), key)
	log := observe.Logger(ctx)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, "\n"); err != nil {
		return
	}
	flusher.Flush()
	log.Debug("api: transcript stream opened")

	for ev := range sess.Transcripts(ctx) {
		if err := writeSSE(w, txEvent{Event: eventTranscript, Key: key, Transcript: ev.Text}); err != nil {
			log.Debug("api: transcript stream write failed", "err", err)
			return
		}
		flusher.Flush()
	}
	if ctx.Err() != nil {
		log.Debug("api: transcript stream client went away")
		return
	}

	if err := sess.Err(); err != nil {
		if writeSSE(w, errorEvent{Event: eventError, Key: key, Error: err.Error()}) == nil {
			flusher.Flush()
		}
	}
	log.Debug("api: transcript stream ended")
}

// writeSSE writes v as a single "data:" event.
func writeSSE(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data:%s\n\n", b)
	return err
}
