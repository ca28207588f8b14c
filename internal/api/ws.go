package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
)

// Client events accepted on the ingest socket.
const (
	wsAudioIn = "audio_in"
	wsPause   = "pause"
	wsUnpause = "unpause"
	wsReset   = "reset"
)

const wsWriteTimeout = 5 * time.Second

// errFeedEnded stops the socket once the session's transcript feed is done.
var errFeedEnded = errors.New("api: transcript feed ended")

// wsMessage is a JSON text message sent by the client. Data is base64 in
// JSON.
type wsMessage struct {
	Event string `json:"event"`
	Key   string `json:"key,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// wsReply acknowledges control events and reports client errors.
type wsReply struct {
	Event          string `json:"event"`
	Key            string `json:"key,omitempty"`
	DiscardedBytes *int   `json:"discarded_bytes,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleWS handles GET /ws. Binary messages are audio for the session named
// by ?key=. Text messages are JSON [wsMessage] values and may name any
// session. With ?transcripts=1 the session's finalized transcripts are pushed
// back on the same socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	push := q.Get("transcripts") == "1"

	var (
		sess    *session.Session
		release func()
	)
	if key != "" {
		var ok bool
		if sess, ok = s.lookup(w, key); !ok {
			return
		}
	}
	if push {
		if sess == nil {
			writeError(w, http.StatusBadRequest, "transcripts=1 requires key")
			return
		}
		var ok bool
		if release, ok = sess.AcquireConsumer(); !ok {
			writeError(w, http.StatusConflict, "session already has a transcript consumer")
			return
		}
		defer release()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("api: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.wsReadLimit)

	ctx := r.Context()
	if key != "" {
		ctx = observe.WithSession(ctx, key)
	}
	log := observe.Logger(ctx)
	log.Debug("api: websocket connected", "transcripts", push)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.wsReadLoop(gctx, conn, key, sess) })
	if push {
		g.Go(func() error { return wsPushLoop(gctx, conn, key, sess) })
	}
	err = g.Wait()

	switch {
	case errors.Is(err, errFeedEnded):
		// wsPushLoop already closed the socket.
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway,
		ctx.Err() != nil:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	default:
		log.Debug("api: websocket closed", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "")
	}
}

// wsReadLoop handles client messages until the socket fails or ctx ends.
// sess is the session named by ?key= and may be nil.
func (s *Server) wsReadLoop(ctx context.Context, conn *websocket.Conn, key string, sess *session.Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ == websocket.MessageBinary {
			if sess == nil {
				if err := wsWrite(ctx, conn, wsReply{Event: "error", Error: "binary audio requires ?key="}); err != nil {
					return err
				}
				continue
			}
			sess.Ingest(data)
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := wsWrite(ctx, conn, wsReply{Event: "error", Error: "invalid message: " + err.Error()}); err != nil {
				return err
			}
			continue
		}
		if reply, ok := s.wsDispatch(msg, key, sess); ok {
			if err := wsWrite(ctx, conn, reply); err != nil {
				return err
			}
		}
	}
}

// wsDispatch applies one text message. It returns a reply when the client
// should get one; audio_in is not acknowledged.
func (s *Server) wsDispatch(msg wsMessage, key string, sess *session.Session) (wsReply, bool) {
	target := sess
	if msg.Key != "" && msg.Key != key {
		var err error
		if target, err = s.reg.Lookup(msg.Key); err != nil {
			return wsReply{Event: "error", Key: msg.Key, Error: err.Error()}, true
		}
	}
	if target == nil {
		return wsReply{Event: "error", Error: "key is required"}, true
	}

	switch msg.Event {
	case wsAudioIn:
		target.Ingest(msg.Data)
		return wsReply{}, false
	case wsPause:
		target.Pause()
	case wsUnpause:
		target.Unpause()
	case wsReset:
		n := target.ResetBuffer()
		return wsReply{Event: wsReset, Key: target.Key(), DiscardedBytes: &n}, true
	default:
		return wsReply{Event: "error", Key: target.Key(), Error: fmt.Sprintf("unknown event %q", msg.Event)}, true
	}
	return wsReply{Event: msg.Event, Key: target.Key()}, true
}

// wsPushLoop forwards finalized transcripts as text messages. When the feed
// ends on a transport error the error is sent as a final message. Once the
// feed is done the socket is closed and errFeedEnded returned.
func wsPushLoop(ctx context.Context, conn *websocket.Conn, key string, sess *session.Session) error {
	for ev := range sess.Transcripts(ctx) {
		if err := wsWrite(ctx, conn, txEvent{Event: eventTranscript, Key: key, Transcript: ev.Text}); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sess.Err(); err != nil {
		if werr := wsWrite(ctx, conn, errorEvent{Event: eventError, Key: key, Error: err.Error()}); werr != nil {
			return werr
		}
		_ = conn.Close(websocket.StatusInternalError, "recognition stream failed")
		return errFeedEnded
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	return errFeedEnded
}

func wsWrite(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}
