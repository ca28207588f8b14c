package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/asr/mock"
)

func dialWS(t *testing.T, f *fixture, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

func mustDialWS(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := dialWS(t, f, query)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func writeWS(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func writeWSJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	writeWS(t, conn, websocket.MessageText, b)
}

// readWSJSON reads one text message and decodes it into a generic map.
func readWSJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}

func TestWS_IngestBinaryAndAudioIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	st := f.stream(t)

	conn := mustDialWS(t, f, "?key="+key)
	writeWS(t, conn, websocket.MessageBinary, []byte{1, 2, 3})
	writeWSJSON(t, conn, wsMessage{Event: wsAudioIn, Key: key, Data: []byte{4, 5}})

	waitFor(t, 2*time.Second, func() bool { return bytes.Equal(st.Audio(), []byte{1, 2, 3, 4, 5}) })
}

func TestWS_AudioInWithoutQueryKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	st := f.stream(t)

	conn := mustDialWS(t, f, "")
	writeWSJSON(t, conn, wsMessage{Event: wsAudioIn, Key: key, Data: []byte{9, 9}})
	waitFor(t, 2*time.Second, func() bool { return bytes.Equal(st.Audio(), []byte{9, 9}) })

	writeWS(t, conn, websocket.MessageBinary, []byte{1})
	if msg := readWSJSON(t, conn); msg["event"] != "error" {
		t.Errorf("binary without key: reply = %v, want error", msg)
	}
}

func TestWS_ControlEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	sess, _ := f.reg.Get(key)

	conn := mustDialWS(t, f, "?key="+key)

	writeWSJSON(t, conn, wsMessage{Event: wsPause})
	if msg := readWSJSON(t, conn); msg["event"] != wsPause || msg["key"] != key {
		t.Errorf("pause reply = %v", msg)
	}
	if !sess.Paused() {
		t.Error("session not paused")
	}

	writeWSJSON(t, conn, wsMessage{Event: wsUnpause})
	if msg := readWSJSON(t, conn); msg["event"] != wsUnpause {
		t.Errorf("unpause reply = %v", msg)
	}
	if sess.Paused() {
		t.Error("session still paused")
	}

	writeWSJSON(t, conn, wsMessage{Event: wsReset})
	msg := readWSJSON(t, conn)
	if msg["event"] != wsReset {
		t.Errorf("reset reply = %v", msg)
	}
	if _, ok := msg["discarded_bytes"]; !ok {
		t.Errorf("reset reply has no discarded_bytes: %v", msg)
	}

	writeWSJSON(t, conn, wsMessage{Event: "shout"})
	if msg := readWSJSON(t, conn); msg["event"] != "error" {
		t.Errorf("unknown event reply = %v", msg)
	}

	writeWSJSON(t, conn, wsMessage{Event: wsPause, Key: "nope"})
	if msg := readWSJSON(t, conn); msg["event"] != "error" || msg["key"] != "nope" {
		t.Errorf("unknown key reply = %v", msg)
	}

	writeWS(t, conn, websocket.MessageText, []byte("not json"))
	if msg := readWSJSON(t, conn); msg["event"] != "error" {
		t.Errorf("malformed reply = %v", msg)
	}
}

func TestWS_PushesTranscripts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	st := f.stream(t)

	conn := mustDialWS(t, f, "?key="+key+"&transcripts=1")
	st.Respond(mock.Interim("h"))
	st.Respond(mock.Final("hi there"))

	msg := readWSJSON(t, conn)
	if msg["event"] != eventTranscript || msg["key"] != key || msg["transcript"] != "hi there" {
		t.Errorf("transcript message = %v", msg)
	}

	st.End()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", got, err)
	}
}

func TestWS_PushesTransportError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	st := f.stream(t)

	conn := mustDialWS(t, f, "?key="+key+"&transcripts=1")
	st.Fail(errors.New("backend unavailable"))

	msg := readWSJSON(t, conn)
	if msg["event"] != eventError || msg["key"] != key {
		t.Errorf("error message = %v", msg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Errorf("close status = %v, want internal error", got)
	}
}

func TestWS_HandshakeRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name  string
		query func(key string) string
		want  int
		taken bool
	}{
		{"unknown key", func(string) string { return "?key=nope" }, http.StatusNotFound, false},
		{"transcripts without key", func(string) string { return "?transcripts=1" }, http.StatusBadRequest, false},
		{"consumer taken", func(k string) string { return "?key=" + k + "&transcripts=1" }, http.StatusConflict, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := f.createSession(t)
			if tt.taken {
				sess, _ := f.reg.Get(key)
				release, _ := sess.AcquireConsumer()
				defer release()
			}
			_, resp, err := dialWS(t, f, tt.query(key))
			if err == nil {
				t.Fatal("dial succeeded, want handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("response = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestWS_OriginPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		patterns []string
		origin   string
		want     int
	}{
		{"cross origin refused without patterns", nil, "https://elsewhere.example", http.StatusForbidden},
		{"matching pattern", []string{"*.example.com"}, "https://app.example.com", http.StatusSwitchingProtocols},
		{"non-matching pattern", []string{"*.example.com"}, "https://example.org", http.StatusForbidden},
		{"any origin", []string{"*"}, "https://elsewhere.example", http.StatusSwitchingProtocols},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil, WithOriginPatterns(tt.patterns...))
			key := f.createSession(t)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?key=" + key
			conn, resp, _ := websocket.Dial(ctx, url, &websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": {tt.origin}},
			})
			if conn != nil {
				_ = conn.CloseNow()
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Errorf("response = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestWS_ReadLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, WithWSReadLimit(4))
	key := f.createSession(t)
	st := f.stream(t)

	conn := mustDialWS(t, f, "?key="+key)
	writeWS(t, conn, websocket.MessageBinary, []byte{1, 2, 3, 4})
	waitFor(t, 2*time.Second, func() bool { return bytes.Equal(st.Audio(), []byte{1, 2, 3, 4}) })

	writeWS(t, conn, websocket.MessageBinary, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusMessageTooBig {
		t.Errorf("close status = %v (err %v), want message too big", got, err)
	}
	if !bytes.Equal(st.Audio(), []byte{1, 2, 3, 4}) {
		t.Errorf("audio = %v, oversized message must not be ingested", st.Audio())
	}
}
