package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/asr/mock"
)

func openStream(t *testing.T, f *fixture, key string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/stream?key="+key, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStream_Framing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	st := f.stream(t)

	resp := openStream(t, f, key)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}

	st.Respond(mock.Interim("hel"))
	st.Respond(mock.Final("hello"))
	st.Respond(mock.Final("world"))
	st.End()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	want := "\n" +
		`data:{"event":"audio.tx","key":"` + key + `","transcript":"hello"}` + "\n\n" +
		`data:{"event":"audio.tx","key":"` + key + `","transcript":"world"}` + "\n\n"
	if string(body) != want {
		t.Errorf("body =\n%q\nwant\n%q", body, want)
	}
}

func TestStream_FirstLineArrivesBeforeTranscripts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)

	resp := openStream(t, f, key)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read first line: %v", err)
	}
	if line != "\n" {
		t.Errorf("first line = %q, want a lone newline", line)
	}
}

func TestStream_TransportError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	st := f.stream(t)

	resp := openStream(t, f, key)
	st.Respond(mock.Final("partial"))
	st.Fail(errors.New("connection reset by peer"))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	events := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(events) != 2 {
		t.Fatalf("events = %q, want 2", events)
	}
	if !strings.Contains(events[0], `"transcript":"partial"`) {
		t.Errorf("first event = %q", events[0])
	}
	prefix := `data:{"event":"audio.error","key":"` + key + `","error":`
	if !strings.HasPrefix(events[1], prefix) || !strings.Contains(events[1], "connection reset by peer") {
		t.Errorf("error event = %q", events[1])
	}
}

func TestStream_EndsWhenSessionDeleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	key := f.createSession(t)
	f.stream(t)

	resp := openStream(t, f, key)
	done := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(resp.Body)
		done <- b
	}()

	time.Sleep(20 * time.Millisecond)
	f.reg.Delete(key)

	select {
	case b := <-done:
		if string(b) != "\n" {
			t.Errorf("body = %q, want only the opening newline", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after the session was deleted")
	}
}

func TestStream_Rejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	if resp := openStream(t, f, "nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown key: status = %d, want 404", resp.StatusCode)
	}

	key := f.createSession(t)
	sess, _ := f.reg.Get(key)
	release, ok := sess.AcquireConsumer()
	if !ok {
		t.Fatal("AcquireConsumer failed")
	}
	if resp := openStream(t, f, key); resp.StatusCode != http.StatusConflict {
		t.Errorf("second consumer: status = %d, want 409", resp.StatusCode)
	}
	release()

	resp := openStream(t, f, key)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("after release: status = %d, want 200", resp.StatusCode)
	}
}
