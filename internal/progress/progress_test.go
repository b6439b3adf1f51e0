package progress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type fakeLocks struct {
	mu     sync.Mutex
	active bool
	stale  bool
}

func (f *fakeLocks) Active(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeLocks) Stale(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func (f *fakeLocks) setStale(v bool) {
	f.mu.Lock()
	f.stale = v
	f.mu.Unlock()
}

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewBroker(rdb, slog.New(slog.NewJSONHandler(io.Discard, nil))), mr
}

// waitSubscribers polls until the channel has n subscribers.
func waitSubscribers(mr *miniredis.Miniredis, projectID string, n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.PubSubNumSub(Channel(projectID))[Channel(projectID)] == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestEvent_JSON(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{Started(), `{"status":"started"}`},
		{Finished(), `{"status":"finished"}`},
		{Downloading(150, 10, 20, "1.0 MiB/s", ""), `{"status":"downloading","percent":100,"downloaded":10,"total":20,"speed":"1.0 MiB/s","eta":"Unknown"}`},
		{Complete(12.5, "T"), `{"status":"complete","duration":12.5,"title":"T"}`},
		{Failed("boom"), `{"status":"error","error":"boom"}`},
	}
	for _, c := range cases {
		b, err := json.Marshal(c.ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", c.ev.Status, err)
		}
		if string(b) != c.want {
			t.Errorf("marshal %s = %s, want %s", c.ev.Status, b, c.want)
		}
		var back Event
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", c.ev.Status, err)
		}
		if back != c.ev {
			t.Errorf("round trip %s: got %+v want %+v", c.ev.Status, back, c.ev)
		}
	}

	if Downloading(-3, 0, 0, "", "").Percent != 0 {
		t.Error("negative percent must clamp to 0")
	}
	var ev Event
	if err := json.Unmarshal([]byte(`{"status":"weird"}`), &ev); err == nil {
		t.Error("unknown status must fail to decode")
	}
	if _, err := json.Marshal(Event{}); err == nil {
		t.Error("empty status must fail to encode")
	}
}

func TestBroker_publish_subscribe(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "p1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "p1", Started()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, "other", Failed("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, "p1", Complete(3, "t")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, want := range []Status{StatusStarted, StatusComplete} {
		select {
		case ev := <-sub.Events():
			if ev.Status != want {
				t.Errorf("got %s, want %s", ev.Status, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if err := sub.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestStreamer_Open_no_active_job(t *testing.T) {
	b, _ := newTestBroker(t)
	s := NewStreamer(b, &fakeLocks{}, StreamOptions{}, b.log, nil)

	if _, err := s.Open(context.Background(), "p1"); !errors.Is(err, ErrNoActiveJob) {
		t.Errorf("expected ErrNoActiveJob, got %v", err)
	}
}

func TestStream_ends_after_terminal_event(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	s := NewStreamer(b, &fakeLocks{active: true}, StreamOptions{Keepalive: time.Hour, StaleCheck: time.Hour}, b.log, nil)

	st, err := s.Open(ctx, "p1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	go func() {
		b.Publish(ctx, "p1", Started())
		b.Publish(ctx, "p1", Downloading(50, 5, 10, "1 B/s", "1s"))
		b.Publish(ctx, "p1", Failed("boom"))
		b.Publish(ctx, "p1", Started())
	}()

	var got []Status
	for {
		f, ok := st.Next(ctx)
		if !ok {
			break
		}
		got = append(got, f.Event.Status)
	}
	want := []Status{StatusStarted, StatusDownloading, StatusError}
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
	if _, ok := st.Next(ctx); ok {
		t.Error("stream must stay ended")
	}
}

func TestStream_keepalive(t *testing.T) {
	b, _ := newTestBroker(t)
	s := NewStreamer(b, &fakeLocks{active: true}, StreamOptions{Keepalive: 20 * time.Millisecond, StaleCheck: time.Hour}, b.log, nil)

	st, err := s.Open(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	f, ok := st.Next(context.Background())
	if !ok || f.Kind != FrameKeepalive {
		t.Fatalf("expected keepalive frame, got %+v %v", f, ok)
	}
	b2, _ := f.Encode()
	if !strings.HasPrefix(string(b2), ": keepalive ") || !strings.HasSuffix(string(b2), "\n\n") {
		t.Errorf("keepalive wire = %q", b2)
	}
}

func TestStream_stale_heartbeat_ends_stream(t *testing.T) {
	b, _ := newTestBroker(t)
	locks := &fakeLocks{active: true, stale: true}
	s := NewStreamer(b, locks, StreamOptions{Keepalive: time.Hour, StaleCheck: 10 * time.Millisecond}, b.log, nil)

	st, err := s.Open(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	done := make(chan Frame, 1)
	go func() {
		f, _ := st.Next(context.Background())
		done <- f
	}()

	select {
	case f := <-done:
		if f.Event.Status != StatusError || f.Event.Error != msgStale {
			t.Errorf("expected stale error frame, got %+v", f.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream blocked despite stale heartbeat")
	}
	if _, ok := st.Next(context.Background()); ok {
		t.Error("stream must end after stale frame")
	}
}

func TestStream_context_cancel(t *testing.T) {
	b, _ := newTestBroker(t)
	s := NewStreamer(b, &fakeLocks{active: true}, StreamOptions{Keepalive: time.Hour, StaleCheck: time.Hour}, b.log, nil)

	st, err := s.Open(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := st.Next(ctx); ok {
		t.Error("expected stream end on context done")
	}
}

func TestHandler_Stream_sse(t *testing.T) {
	b, mr := newTestBroker(t)
	locks := &fakeLocks{active: true}
	s := NewStreamer(b, locks, StreamOptions{Keepalive: time.Hour, StaleCheck: time.Hour}, b.log, nil)
	h := NewHandler(s, b.log)

	r := chi.NewRouter()
	r.Get("/api/projects/{id}/download/progress", h.Stream)

	go func() {
		if !waitSubscribers(mr, "p1", 1) {
			t.Error("subscriber never appeared")
			return
		}
		ctx := context.Background()
		b.Publish(ctx, "p1", Started())
		b.Publish(ctx, "p1", Finished())
		b.Publish(ctx, "p1", Complete(7, "Title"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1/download/progress", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache control = %q", cc)
	}
	want := ": connected\n\n" +
		"data: {\"status\":\"started\"}\n\n" +
		"data: {\"status\":\"finished\"}\n\n" +
		"data: {\"status\":\"complete\",\"duration\":7,\"title\":\"Title\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body =\n%q\nwant\n%q", rec.Body.String(), want)
	}
	if !waitSubscribers(mr, "p1", 0) {
		t.Error("subscription must be closed after stream ends")
	}
}

func TestHandler_Stream_no_active_job(t *testing.T) {
	b, _ := newTestBroker(t)
	s := NewStreamer(b, &fakeLocks{}, StreamOptions{}, b.log, nil)
	h := NewHandler(s, b.log)

	r := chi.NewRouter()
	r.Get("/api/projects/{id}/download/progress", h.Stream)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/p1/download/progress", nil))

	want := "data: {\"status\":\"error\",\"error\":\"No download in progress\"}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}
