package acquisition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestPool_runs_jobs(t *testing.T) {
	p := NewPool(2, 4, discardLogger())
	var n atomic.Int32
	for i := 0; i < 4; i++ {
		if err := p.Submit(func(context.Context) { n.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n.Load() != 4 {
		t.Errorf("ran %d jobs, want 4", n.Load())
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_full_queue_rejects(t *testing.T) {
	p := NewPool(1, 1, discardLogger())
	started := make(chan struct{})
	release := make(chan struct{})

	if err := p.Submit(func(context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := p.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("queued Submit: %v", err)
	}
	if p.Queued() != 1 {
		t.Errorf("Queued = %d, want 1", p.Queued())
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolFull) {
		t.Errorf("expected ErrPoolFull, got %v", err)
	}

	close(release)
	p.Shutdown(context.Background())
}

func TestPool_recovers_panics(t *testing.T) {
	p := NewPool(1, 2, discardLogger())
	var ran atomic.Bool
	p.Submit(func(context.Context) { panic("boom") })
	p.Submit(func(context.Context) { ran.Store(true) })
	p.Shutdown(context.Background())
	if !ran.Load() {
		t.Error("worker must survive a panicking job")
	}
}

func TestPool_Shutdown_timeout_cancels_jobs(t *testing.T) {
	p := NewPool(1, 1, discardLogger())
	started := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
