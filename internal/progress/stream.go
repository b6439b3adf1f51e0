package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"media-snipper/internal/lock"
	"media-snipper/internal/platform/metrics"
)

const (
	DefaultKeepalive  = 10 * time.Second
	DefaultStaleCheck = time.Second

	msgNoActiveJob = "No download in progress"
	msgStale       = "Stale download detected"
)

// ErrNoActiveJob is returned by Open when no acquisition holds the project lock.
var ErrNoActiveJob = errors.New("no download in progress")

// LockProbe is the read-only view of the lock manager a stream needs.
type LockProbe interface {
	Active(ctx context.Context, projectID string) (bool, error)
	Stale(ctx context.Context, projectID string) (bool, error)
}

var _ LockProbe = (*lock.Manager)(nil)

// FrameKind distinguishes data frames from keepalive comments.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameKeepalive
)

// Frame is one unit written to a stream client.
type Frame struct {
	Kind  FrameKind
	Event Event
	At    time.Time
}

// Encode renders the frame in server-sent events wire format.
func (f Frame) Encode() ([]byte, error) {
	if f.Kind == FrameKeepalive {
		return []byte(": keepalive " + strconv.FormatInt(f.At.Unix(), 10) + "\n\n"), nil
	}
	b, err := json.Marshal(f.Event)
	if err != nil {
		return nil, err
	}
	return []byte("data: " + string(b) + "\n\n"), nil
}

// StreamOptions tunes stream timing. Zero values take the defaults.
type StreamOptions struct {
	Keepalive  time.Duration
	StaleCheck time.Duration
}

// Streamer opens progress streams for projects with an active acquisition.
type Streamer struct {
	broker  *Broker
	locks   LockProbe
	opts    StreamOptions
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewStreamer returns a Streamer. Metrics may be nil.
func NewStreamer(broker *Broker, locks LockProbe, opts StreamOptions, log *slog.Logger, m *metrics.Metrics) *Streamer {
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.StaleCheck <= 0 {
		opts.StaleCheck = DefaultStaleCheck
	}
	return &Streamer{broker: broker, locks: locks, opts: opts, log: log, metrics: m}
}

// Open subscribes to the project's channel. The subscription is made before
// the lock is checked so that a job ending in between is not missed.
func (s *Streamer) Open(ctx context.Context, projectID string) (*Stream, error) {
	sub, err := s.broker.Subscribe(ctx, projectID)
	if err != nil {
		return nil, err
	}

	active, err := s.locks.Active(ctx, projectID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if !active {
		sub.Close()
		return nil, ErrNoActiveJob
	}

	if s.metrics != nil {
		s.metrics.StreamOpened()
	}
	return &Stream{
		projectID: projectID,
		sub:       sub,
		locks:     s.locks,
		log:       s.log.With(slog.String("project_id", projectID)),
		metrics:   s.metrics,
		keepEvery: s.opts.Keepalive,
		keepalive: time.NewTimer(s.opts.Keepalive),
		staleTick: time.NewTicker(s.opts.StaleCheck),
		now:       time.Now,
	}, nil
}

// Stream is a single-use sequence of frames for one client.
type Stream struct {
	projectID string
	sub       *Subscription
	locks     LockProbe
	log       *slog.Logger
	metrics   *metrics.Metrics
	keepEvery time.Duration
	keepalive *time.Timer
	staleTick *time.Ticker
	now       func() time.Time

	// staleSeen is set after one stale observation; a second consecutive one
	// ends the stream. Events still in flight from a finished job win.
	staleSeen bool
	done      bool
	closeOnce sync.Once
}

// Next blocks until the next frame. It returns false once the stream has
// ended: after a terminal event, on staleness, or when ctx is done.
func (s *Stream) Next(ctx context.Context) (Frame, bool) {
	if s.done {
		return Frame{}, false
	}
	for {
		select {
		case <-ctx.Done():
			s.done = true
			return Frame{}, false

		case ev, ok := <-s.sub.Events():
			if !ok {
				s.done = true
				return Frame{}, false
			}
			s.keepalive.Reset(s.keepEvery)
			s.staleSeen = false
			if ev.Terminal() {
				s.done = true
			}
			return Frame{Kind: FrameEvent, Event: ev}, true

		case <-s.keepalive.C:
			s.keepalive.Reset(s.keepEvery)
			return Frame{Kind: FrameKeepalive, At: s.now()}, true

		case <-s.staleTick.C:
			stale, err := s.locks.Stale(ctx, s.projectID)
			if err != nil {
				s.log.Warn("stale check failed", slog.String("error", err.Error()))
				continue
			}
			if !stale {
				s.staleSeen = false
				continue
			}
			if !s.staleSeen {
				s.staleSeen = true
				continue
			}
			s.log.Info("stream ended on stale heartbeat")
			s.done = true
			return Frame{Kind: FrameEvent, Event: Failed(msgStale)}, true
		}
	}
}

// Close releases the subscription and timers. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.keepalive.Stop()
		s.staleTick.Stop()
		err = s.sub.Close()
		if s.metrics != nil {
			s.metrics.StreamClosed()
		}
	})
	return err
}
