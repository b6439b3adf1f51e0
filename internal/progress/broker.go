package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel carrying events for a project.
func Channel(projectID string) string { return "download:progress:" + projectID }

// Broker publishes and subscribes to per-project progress channels.
// Delivery is best effort; nothing is retained for late subscribers.
type Broker struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

// NewBroker returns a Broker over rdb.
func NewBroker(rdb redis.UniversalClient, log *slog.Logger) *Broker {
	return &Broker{rdb: rdb, log: log}
}

// Publish sends ev to every current subscriber of the project's channel.
func (b *Broker) Publish(ctx context.Context, projectID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(projectID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so any event
// published after it returns is delivered.
func (b *Broker) Subscribe(ctx context.Context, projectID string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, Channel(projectID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &Subscription{
		ps:     ps,
		events: make(chan Event),
		done:   make(chan struct{}),
		log:    b.log.With(slog.String("project_id", projectID)),
	}
	go sub.pump(ps.Channel())
	return sub, nil
}

// Subscription delivers decoded events for one project until closed.
type Subscription struct {
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) pump(msgs <-chan *redis.Message) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("dropping undecodable progress message", slog.String("error", err.Error()))
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
