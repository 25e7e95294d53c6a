package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// RedisBus fans events out across instances with Redis Pub/Sub. Events are
// JSON encoded on the wire.
type RedisBus struct {
	client *redis.Client
	buffer int
	logger zerolog.Logger
}

// NewRedisBus creates a bus on client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		buffer: DefaultBuffer,
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

// Publish sends event to channel. Subscribers that are not connected at
// this moment never see it.
func (b *RedisBus) Publish(ctx context.Context, channel string, event models.MessageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues("redis").Inc()
		return fmt.Errorf("fanout: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription and waits until Redis confirms it,
// so events published after Subscribe returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("fanout: subscribe %s: %w", channel, err)
	}

	s := &redisSub{
		ps:   ps,
		ch:   make(chan models.MessageEvent, b.buffer),
		done: make(chan struct{}),
	}
	metrics.LiveSubscribers.Inc()
	go s.run(ctx, ps.Channel(), b.logger.With().Str("channel", channel).Logger())
	return s, nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBus) Close() error { return nil }

type redisSub struct {
	ps   *redis.PubSub
	ch   chan models.MessageEvent
	done chan struct{}
	once sync.Once
}

func (s *redisSub) Events() <-chan models.MessageEvent { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) run(ctx context.Context, in <-chan *redis.Message, logger zerolog.Logger) {
	defer func() {
		close(s.ch)
		metrics.LiveSubscribers.Dec()
	}()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var event models.MessageEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			select {
			case s.ch <- event:
			default:
				metrics.EventsDropped.WithLabelValues("redis").Inc()
			}
		}
	}
}
