// Package redisbus carries accepted changes between processes over Redis pub/sub, one channel per document.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/textsync/pkg/coordinator"
)

const channelPrefix = "textsync:doc:"

func Channel(documentID string) string {
	return channelPrefix + documentID
}

type Bus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func New(client redis.UniversalClient, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, logger: logger}
}

func (b *Bus) Publish(ctx context.Context, change coordinator.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(change.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

type Subscription struct {
	pubsub *redis.PubSub
	logger *slog.Logger
}

// Subscribe listens on every document channel. It returns once Redis has confirmed the subscription.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return &Subscription{pubsub: pubsub, logger: b.logger}, nil
}

// Relay forwards every received change into dst until ctx is done or the subscription is closed.
func (s *Subscription) Relay(ctx context.Context, dst coordinator.Broadcaster) error {
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change coordinator.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Warn("discarding undecodable change", "channel", msg.Channel, "err", err)
				continue
			}
			if id := strings.TrimPrefix(msg.Channel, channelPrefix); change.DocumentID != id {
				s.logger.Warn("discarding change for the wrong channel", "channel", msg.Channel, "document", change.DocumentID)
				continue
			}
			if err := dst.Publish(ctx, change); err != nil {
				s.logger.Error("failed to relay change", "document", change.DocumentID, "version", change.Version, "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
