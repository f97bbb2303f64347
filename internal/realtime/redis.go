package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

// RedisFeed relays row changes published on Redis channels. A backend
// trigger or worker publishes the same JSON rows the websocket feed carries.
type RedisFeed struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewRedisFeed(rdb redis.UniversalClient, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{rdb: rdb, logger: logger}
}

func MessagesChannel(key domain.LessonKey) string {
	return fmt.Sprintf("lesson:%d:%d:messages", key.Day, key.Lesson)
}

func ProgressChannel(key domain.LessonKey) string {
	return fmt.Sprintf("lesson:%d:%d:progress", key.Day, key.Lesson)
}

func (f *RedisFeed) SubscribeMessages(ctx context.Context, key domain.LessonKey, onRow func(MessageRow)) (Unsubscribe, error) {
	return f.subscribe(ctx, MessagesChannel(key), func(payload string) {
		if row, ok := decodeMessageRow([]byte(payload), key); ok {
			onRow(row)
		}
	})
}

func (f *RedisFeed) SubscribeProgress(ctx context.Context, key domain.LessonKey, onRow func(ProgressRow)) (Unsubscribe, error) {
	return f.subscribe(ctx, ProgressChannel(key), func(payload string) {
		if row, ok := decodeProgressRow([]byte(payload), key); ok {
			onRow(row)
		}
	})
}

// PublishMessage publishes a message row for subscribers of its lesson.
func (f *RedisFeed) PublishMessage(ctx context.Context, key domain.LessonKey, row MessageRow) error {
	return f.publish(ctx, MessagesChannel(key), row)
}

// PublishProgress publishes a progress row for subscribers of its lesson.
func (f *RedisFeed) PublishProgress(ctx context.Context, key domain.LessonKey, row ProgressRow) error {
	return f.publish(ctx, ProgressChannel(key), row)
}

func (f *RedisFeed) publish(ctx context.Context, channel string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("realtime: marshal row: %w", err)
	}
	if err := f.rdb.Publish(ctx, channel, string(data)).Err(); err != nil {
		return fmt.Errorf("realtime: publish %s: %w", channel, err)
	}
	return nil
}

func (f *RedisFeed) subscribe(ctx context.Context, channel string, deliver func(string)) (Unsubscribe, error) {
	pubsub := f.rdb.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so rows published right after
	// this call returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: subscribe %s: %w", channel, err)
	}

	var stopped atomic.Bool
	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			if stopped.Load() {
				continue
			}
			deliver(msg.Payload)
		}
	}()

	logger := f.logger.With("channel", channel)
	logger.Info("realtime: subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			if err := pubsub.Close(); err != nil {
				logger.Warn("realtime: unsubscribe failed", "err", err)
			}
			logger.Info("realtime: unsubscribed")
		})
	}, nil
}
