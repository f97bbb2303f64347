package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

func TestRedisChannels(t *testing.T) {
	key := domain.LessonKey{Day: 4, Lesson: 2, Lang: "ru"}
	require.Equal(t, "lesson:4:2:messages", MessagesChannel(key))
	require.Equal(t, "lesson:4:2:progress", ProgressChannel(key))
}

func newRedisFeed(t *testing.T) (*RedisFeed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisFeed(rdb, nil), mr
}

func TestRedisFeed_DeliversUntilUnsubscribed(t *testing.T) {
	feed, mr := newRedisFeed(t)
	ctx := context.Background()
	key := domain.LessonKey{Day: 4, Lesson: 2, Lang: "ru"}

	rows := make(chan MessageRow, 4)
	unsubscribe, err := feed.SubscribeMessages(ctx, key, func(r MessageRow) { rows <- r })
	require.NoError(t, err)

	other := MessageRow{ID: "x", Day: 4, Lesson: 2, Lang: "de", Role: modelRole(), Text: ptr("skip")}
	require.NoError(t, feed.PublishMessage(ctx, key, other))
	row := MessageRow{ID: "m1", Day: 4, Lesson: 2, Lang: "ru", Role: modelRole(), Text: ptr("hello"), Order: ptr(1)}
	require.NoError(t, feed.PublishMessage(ctx, key, row))

	select {
	case got := <-rows:
		require.Equal(t, "m1", got.ID)
		require.Equal(t, "hello", *got.Text)
		require.Equal(t, 1, *got.Order)
	case <-time.After(2 * time.Second):
		t.Fatal("row not delivered")
	}

	unsubscribe()
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("lesson:*")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	unsubscribe()

	require.NoError(t, feed.PublishMessage(ctx, key, MessageRow{ID: "m2", Day: 4, Lesson: 2, Role: modelRole(), Text: ptr("late")}))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rows)
}

func TestRedisFeed_ProgressRows(t *testing.T) {
	feed, _ := newRedisFeed(t)
	ctx := context.Background()
	key := domain.LessonKey{Day: 1, Lesson: 3, Lang: "ru"}

	rows := make(chan ProgressRow, 2)
	unsubscribe, err := feed.SubscribeProgress(ctx, key, func(r ProgressRow) { rows <- r })
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, feed.PublishProgress(ctx, key, ProgressRow{Day: 1, Lesson: 3, Completed: true}))

	select {
	case got := <-rows:
		require.True(t, got.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("progress row not delivered")
	}
}

func TestRedisFeed_SubscribeFailsWhenServerIsDown(t *testing.T) {
	feed, mr := newRedisFeed(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := feed.SubscribeMessages(ctx, domain.LessonKey{Day: 1, Lesson: 1}, func(MessageRow) {})
	require.Error(t, err)
}
