package realtime

import (
	"context"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

// Unsubscribe releases a subscription. It is safe to call more than once.
type Unsubscribe func()

// Feed delivers row changes scoped to one lesson. Callbacks run on the
// feed's goroutine. A row already being delivered may still arrive while
// Unsubscribe runs; no new rows are delivered after it returns.
type Feed interface {
	SubscribeMessages(ctx context.Context, key domain.LessonKey, onRow func(MessageRow)) (Unsubscribe, error)
	SubscribeProgress(ctx context.Context, key domain.LessonKey, onRow func(ProgressRow)) (Unsubscribe, error)
}
