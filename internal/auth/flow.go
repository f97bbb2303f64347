// Package auth waits for a sign-in completed outside the process, such as
// an OAuth consent page opened in the system browser.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 30 * time.Second
)

var (
	ErrTimeout    = errors.New("auth: sign-in took too long")
	ErrInProgress = errors.New("auth: sign-in already in progress")
)

// SessionProber reports whether a signed-in session exists.
type SessionProber interface {
	SessionActive(ctx context.Context) (bool, error)
}

// Flow owns the "sign-in in progress" flag. The flag is held for exactly the
// duration of one Await call and released on every exit path.
type Flow struct {
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	inProgress bool
}

type Option func(*Flow)

func WithInterval(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func NewFlow(opts ...Option) *Flow {
	f := &Flow{interval: DefaultInterval, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// InProgress reports whether an Await call currently holds the flag.
func (f *Flow) InProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inProgress
}

func (f *Flow) acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inProgress {
		return false
	}
	f.inProgress = true
	return true
}

func (f *Flow) release() {
	f.mu.Lock()
	f.inProgress = false
	f.mu.Unlock()
}

// Await runs launch (which may be nil), then polls probe until a session
// appears, ctx is cancelled, or the timeout elapses. Probe errors are
// treated as "not yet" and polling continues.
func (f *Flow) Await(ctx context.Context, launch func() error, probe SessionProber) error {
	if probe == nil {
		return errors.New("auth: prober must not be nil")
	}
	if !f.acquire() {
		return ErrInProgress
	}
	defer f.release()

	if launch != nil {
		if err := launch(); err != nil {
			return fmt.Errorf("auth: launch sign-in: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		ok, err := probe.SessionActive(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			f.logger.Debug("auth: session probe failed", "attempt", attempt, "err", err)
		case ok:
			f.logger.Info("auth: session established", "attempts", attempt)
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrTimeout, f.timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
