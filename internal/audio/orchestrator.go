// Package audio sequences text-to-speech playback for the lesson screen.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const (
	defaultSettleDelay = 150 * time.Millisecond
	defaultItemGap     = 400 * time.Millisecond
	defaultRate        = 1.0
)

// Speaker renders one item audibly and returns when it has finished.
// It must return promptly with ctx.Err() once ctx is cancelled.
type Speaker interface {
	Speak(ctx context.Context, item domain.AudioItem, rate float64) error
}

// Trigger says who asked for playback.
type Trigger int

const (
	// TriggerAuto is automatic playback; it never interrupts.
	TriggerAuto Trigger = iota
	// TriggerUser is an explicit user action; it replaces what is playing.
	TriggerUser
)

type Config struct {
	SettleDelay time.Duration
	ItemGap     time.Duration
	// Rates maps a language code to a speech rate; missing languages use 1.0.
	Rates map[string]float64
}

// DefaultConfig speaks English slightly slower for learners.
func DefaultConfig() Config {
	return Config{
		SettleDelay: defaultSettleDelay,
		ItemGap:     defaultItemGap,
		Rates:       map[string]float64{"en": 0.9},
	}
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator plays at most one queue at a time.
type Orchestrator struct {
	speaker  Speaker
	cfg      Config
	logger   *slog.Logger
	onChange func()

	mu      sync.Mutex
	running *run
	current *domain.AudioItem
	played  map[string]struct{}
}

func NewOrchestrator(speaker Speaker, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if speaker == nil {
		return nil, errors.New("audio: speaker must not be nil")
	}
	if cfg.SettleDelay < 0 || cfg.ItemGap < 0 {
		return nil, errors.New("audio: delays must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		speaker: speaker,
		cfg:     cfg,
		logger:  logger,
		played:  make(map[string]struct{}),
	}, nil
}

// OnChange registers a callback invoked whenever the speaking pointer or the
// in-flight flag changes. It is called without internal locks held.
func (o *Orchestrator) OnChange(fn func()) {
	o.mu.Lock()
	o.onChange = fn
	o.mu.Unlock()
}

// Play starts items. An automatic request is dropped while a queue is
// playing or when dedupeKey already played to completion. A user request
// cancels the in-flight queue and starts after a short settle delay.
// It reports whether the queue was accepted.
func (o *Orchestrator) Play(items []domain.AudioItem, trigger Trigger, dedupeKey string) bool {
	if len(items) == 0 {
		return false
	}
	queue := append([]domain.AudioItem(nil), items...)

	o.mu.Lock()
	if trigger == TriggerAuto {
		if dedupeKey != "" {
			if _, ok := o.played[dedupeKey]; ok {
				o.mu.Unlock()
				return false
			}
		}
		if o.running != nil {
			o.mu.Unlock()
			return false
		}
	}

	prev := o.running
	if prev != nil {
		prev.cancel()
		o.current = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.running = r
	o.mu.Unlock()

	o.notify()
	go o.loop(ctx, r, prev, queue, dedupeKey)
	return true
}

func (o *Orchestrator) loop(ctx context.Context, r *run, prev *run, items []domain.AudioItem, key string) {
	defer close(r.done)
	defer r.cancel()

	if prev != nil {
		<-prev.done
		if !sleep(ctx, o.cfg.SettleDelay) {
			o.finish(r, false, key)
			return
		}
	}

	for i, item := range items {
		if ctx.Err() != nil {
			o.finish(r, false, key)
			return
		}
		o.setCurrent(r, item)
		if err := o.speaker.Speak(ctx, item, o.rate(item.Lang)); err != nil && !isCancellation(ctx, err) {
			o.logger.Warn("audio: speak failed", "text", item.Text, "lang", item.Lang, "err", err)
		}
		if i < len(items)-1 && !sleep(ctx, o.cfg.ItemGap) {
			o.finish(r, false, key)
			return
		}
	}
	o.finish(r, ctx.Err() == nil, key)
}

func (o *Orchestrator) setCurrent(r *run, item domain.AudioItem) {
	o.mu.Lock()
	if o.running != r {
		o.mu.Unlock()
		return
	}
	o.current = &item
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) finish(r *run, completed bool, key string) {
	o.mu.Lock()
	if completed && key != "" {
		o.played[key] = struct{}{}
	}
	owned := o.running == r
	if owned {
		o.running = nil
		o.current = nil
	}
	o.mu.Unlock()
	if owned {
		o.notify()
	}
}

// Stop cancels the in-flight queue, if any, and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	r := o.running
	if r != nil {
		r.cancel()
	}
	o.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Reset stops playback and forgets which dedupe keys have played.
func (o *Orchestrator) Reset() {
	o.Stop()
	o.mu.Lock()
	o.played = make(map[string]struct{})
	o.mu.Unlock()
}

// Current returns the item being spoken.
func (o *Orchestrator) Current() (domain.AudioItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return domain.AudioItem{}, false
	}
	return *o.current, true
}

func (o *Orchestrator) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running != nil
}

// Played reports whether key has played to completion in this session.
func (o *Orchestrator) Played(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.played[key]
	return ok
}

func (o *Orchestrator) rate(lang string) float64 {
	if r, ok := o.cfg.Rates[lang]; ok && r > 0 {
		return r
	}
	return defaultRate
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	fn := o.onChange
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
