package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

type fakeSpeaker struct {
	mu        sync.Mutex
	spoken    []string
	rates     []float64
	active    atomic.Int32
	maxActive atomic.Int32
	hold      time.Duration
	failOn    string
	block     chan struct{}
}

func (f *fakeSpeaker) Speak(ctx context.Context, item domain.AudioItem, rate float64) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.spoken = append(f.spoken, item.Text)
	f.rates = append(f.rates, rate)
	f.mu.Unlock()

	if item.Text == f.failOn {
		return errors.New("synthesis-failed")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-time.After(f.hold):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSpeaker) Spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func items(texts ...string) []domain.AudioItem {
	out := make([]domain.AudioItem, 0, len(texts))
	for _, t := range texts {
		out = append(out, domain.AudioItem{Text: t, Lang: "en", Kind: domain.AudioWord})
	}
	return out
}

func testConfig() Config {
	return Config{SettleDelay: 5 * time.Millisecond, ItemGap: time.Millisecond, Rates: map[string]float64{"en": 0.9}}
}

func newTestOrchestrator(t *testing.T, sp Speaker) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(sp, testConfig(), nil)
	require.NoError(t, err)
	return o
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return !o.Playing() }, 2*time.Second, 2*time.Millisecond)
}

func TestNewOrchestrator_Validates(t *testing.T) {
	_, err := NewOrchestrator(nil, testConfig(), nil)
	require.Error(t, err)
	_, err = NewOrchestrator(&fakeSpeaker{}, Config{SettleDelay: -1}, nil)
	require.Error(t, err)
}

func TestPlay_InOrderWithRate(t *testing.T) {
	sp := &fakeSpeaker{}
	o := newTestOrchestrator(t, sp)

	require.True(t, o.Play(items("one", "two", "three"), TriggerAuto, "k"))
	waitIdle(t, o)

	require.Equal(t, []string{"one", "two", "three"}, sp.Spoken())
	require.Equal(t, []float64{0.9, 0.9, 0.9}, sp.rates)
	_, speaking := o.Current()
	require.False(t, speaking)
	require.True(t, o.Played("k"))
}

func TestPlay_AutoDedupe(t *testing.T) {
	sp := &fakeSpeaker{}
	o := newTestOrchestrator(t, sp)

	require.True(t, o.Play(items("hi"), TriggerAuto, "msg-1"))
	waitIdle(t, o)
	require.False(t, o.Play(items("hi"), TriggerAuto, "msg-1"))
	require.True(t, o.Play(items("hi"), TriggerUser, "msg-1"))
	waitIdle(t, o)
	require.Equal(t, []string{"hi", "hi"}, sp.Spoken())
}

func TestPlay_AutoIsNoOpWhilePlaying(t *testing.T) {
	sp := &fakeSpeaker{block: make(chan struct{})}
	o := newTestOrchestrator(t, sp)

	require.True(t, o.Play(items("first"), TriggerAuto, "a"))
	require.Eventually(t, func() bool { return len(sp.Spoken()) == 1 }, time.Second, time.Millisecond)
	require.False(t, o.Play(items("second"), TriggerAuto, "b"))

	close(sp.block)
	waitIdle(t, o)
	require.Equal(t, []string{"first"}, sp.Spoken())
	require.False(t, o.Played("b"))
}

func TestPlay_UserCancelsAndRestarts_SingleFlight(t *testing.T) {
	sp := &fakeSpeaker{hold: 20 * time.Millisecond}
	o := newTestOrchestrator(t, sp)

	require.True(t, o.Play(items("a1", "a2", "a3", "a4"), TriggerAuto, "auto"))
	require.Eventually(t, func() bool { return len(sp.Spoken()) >= 1 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		require.True(t, o.Play(items("u1", "u2"), TriggerUser, ""))
	}
	waitIdle(t, o)

	require.Equal(t, int32(1), sp.maxActive.Load())
	spoken := sp.Spoken()
	require.Equal(t, []string{"u1", "u2"}, spoken[len(spoken)-2:])
	require.NotContains(t, spoken, "a4")
	require.False(t, o.Played("auto"))
}

func TestPlay_ErrorContinuesQueue(t *testing.T) {
	sp := &fakeSpeaker{failOn: "bad"}
	o := newTestOrchestrator(t, sp)

	require.True(t, o.Play(items("ok", "bad", "after"), TriggerUser, "k"))
	waitIdle(t, o)
	require.Equal(t, []string{"ok", "bad", "after"}, sp.Spoken())
	require.True(t, o.Played("k"))
}

func TestCurrent_TracksSpeakingItem(t *testing.T) {
	sp := &fakeSpeaker{block: make(chan struct{})}
	o := newTestOrchestrator(t, sp)

	var changes atomic.Int32
	o.OnChange(func() { changes.Add(1) })

	require.True(t, o.Play(items("hello"), TriggerUser, ""))
	require.Eventually(t, func() bool {
		cur, ok := o.Current()
		return ok && cur.Text == "hello"
	}, time.Second, time.Millisecond)

	o.Stop()
	require.False(t, o.Playing())
	_, ok := o.Current()
	require.False(t, ok)
	require.GreaterOrEqual(t, changes.Load(), int32(2))
}

func TestReset_ForgetsPlayedKeys(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSpeaker{})
	require.True(t, o.Play(items("x"), TriggerAuto, "k"))
	waitIdle(t, o)
	require.True(t, o.Played("k"))

	o.Reset()
	require.False(t, o.Played("k"))
	require.True(t, o.Play(items("x"), TriggerAuto, "k"))
	waitIdle(t, o)
}

func TestPlay_EmptyQueue(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSpeaker{})
	require.False(t, o.Play(nil, TriggerUser, ""))
}

type fakeSynth struct {
	clip domain.Clip
	err  error
}

func (f *fakeSynth) Synthesize(_ context.Context, _, _ string, _ float64) (domain.Clip, error) {
	return f.clip, f.err
}

type fakePlayer struct {
	played []domain.Clip
	err    error
}

func (f *fakePlayer) Play(_ context.Context, clip domain.Clip) error {
	f.played = append(f.played, clip)
	return f.err
}

func TestSynthSpeaker(t *testing.T) {
	_, err := NewSynthSpeaker(nil, &fakePlayer{})
	require.Error(t, err)
	_, err = NewSynthSpeaker(&fakeSynth{}, nil)
	require.Error(t, err)

	player := &fakePlayer{}
	sp, err := NewSynthSpeaker(&fakeSynth{clip: domain.Clip{Samples: []int16{1, 2}, SampleRate: 24000}}, player)
	require.NoError(t, err)
	require.NoError(t, sp.Speak(context.Background(), domain.AudioItem{Text: "hi"}, 1))
	require.Len(t, player.played, 1)

	sp, err = NewSynthSpeaker(&fakeSynth{err: errors.New("quota")}, player)
	require.NoError(t, err)
	err = sp.Speak(context.Background(), domain.AudioItem{Text: "hi"}, 1)
	require.ErrorContains(t, err, "synthesize")

	sp, err = NewSynthSpeaker(&fakeSynth{}, player)
	require.NoError(t, err)
	require.NoError(t, sp.Speak(context.Background(), domain.AudioItem{Text: "hi"}, 1))
	require.Len(t, player.played, 1)
}
