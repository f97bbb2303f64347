package dialogue

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Vashi-123/englishv2-sub003/internal/audio"
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
	"github.com/Vashi-123/englishv2-sub003/internal/realtime"
)

type fakeTurns struct {
	mu       sync.Mutex
	start    domain.SessionStart
	startErr error
	starts   int
	resets   int
	resetErr error
	inputs   []*string
	steps    []domain.Step
	reply    func(input *string) (domain.TurnReply, error)
	block    chan struct{}
	entered  chan struct{}
}

func (f *fakeTurns) StartSession(_ context.Context, _ domain.LessonKey) (domain.SessionStart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.start, f.startErr
}

func (f *fakeTurns) SendTurn(ctx context.Context, _ domain.LessonKey, input *string, current domain.Step) (domain.TurnReply, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.steps = append(f.steps, current)
	reply, block, entered := f.reply, f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.TurnReply{}, ctx.Err()
		}
	}
	if reply == nil {
		return domain.TurnReply{}, nil
	}
	return reply(input)
}

func (f *fakeTurns) ResetSession(_ context.Context, _ domain.LessonKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeTurns) sent() []*string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.inputs)
}

func (f *fakeTurns) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// fakeHistory answers the n-th load with pages[n], repeating the last page.
type fakeHistory struct {
	mu     sync.Mutex
	pages  [][]domain.Message
	err    error
	hang   bool
	calls  int
	script domain.Script
}

func (f *fakeHistory) LoadScript(_ context.Context, _ domain.LessonKey) (domain.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.script, f.err
}

func (f *fakeHistory) LoadMessages(ctx context.Context, _ domain.LessonKey) ([]domain.Message, error) {
	f.mu.Lock()
	f.calls++
	hang, err := f.hang, f.err
	var page []domain.Message
	if len(f.pages) > 0 {
		page = slices.Clone(f.pages[min(f.calls-1, len(f.pages)-1)])
	}
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (f *fakeHistory) set(msgs ...domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = [][]domain.Message{msgs}
	f.calls = 0
}

type fakeProgress struct {
	calls atomic.Int32
	err   error
}

func (f *fakeProgress) MarkLessonCompleted(_ context.Context, _ domain.LessonKey) error {
	f.calls.Add(1)
	return f.err
}

type playCall struct {
	items   []domain.AudioItem
	trigger audio.Trigger
	key     string
}

type fakePlayer struct {
	mu       sync.Mutex
	plays    []playCall
	stops    int
	resets   int
	onChange func()
}

func (f *fakePlayer) Play(items []domain.AudioItem, trigger audio.Trigger, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, playCall{items: slices.Clone(items), trigger: trigger, key: key})
	return true
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakePlayer) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakePlayer) Current() (domain.AudioItem, bool) { return domain.AudioItem{}, false }
func (f *fakePlayer) Playing() bool                     { return false }

func (f *fakePlayer) OnChange(fn func()) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

func (f *fakePlayer) calls() []playCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.plays)
}

type fakeCapture struct {
	mu        sync.Mutex
	startErr  error
	text      string
	stopErr   error
	prompts   []string
	recording bool
	cancels   int
}

func (f *fakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.recording = true
	return nil
}

func (f *fakeCapture) Stop(_ context.Context, contextText string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = false
	f.prompts = append(f.prompts, contextText)
	return f.text, f.stopErr
}

func (f *fakeCapture) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = false
	f.cancels++
}

func (f *fakeCapture) Recording() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording
}

type fakeFeed struct {
	mu         sync.Mutex
	onMessage  func(realtime.MessageRow)
	onProgress func(realtime.ProgressRow)
	unsubs     int
}

func (f *fakeFeed) SubscribeMessages(_ context.Context, _ domain.LessonKey, fn func(realtime.MessageRow)) (realtime.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.onMessage = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) SubscribeProgress(_ context.Context, _ domain.LessonKey, fn func(realtime.ProgressRow)) (realtime.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onProgress = fn
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.onProgress = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) emitMessage(row realtime.MessageRow) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(row)
	}
}

func (f *fakeFeed) emitProgress(row realtime.ProgressRow) {
	f.mu.Lock()
	fn := f.onProgress
	f.mu.Unlock()
	if fn != nil {
		fn(row)
	}
}

func (f *fakeFeed) unsubscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs
}

type fakeCache struct {
	mu      sync.Mutex
	msgs    []domain.Message
	step    domain.Step
	loadErr error
	saves   int
	clears  int
}

func (f *fakeCache) Save(_ context.Context, _ domain.LessonKey, msgs []domain.Message, step domain.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = slices.Clone(msgs)
	f.step = step.Clone()
	f.saves++
	return nil
}

func (f *fakeCache) Load(_ context.Context, _ domain.LessonKey) ([]domain.Message, domain.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, nil, f.loadErr
	}
	return slices.Clone(f.msgs), f.step.Clone(), nil
}

func (f *fakeCache) Clear(_ context.Context, _ domain.LessonKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs, f.step = nil, nil
	f.clears++
	return nil
}

func (f *fakeCache) saved() ([]domain.Message, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.msgs), f.saves
}

type fixture struct {
	turns    *fakeTurns
	history  *fakeHistory
	progress *fakeProgress
	player   *fakePlayer
	capture  *fakeCapture
	feed     *fakeFeed
	cache    *fakeCache
}

func newFixture() *fixture {
	return &fixture{
		turns:    &fakeTurns{},
		history:  &fakeHistory{},
		progress: &fakeProgress{},
		player:   &fakePlayer{},
		capture:  &fakeCapture{},
		feed:     &fakeFeed{},
		cache:    &fakeCache{},
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Turns:    f.turns,
		History:  f.history,
		Progress: f.progress,
		Cache:    f.cache,
		Feed:     f.feed,
		Player:   f.player,
		Capture:  f.capture,
	}
}

func testKey() domain.LessonKey {
	return domain.LessonKey{Day: 3, Lesson: 1, Lang: "ru"}
}

func testConfig() Config {
	return Config{
		GoalRevealDelay:    20 * time.Millisecond,
		MatchCompleteDelay: 10 * time.Millisecond,
		RecheckDelay:       time.Millisecond,
		LoadTimeout:        time.Second,
		TurnTimeout:        time.Second,
		CacheTimeout:       time.Second,
	}
}

func (f *fixture) session(t *testing.T, tweak ...func(*Config)) *Session {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	s, err := NewSession(testKey(), f.deps(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func model(id string, order int, text, step string) domain.Message {
	m := domain.Message{ID: id, Role: domain.RoleModel, Text: text, Order: order}
	if step != "" {
		m.StepSnapshot = domain.Step(step)
	}
	return m
}

func user(id string, order int, text string) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleUser, Text: text, Order: order}
}

func ptr[T any](v T) *T { return &v }

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var de *Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, code, de.Code)
}
