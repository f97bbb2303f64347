// Package dialogue runs one lesson conversation: it drives turns against
// the remote step generator and keeps the transcript, vocabulary, matching
// board, speech capture and playback consistent with each other.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Vashi-123/englishv2-sub003/internal/audio"
	"github.com/Vashi-123/englishv2-sub003/internal/classifier"
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
	"github.com/Vashi-123/englishv2-sub003/internal/matching"
	"github.com/Vashi-123/englishv2-sub003/internal/payload"
	"github.com/Vashi-123/englishv2-sub003/internal/realtime"
)

// Deps are the collaborators of a Session. Turns, History and Progress are
// required; everything else is optional.
type Deps struct {
	Turns      TurnAPI
	History    HistoryAPI
	Progress   ProgressWriter
	Cache      HistoryCache
	Feed       realtime.Feed
	Player     Player
	Capture    SpeechCapture
	Classifier *classifier.Classifier
	Rand       *rand.Rand
}

// Session owns all transient state of one lesson screen. Every exported
// method is safe for concurrent use; network calls and playback happen
// without the state lock held.
type Session struct {
	key        domain.LessonKey
	turns      TurnAPI
	history    HistoryAPI
	progress   ProgressWriter
	cache      HistoryCache
	feed       realtime.Feed
	player     Player
	capture    SpeechCapture
	classifier *classifier.Classifier
	rng        *rand.Rand
	cfg        Config
	logger     *slog.Logger

	guard CompletionGuard
	bg    sync.WaitGroup

	cacheMu      sync.Mutex
	cacheWritten uint64

	mu           sync.Mutex
	gen          uint64
	closed       bool
	messages     []domain.Message
	step         domain.Step
	result       classifier.Result
	loading      bool
	transcribing bool
	goalKey      string
	vocabKey     string
	vocab        []domain.VocabWord
	vocabIndex   int
	vocabHidden  bool
	vocabDone    bool
	game         *matching.Game
	notice       *Error
	timers       []*time.Timer
	unsubs       []realtime.Unsubscribe
	cacheSeq     uint64
	onChange     func(State)
}

func NewSession(key domain.LessonKey, deps Deps, cfg Config, logger *slog.Logger) (*Session, error) {
	if key.Day < 1 || key.Lesson < 1 {
		return nil, fmt.Errorf("dialogue: invalid lesson %s", key)
	}
	if strings.TrimSpace(key.Lang) == "" {
		return nil, errors.New("dialogue: lesson language must not be empty")
	}
	if deps.Turns == nil {
		return nil, errors.New("dialogue: turn api must not be nil")
	}
	if deps.History == nil {
		return nil, errors.New("dialogue: history api must not be nil")
	}
	if deps.Progress == nil {
		return nil, errors.New("dialogue: progress writer must not be nil")
	}
	if cfg.GoalRevealDelay < 0 || cfg.MatchCompleteDelay < 0 || cfg.RecheckDelay < 0 {
		return nil, errors.New("dialogue: delays must not be negative")
	}
	defaults := DefaultConfig()
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaults.LoadTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaults.TurnTimeout
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = defaults.CacheTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("lesson", key.String())

	c := deps.Classifier
	if c == nil {
		c = classifier.New(classifier.WithLogger(logger))
	}

	s := &Session{
		key:        key,
		turns:      deps.Turns,
		history:    deps.History,
		progress:   deps.Progress,
		cache:      deps.Cache,
		feed:       deps.Feed,
		player:     deps.Player,
		capture:    deps.Capture,
		classifier: c,
		rng:        deps.Rand,
		cfg:        cfg,
		logger:     logger,
	}
	if s.player != nil {
		s.player.OnChange(s.notify)
	}
	return s, nil
}

func (s *Session) Key() domain.LessonKey { return s.key }

// OnChange registers fn to receive a fresh State after every change.
func (s *Session) OnChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Start loads the lesson. Existing history is restored and the current step
// is taken from the newest model snapshot. An empty lesson is re-checked
// once after RecheckDelay before a new remote session is started.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(ErrorInternal, "session closed", nil)
	}
	if s.loading {
		s.mu.Unlock()
		return newError(ErrorBusy, "lesson is loading", nil)
	}
	s.loading = true
	s.notice = nil
	gen := s.gen
	s.mu.Unlock()
	s.notify()

	msgs, step, lerr := s.load(ctx)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	if lerr != nil {
		s.notice = lerr
		s.mu.Unlock()
		s.logger.Error("dialogue: load lesson failed", "code", lerr.Code, "err", lerr.Err)
		s.notify()
		return lerr
	}
	s.messages = msgs
	s.step = step
	fx := s.reclassifyLocked()
	s.mu.Unlock()

	s.logger.Info("dialogue: lesson loaded", "messages", len(msgs), "step", step.Kind())
	s.apply(gen, fx)
	s.notify()
	s.subscribe(ctx, gen)
	s.saveCache(gen)
	return nil
}

func (s *Session) load(ctx context.Context) ([]domain.Message, domain.Step, *Error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()

	msgs, err := s.history.LoadMessages(ctx, s.key)
	if err != nil {
		return s.loadFromCache(err)
	}
	if len(msgs) > 0 {
		return msgs, classifier.LatestSnapshot(msgs).Clone(), nil
	}

	// The first message may be written concurrently by a backend process.
	if !sleepCtx(ctx, s.cfg.RecheckDelay) {
		return nil, nil, remoteError("loading the lesson", ctx.Err())
	}
	msgs, err = s.history.LoadMessages(ctx, s.key)
	if err != nil {
		return s.loadFromCache(err)
	}
	if len(msgs) > 0 {
		return msgs, classifier.LatestSnapshot(msgs).Clone(), nil
	}

	start, err := s.turns.StartSession(ctx, s.key)
	if err != nil {
		return nil, nil, remoteError("starting the lesson", err)
	}
	msgs, err = s.history.LoadMessages(ctx, s.key)
	if err != nil {
		s.logger.Warn("dialogue: history refresh after start failed", "err", err)
		msgs = nil
	}
	if len(msgs) == 0 && start.FirstMessage != nil {
		first := *start.FirstMessage
		if first.Role == "" {
			first.Role = domain.RoleModel
		}
		if first.StepSnapshot.IsZero() {
			first.StepSnapshot = start.NextStep.Clone()
		}
		msgs = []domain.Message{first}
	}
	step := start.NextStep.Clone()
	if step.IsZero() {
		step = classifier.LatestSnapshot(msgs).Clone()
	}
	return msgs, step, nil
}

func (s *Session) loadFromCache(cause error) ([]domain.Message, domain.Step, *Error) {
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CacheTimeout)
		defer cancel()
		cached, step, err := s.cache.Load(ctx, s.key)
		switch {
		case err != nil:
			s.logger.Warn("dialogue: offline copy unavailable", "err", err)
		case len(cached) > 0:
			s.logger.Warn("dialogue: history unavailable, resuming from offline copy", "messages", len(cached), "err", cause)
			if step.IsZero() {
				step = classifier.LatestSnapshot(cached).Clone()
			}
			return cached, step, nil
		}
	}
	return nil, nil, remoteError("loading the lesson", cause)
}

// SendTurn submits one turn. A nil input advances the script without an
// answer. While a turn is in flight further calls fail with ErrorBusy. On
// failure nothing is appended and the current step is kept.
func (s *Session) SendTurn(ctx context.Context, input *string) error {
	var text string
	if input != nil {
		text = strings.TrimSpace(*input)
		if text == "" {
			return newError(ErrorInvalidInput, "Type an answer first.", nil)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(ErrorInternal, "session closed", nil)
	}
	if s.loading {
		s.mu.Unlock()
		return newError(ErrorBusy, "turn in flight", nil)
	}
	s.loading = true
	s.notice = nil
	gen := s.gen
	step := s.step.Clone()
	base := len(s.messages)
	s.mu.Unlock()
	s.notify()

	var in *string
	if input != nil {
		in = &text
	}
	reply, err := s.turns.SendTurn(ctx, s.key, in, step)
	if err != nil {
		e := remoteError("sending the answer", err)
		s.logger.Error("dialogue: turn failed", "code", e.Code, "status", statusCode(err), "err", err)
		s.mu.Lock()
		if s.gen == gen {
			s.loading = false
			s.notice = e
		}
		s.mu.Unlock()
		s.notify()
		return e
	}

	incoming := snapshotOntoLastModel(reply.Messages, reply.NextStep)
	refetched := len(incoming) == 0
	if refetched {
		fetched, ferr := s.history.LoadMessages(ctx, s.key)
		if ferr != nil {
			s.logger.Warn("dialogue: history refresh after turn failed, waiting for realtime", "err", ferr)
		}
		incoming = fetched
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.loading = false
	history := s.messages
	if input != nil && !answeredSince(history, base, text) {
		history = append(slices.Clone(history), domain.Message{Role: domain.RoleUser, Text: text})
	}
	for _, m := range incoming {
		row := realtime.RowFromMessage(m)
		if refetched {
			history, _ = realtime.Merge(history, row)
		} else {
			history, _ = realtime.MergeSince(history, row, base)
		}
	}
	s.messages = history
	s.step = reply.NextStep.Clone()
	fx := s.reclassifyLocked()
	s.mu.Unlock()

	s.logger.Info("dialogue: turn completed", "answered", input != nil, "step", reply.NextStep.Kind())
	s.apply(gen, fx)
	s.notify()
	s.saveCache(gen)
	return nil
}

// answeredSince reports whether the feed already delivered the answer while
// the turn was in flight.
func answeredSince(history []domain.Message, base int, text string) bool {
	for i := min(base, len(history)); i < len(history); i++ {
		if history[i].Role == domain.RoleUser && strings.TrimSpace(history[i].Text) == text {
			return true
		}
	}
	return false
}

func snapshotOntoLastModel(msgs []domain.Message, next domain.Step) []domain.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := slices.Clone(msgs)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == domain.RoleModel {
			if out[i].StepSnapshot.IsZero() {
				out[i].StepSnapshot = next.Clone()
			}
			break
		}
	}
	return out
}

// Restart clears every piece of local state, resets the remote session and
// loads the lesson again. The completion guard survives a restart.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(ErrorInternal, "session closed", nil)
	}
	s.gen++
	timers, unsubs := s.timers, s.unsubs
	s.timers, s.unsubs = nil, nil
	s.messages = nil
	s.step = nil
	s.result = classifier.Result{}
	s.loading = false
	s.transcribing = false
	s.goalKey, s.vocabKey = "", ""
	s.vocab = nil
	s.vocabIndex = 0
	s.vocabHidden, s.vocabDone = false, false
	s.game = nil
	s.notice = nil
	seq := s.cacheSeq
	s.mu.Unlock()

	release(timers, unsubs)
	if s.player != nil {
		s.player.Reset()
	}
	if s.capture != nil {
		s.capture.Cancel()
	}
	s.notify()

	if err := s.turns.ResetSession(ctx, s.key); err != nil {
		e := remoteError("restarting the lesson", err)
		s.logger.Error("dialogue: reset failed", "err", err)
		s.setNotice(e)
		return e
	}
	s.clearCache(seq)
	s.logger.Info("dialogue: lesson restarted")
	return s.Start(ctx)
}

// Close releases subscriptions, timers, playback and the microphone.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	timers, unsubs := s.timers, s.unsubs
	s.timers, s.unsubs = nil, nil
	s.mu.Unlock()

	release(timers, unsubs)
	if s.player != nil {
		s.player.Stop()
	}
	if s.capture != nil {
		s.capture.Cancel()
	}
	s.bg.Wait()
	s.logger.Info("dialogue: session closed")
}

func release(timers []*time.Timer, unsubs []realtime.Unsubscribe) {
	for _, t := range timers {
		t.Stop()
	}
	for _, u := range unsubs {
		u()
	}
}

// effects are side effects decided under the lock and run after it.
type effects struct {
	autoPlay   *classifier.AutoPlay
	vocabPlay  *classifier.AutoPlay
	revealGoal string
	complete   bool
}

func (s *Session) reclassifyLocked() effects {
	s.messages = withLocalKeys(s.messages)
	res := s.classifier.Classify(s.messages)
	s.result = res

	var fx effects
	switch p := res.Payload.(type) {
	case payload.Goal:
		if s.goalKey != res.MessageKey {
			s.goalKey = res.MessageKey
			s.vocabHidden = true
			fx.revealGoal = res.MessageKey
		}
	case payload.WordsList:
		if s.vocabKey != res.MessageKey {
			s.vocabKey = res.MessageKey
			s.vocab = slices.Clone(p.Words)
			s.vocabIndex = 0
			s.vocabHidden = false
			s.vocabDone = false
			s.game = nil
			if len(s.vocab) > 0 {
				fx.vocabPlay = &classifier.AutoPlay{Key: vocabPlayKey(s.vocabKey, 0), Items: vocabQueue(s.vocab[0])}
			}
		}
	}
	fx.autoPlay = res.AutoPlay
	fx.complete = res.Completed
	return fx
}

// withLocalKeys pins the key of every entry that has no backend id yet, so
// the entry keeps its identity once the feed fills the id in.
func withLocalKeys(history []domain.Message) []domain.Message {
	var out []domain.Message
	for i, m := range history {
		if m.ID != "" || m.Key != "" {
			continue
		}
		if out == nil {
			out = slices.Clone(history)
		}
		out[i].Key = classifier.MessageKey(m, i)
	}
	if out == nil {
		return history
	}
	return out
}

func (s *Session) apply(gen uint64, fx effects) {
	if s.player != nil {
		if fx.autoPlay != nil {
			s.player.Play(fx.autoPlay.Items, audio.TriggerAuto, fx.autoPlay.Key)
		}
		if fx.vocabPlay != nil {
			s.player.Play(fx.vocabPlay.Items, audio.TriggerAuto, fx.vocabPlay.Key)
		}
	}
	if key := fx.revealGoal; key != "" {
		s.after(gen, s.cfg.GoalRevealDelay, func() {
			s.mu.Lock()
			changed := s.gen == gen && s.goalKey == key && s.vocabHidden
			if changed {
				s.vocabHidden = false
			}
			s.mu.Unlock()
			if changed {
				s.notify()
			}
		})
	}
	if fx.complete {
		s.markCompleted("marker")
	}
}

// after runs fn once d has elapsed unless the session was restarted or
// closed in the meantime.
func (s *Session) after(gen uint64, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.closed {
		return
	}
	s.timers = append(s.timers, time.AfterFunc(d, func() {
		s.mu.Lock()
		live := s.gen == gen && !s.closed
		s.mu.Unlock()
		if live {
			fn()
		}
	}))
}

// markCompleted performs the completion side effect at most once per
// session, whichever signal arrives first.
func (s *Session) markCompleted(source string) {
	if !s.guard.Enter() {
		return
	}
	s.logger.Info("dialogue: lesson completed", "source", source)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TurnTimeout)
		defer cancel()
		if err := s.progress.MarkLessonCompleted(ctx, s.key); err != nil {
			s.logger.Warn("dialogue: record completion failed", "status", statusCode(err), "err", err)
		}
	}()
}

func (s *Session) subscribe(ctx context.Context, gen uint64) {
	if s.feed == nil {
		return
	}
	var unsubs []realtime.Unsubscribe
	unsub, err := s.feed.SubscribeMessages(ctx, s.key, func(row realtime.MessageRow) {
		s.onMessageRow(gen, row)
	})
	if err != nil {
		s.logger.Warn("dialogue: message feed unavailable", "err", err)
	} else {
		unsubs = append(unsubs, unsub)
	}
	unsub, err = s.feed.SubscribeProgress(ctx, s.key, func(row realtime.ProgressRow) {
		s.onProgressRow(gen, row)
	})
	if err != nil {
		s.logger.Warn("dialogue: progress feed unavailable", "err", err)
	} else {
		unsubs = append(unsubs, unsub)
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		release(nil, unsubs)
		return
	}
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

func (s *Session) onMessageRow(gen uint64, row realtime.MessageRow) {
	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	merged, changed := realtime.Merge(s.messages, row)
	if !changed {
		s.mu.Unlock()
		return
	}
	s.messages = merged
	fx := s.reclassifyLocked()
	s.mu.Unlock()

	s.apply(gen, fx)
	s.notify()
	s.saveCache(gen)
}

func (s *Session) onProgressRow(gen uint64, row realtime.ProgressRow) {
	if !row.Completed {
		return
	}
	s.mu.Lock()
	live := s.gen == gen && !s.closed
	s.mu.Unlock()
	if !live {
		return
	}
	s.markCompleted("progress")
	s.notify()
}

// StartRecording stops playback and opens the microphone.
func (s *Session) StartRecording() error {
	if s.capture == nil {
		return newError(ErrorDeviceNotFound, "speech capture not configured", nil)
	}
	s.mu.Lock()
	busy := s.loading || s.transcribing
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return newError(ErrorInternal, "session closed", nil)
	}
	if busy {
		return newError(ErrorBusy, "turn in flight", nil)
	}

	if s.player != nil {
		s.player.Stop()
	}
	if err := s.capture.Start(); err != nil {
		e := captureError(err)
		s.logger.Warn("dialogue: recording not started", "code", e.Code, "err", err)
		s.setNotice(e)
		return e
	}
	s.setNotice(nil)
	return nil
}

// StopRecording transcribes the recording, using the newest model message
// as context, and submits the transcript as a turn. An empty transcript is
// reported as ErrorNotRecognized and no turn is sent.
func (s *Session) StopRecording(ctx context.Context) error {
	if s.capture == nil {
		return newError(ErrorDeviceNotFound, "speech capture not configured", nil)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError(ErrorInternal, "session closed", nil)
	}
	s.transcribing = true
	gen := s.gen
	prompt := transcriptionContext(s.messages, s.result)
	s.mu.Unlock()
	s.notify()

	text, err := s.capture.Stop(ctx, prompt)

	s.mu.Lock()
	stale := s.gen != gen
	if !stale {
		s.transcribing = false
	}
	s.mu.Unlock()
	if stale {
		return nil
	}
	if err != nil {
		e := captureError(err)
		if e.Code == ErrorNotRecognized {
			s.logger.Info("dialogue: answer not recognized")
		} else {
			s.logger.Warn("dialogue: transcription failed", "code", e.Code, "err", err)
		}
		s.setNotice(e)
		return e
	}
	s.notify()
	return s.SendTurn(ctx, &text)
}

// CancelRecording discards the recording without transcribing it.
func (s *Session) CancelRecording() {
	if s.capture == nil {
		return
	}
	s.capture.Cancel()
	s.notify()
}

func transcriptionContext(history []domain.Message, res classifier.Result) string {
	switch p := res.Payload.(type) {
	case payload.AudioExercise:
		if strings.TrimSpace(p.Content) != "" {
			return p.Content
		}
	case payload.TextExercise:
		if strings.TrimSpace(p.Content) != "" {
			return p.Content
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleModel {
			return classifier.StripMarkers(history[i].Text)
		}
	}
	return ""
}

// RevealNextWord moves the vocabulary cursor forward and plays the new word.
// Past the last word it opens the matching board.
func (s *Session) RevealNextWord(ctx context.Context) error {
	s.mu.Lock()
	if len(s.vocab) == 0 {
		s.mu.Unlock()
		return newError(ErrorInvalidInput, "There are no words to reveal.", nil)
	}
	if s.game != nil || s.vocabDone {
		s.mu.Unlock()
		return nil
	}

	if s.vocabIndex < len(s.vocab)-1 {
		s.vocabIndex++
		items := vocabQueue(s.vocab[s.vocabIndex])
		key := vocabPlayKey(s.vocabKey, s.vocabIndex)
		s.mu.Unlock()
		if s.player != nil {
			s.player.Play(items, audio.TriggerUser, key)
		}
		s.notify()
		return nil
	}

	game, err := matching.New(s.vocab, s.rng)
	if err != nil {
		s.vocabDone = true
		s.mu.Unlock()
		s.logger.Info("dialogue: no translated words, skipping matching", "err", err)
		s.notify()
		return s.SendTurn(ctx, nil)
	}
	s.game = game
	pairs := len(s.vocab)
	s.mu.Unlock()

	if s.player != nil {
		s.player.Stop()
	}
	s.logger.Info("dialogue: matching started", "words", pairs)
	s.notify()
	return nil
}

// ReplayWord plays a revealed word again, interrupting current playback.
func (s *Session) ReplayWord(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.vocab) || index > s.vocabIndex {
		s.mu.Unlock()
		return newError(ErrorInvalidInput, "That word is not revealed yet.", nil)
	}
	items := vocabQueue(s.vocab[index])
	s.mu.Unlock()

	if s.player != nil {
		s.player.Play(items, audio.TriggerUser, "")
	}
	return nil
}

// Pick selects a tile on the matching board. Completing the board closes
// it after MatchCompleteDelay and continues the script with an empty turn.
func (s *Session) Pick(side matching.Side, id string) error {
	s.mu.Lock()
	game := s.game
	gen := s.gen
	s.mu.Unlock()
	if game == nil {
		return newError(ErrorInvalidInput, "No matching game is running.", nil)
	}

	out, err := game.Pick(side, id)
	switch {
	case errors.Is(err, matching.ErrAlreadyDone):
		return nil
	case err != nil:
		return newError(ErrorInvalidInput, "Unknown option.", err)
	}
	s.notify()

	if out == matching.Completed {
		s.logger.Info("dialogue: matching complete")
		s.after(gen, s.cfg.MatchCompleteDelay, func() {
			s.finishMatching(gen, game)
		})
	}
	return nil
}

func (s *Session) finishMatching(gen uint64, game *matching.Game) {
	s.mu.Lock()
	if s.gen != gen || s.closed || s.game != game {
		s.mu.Unlock()
		return
	}
	s.game = nil
	s.vocabDone = true
	s.mu.Unlock()
	s.notify()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TurnTimeout)
	defer cancel()
	if err := s.SendTurn(ctx, nil); err != nil {
		s.logger.Warn("dialogue: continue after matching failed", "err", err)
	}
}

// Script fetches the structured lesson script, for previews outside the
// dialogue.
func (s *Session) Script(ctx context.Context) (domain.Script, error) {
	script, err := s.history.LoadScript(ctx, s.key)
	if err != nil {
		return domain.Script{}, remoteError("loading the lesson script", err)
	}
	return script, nil
}

// State returns a copy of the current screen state.
func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		Key:              s.key,
		Messages:         slices.Clone(s.messages),
		CurrentStep:      s.step.Clone(),
		Mode:             s.result.Mode,
		Loading:          s.loading,
		Transcribing:     s.transcribing,
		VocabIndex:       s.vocabIndex,
		VocabTotal:       len(s.vocab),
		VocabularyHidden: s.vocabHidden,
	}
	if st.Mode == "" {
		st.Mode = domain.InputHidden
	}
	if s.result.Payload != nil {
		st.PayloadType = s.result.Payload.Type()
	}
	if len(s.vocab) > 0 {
		st.Vocabulary = slices.Clone(s.vocab[:s.vocabIndex+1])
	}
	if s.game != nil {
		snap := s.game.Snapshot()
		st.Matching = &snap
	}
	if s.notice != nil {
		st.NoticeCode = s.notice.Code
		st.Notice = s.notice.Notice()
	}
	s.mu.Unlock()

	st.Completed = s.guard.Completed()
	if s.capture != nil {
		st.Recording = s.capture.Recording()
	}
	if s.player != nil {
		if item, ok := s.player.Current(); ok {
			st.Speaking = &item
		}
	}
	return st
}

func (s *Session) setNotice(e *Error) {
	s.mu.Lock()
	s.notice = e
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(s.State())
	}
}

func (s *Session) saveCache(gen uint64) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	if s.gen != gen || s.closed || len(s.messages) == 0 {
		s.mu.Unlock()
		return
	}
	s.cacheSeq++
	seq := s.cacheSeq
	msgs := slices.Clone(s.messages)
	step := s.step.Clone()
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		if seq <= s.cacheWritten {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CacheTimeout)
		defer cancel()
		if err := s.cache.Save(ctx, s.key, msgs, step); err != nil {
			s.logger.Warn("dialogue: save offline copy failed", "err", err)
			return
		}
		s.cacheWritten = seq
	}()
}

// clearCache drops the offline copy and every save queued up to seq.
func (s *Session) clearCache(seq uint64) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if seq > s.cacheWritten {
		s.cacheWritten = seq
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CacheTimeout)
	defer cancel()
	if err := s.cache.Clear(ctx, s.key); err != nil {
		s.logger.Warn("dialogue: clear offline copy failed", "err", err)
	}
}

func vocabQueue(w domain.VocabWord) []domain.AudioItem {
	items := []domain.AudioItem{{Text: w.Word, Lang: "en", Kind: domain.AudioWord}}
	if strings.TrimSpace(w.Context) != "" {
		items = append(items, domain.AudioItem{Text: w.Context, Lang: "en", Kind: domain.AudioExample})
	}
	return items
}

func vocabPlayKey(messageKey string, index int) string {
	return fmt.Sprintf("%s:vocab:%d", messageKey, index)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
