// Package classifier derives the input affordance and structured payload of
// the newest model message in a lesson dialogue.
package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
	"github.com/Vashi-123/englishv2-sub003/internal/payload"
)

const (
	MarkerAudioInput     = "<audio_input>"
	MarkerTextInput      = "<text_input>"
	MarkerLessonComplete = "<lesson_complete>"
)

// DefaultFreeTextKinds are step kinds that expect a typed answer when the
// model message itself carries no payload or marker.
var DefaultFreeTextKinds = []string{"constructor", "find_the_mistake", "situations"}

var messageKeyNamespace = uuid.MustParse("6f1c0f4e-4a4b-4b5e-9c59-5e8f0f4a7d21")

// AutoPlay is a queue that should play automatically, at most once per key.
type AutoPlay struct {
	Key   string
	Items []domain.AudioItem
}

// Result is the classification of a message history.
type Result struct {
	Mode       domain.InputMode
	Payload    payload.Payload
	MessageKey string
	AutoPlay   *AutoPlay
	Completed  bool
}

type Classifier struct {
	freeTextKinds map[string]struct{}
	logger        *slog.Logger
}

type Option func(*Classifier)

// WithFreeTextKinds replaces the step kinds that fall back to text input.
func WithFreeTextKinds(kinds ...string) Option {
	return func(c *Classifier) {
		c.freeTextKinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			k = strings.TrimSpace(k)
			if k != "" {
				c.freeTextKinds[k] = struct{}{}
			}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(opts ...Option) *Classifier {
	c := &Classifier{logger: slog.Default()}
	WithFreeTextKinds(DefaultFreeTextKinds...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify inspects history and returns the input mode for the newest
// message. It has no side effects; the same history always yields the
// same result.
func (c *Classifier) Classify(history []domain.Message) Result {
	res := Result{Mode: domain.InputHidden, Completed: ContainsCompletion(history)}
	if len(history) == 0 {
		return res
	}

	idx := len(history) - 1
	last := history[idx]
	if last.Role != domain.RoleModel || strings.TrimSpace(last.Text) == "" {
		return res
	}
	res.MessageKey = MessageKey(last, idx)

	if payload.LooksStructured(last.Text) {
		p, err := payload.Parse(last.Text)
		switch {
		case err == nil:
			res.Payload = p
		case errors.Is(err, payload.ErrUnknownType):
			c.logger.Debug("classifier: unknown payload type", "key", res.MessageKey, "err", err)
		default:
			c.logger.Debug("classifier: malformed payload, using text heuristics", "key", res.MessageKey, "err", err)
		}
	}

	if res.Payload != nil {
		if queue := payload.AutoPlayQueue(res.Payload); queue != nil {
			res.AutoPlay = &AutoPlay{Key: res.MessageKey, Items: queue}
		}
		switch res.Payload.Type() {
		case payload.TypeAudioExercise:
			res.Mode = domain.InputAudio
		case payload.TypeTextExercise:
			res.Mode = domain.InputText
		default:
			res.Mode = domain.InputHidden
		}
		return res
	}

	res.Mode = c.heuristicMode(history)
	return res
}

func (c *Classifier) heuristicMode(history []domain.Message) domain.InputMode {
	text := strings.ToLower(history[len(history)-1].Text)
	switch {
	case strings.Contains(text, MarkerAudioInput):
		return domain.InputAudio
	case strings.Contains(text, MarkerTextInput):
		return domain.InputText
	}
	if _, ok := c.freeTextKinds[LatestSnapshot(history).Kind()]; ok {
		return domain.InputText
	}
	return domain.InputHidden
}

// LatestSnapshot returns the step snapshot of the most recent model message
// that carries one.
func LatestSnapshot(history []domain.Message) domain.Step {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == domain.RoleModel && !m.StepSnapshot.IsZero() {
			return m.StepSnapshot
		}
	}
	return nil
}

// ContainsCompletion reports whether any message carries the lesson
// completion marker.
func ContainsCompletion(history []domain.Message) bool {
	for _, m := range history {
		if strings.Contains(strings.ToLower(m.Text), MarkerLessonComplete) {
			return true
		}
	}
	return false
}

// MessageKey is a stable identity for a message: the local key it was given
// before it had an id, its id, or a deterministic UUIDv5 over position, role
// and text when the backend has not assigned one.
func MessageKey(m domain.Message, index int) string {
	if m.Key != "" {
		return m.Key
	}
	if m.ID != "" {
		return m.ID
	}
	name := fmt.Sprintf("%d|%s|%s", index, m.Role, m.Text)
	return "local-" + uuid.NewSHA1(messageKeyNamespace, []byte(name)).String()
}

// StripMarkers removes input and completion markers from display text.
func StripMarkers(text string) string {
	out := text
	for _, marker := range []string{MarkerAudioInput, MarkerTextInput, MarkerLessonComplete} {
		out = replaceFold(out, marker)
	}
	return strings.TrimSpace(out)
}

func replaceFold(s, marker string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if i+len(marker) <= len(s) && strings.EqualFold(s[i:i+len(marker)], marker) {
			i += len(marker)
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
