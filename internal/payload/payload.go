// Package payload parses the structured JSON payloads that model messages
// embed in their text field.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

type Type string

const (
	TypeGoal          Type = "goal"
	TypeWordsList     Type = "words_list"
	TypeAudioExercise Type = "audio_exercise"
	TypeTextExercise  Type = "text_exercise"
	TypeSection       Type = "section"
	TypeWord          Type = "word"
)

var (
	// ErrNotStructured is returned when the text is not a JSON object at all.
	ErrNotStructured = errors.New("payload: text is not a structured payload")
	// ErrUnknownType is returned for well-formed JSON with an unrecognized type tag.
	ErrUnknownType = errors.New("payload: unknown payload type")
)

// ParseError wraps a JSON decoding failure of an embedded payload.
type ParseError struct {
	Type Type
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("payload: decode: %v", e.Err)
	}
	return fmt.Sprintf("payload: decode %s: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Payload is the closed set of structured message variants.
type Payload interface {
	Type() Type
	autoPlay() (bool, []domain.AudioItem)
}

// Base holds the fields every variant may carry.
type Base struct {
	AutoPlay   bool               `json:"autoPlay,omitempty"`
	AudioQueue []domain.AudioItem `json:"audioQueue,omitempty"`
}

func (b Base) autoPlay() (bool, []domain.AudioItem) { return b.AutoPlay, b.AudioQueue }

type Goal struct {
	Base
	Goal string `json:"goal"`
}

type WordsList struct {
	Base
	Words []domain.VocabWord `json:"words"`
}

type AudioExercise struct {
	Base
	Content string `json:"content"`
}

type TextExercise struct {
	Base
	Content string `json:"content"`
}

type Section struct {
	Base
	Title   string `json:"title"`
	Content string `json:"content"`
}

type Word struct {
	Base
	domain.VocabWord
}

func (Goal) Type() Type          { return TypeGoal }
func (WordsList) Type() Type     { return TypeWordsList }
func (AudioExercise) Type() Type { return TypeAudioExercise }
func (TextExercise) Type() Type  { return TypeTextExercise }
func (Section) Type() Type       { return TypeSection }
func (Word) Type() Type          { return TypeWord }

// LooksStructured reports whether Parse would attempt JSON decoding.
func LooksStructured(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "{")
}

// Parse decodes an embedded payload. It never panics; every failure is
// reported as an error so callers can fall back to plain-text handling.
func Parse(text string) (Payload, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrNotStructured
	}
	raw := []byte(trimmed)

	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &ParseError{Err: err}
	}

	switch head.Type {
	case TypeGoal:
		return decode[Goal](head.Type, raw)
	case TypeWordsList:
		return decode[WordsList](head.Type, raw)
	case TypeAudioExercise:
		return decode[AudioExercise](head.Type, raw)
	case TypeTextExercise:
		return decode[TextExercise](head.Type, raw)
	case TypeSection:
		return decode[Section](head.Type, raw)
	case TypeWord:
		return decode[Word](head.Type, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

func decode[T Payload](t Type, raw []byte) (Payload, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&out); err != nil {
		return nil, &ParseError{Type: t, Err: err}
	}
	return out, nil
}

// AutoPlayQueue returns the queue a payload asks to play automatically, or
// nil when the payload does not request autoplay.
func AutoPlayQueue(p Payload) []domain.AudioItem {
	if p == nil {
		return nil
	}
	on, queue := p.autoPlay()
	if !on || len(queue) == 0 {
		return nil
	}
	out := make([]domain.AudioItem, len(queue))
	copy(out, queue)
	return out
}
