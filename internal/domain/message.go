package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Role identifies the author of a dialogue message.
type Role string

const (
	RoleModel Role = "model"
	RoleUser  Role = "user"
)

// Message is a single dialogue entry as rendered by the lesson screen.
// Order is the backend message_order (1-based); zero means unknown.
// Key is the local identity given to an entry before the backend assigned
// it an id; it survives the id being filled in later.
type Message struct {
	ID           string `json:"id,omitempty"`
	Role         Role   `json:"role"`
	Text         string `json:"text"`
	Translation  string `json:"translation,omitempty"`
	Order        int    `json:"message_order,omitempty"`
	StepSnapshot Step   `json:"current_step_snapshot,omitempty"`
	Key          string `json:"-"`
}

// Step is the opaque descriptor returned by the remote step generator.
// A zero Step means the script has ended.
type Step json.RawMessage

func (s Step) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(s).MarshalJSON()
}

func (s *Step) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}
	*s = append((*s)[:0], data...)
	return nil
}

// IsZero reports whether the step is absent or JSON null.
func (s Step) IsZero() bool {
	trimmed := bytes.TrimSpace(s)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Kind returns the declared "type" of the step, or "" when it has none.
func (s Step) Kind() string {
	if s.IsZero() {
		return ""
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(s, &head); err != nil {
		return ""
	}
	return head.Type
}

// Equal compares two steps structurally, ignoring formatting differences.
func (s Step) Equal(other Step) bool {
	if s.IsZero() || other.IsZero() {
		return s.IsZero() == other.IsZero()
	}
	var a, b any
	if err := json.Unmarshal(s, &a); err != nil {
		return bytes.Equal(s, other)
	}
	if err := json.Unmarshal(other, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Clone returns a copy that does not share the underlying buffer.
func (s Step) Clone() Step {
	if s == nil {
		return nil
	}
	return append(Step(nil), s...)
}
