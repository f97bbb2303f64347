// Package realtime merges backend change-feed rows into local lesson history.
package realtime

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

// MessageRow is one chat_messages change. Nil fields were omitted by the
// backend and never overwrite local values.
type MessageRow struct {
	ID           string       `json:"id"`
	Day          int          `json:"day"`
	Lesson       int          `json:"lesson"`
	Lang         string       `json:"lang,omitempty"`
	Role         *domain.Role `json:"role"`
	Text         *string      `json:"text"`
	Translation  *string      `json:"translation"`
	Order        *int         `json:"message_order"`
	StepSnapshot domain.Step  `json:"current_step_snapshot"`
}

// ProgressRow is one lesson_progress change.
type ProgressRow struct {
	Day       int    `json:"day"`
	Lesson    int    `json:"lesson"`
	Lang      string `json:"lang,omitempty"`
	Completed bool   `json:"completed"`
}

// Matches reports whether the row belongs to the given lesson. Rows without
// a language are accepted for every language.
func (r MessageRow) Matches(key domain.LessonKey) bool {
	return r.Day == key.Day && r.Lesson == key.Lesson && (r.Lang == "" || r.Lang == key.Lang)
}

func (r ProgressRow) Matches(key domain.LessonKey) bool {
	return r.Day == key.Day && r.Lesson == key.Lesson && (r.Lang == "" || r.Lang == key.Lang)
}

// RowFromMessage describes a locally known message as a full row, so
// fetched history can be folded in with the same rules as feed rows.
func RowFromMessage(m domain.Message) MessageRow {
	row := MessageRow{
		ID:           m.ID,
		Role:         &m.Role,
		Text:         &m.Text,
		StepSnapshot: m.StepSnapshot.Clone(),
	}
	if m.Translation != "" {
		row.Translation = &m.Translation
	}
	if m.Order > 0 {
		row.Order = &m.Order
	}
	return row
}

// Message converts the row into a history entry.
func (r MessageRow) Message() domain.Message {
	return r.apply(domain.Message{ID: r.ID})
}

func (r MessageRow) apply(m domain.Message) domain.Message {
	if r.ID != "" {
		m.ID = r.ID
	}
	if r.Role != nil {
		m.Role = *r.Role
	}
	if r.Text != nil {
		m.Text = *r.Text
	}
	if r.Translation != nil {
		m.Translation = *r.Translation
	}
	if r.Order != nil {
		m.Order = *r.Order
	}
	if !r.StepSnapshot.IsZero() {
		m.StepSnapshot = r.StepSnapshot.Clone()
	}
	return m
}

// Merge folds row into history and reports whether anything changed. The
// input slice is never modified and existing entries keep their position.
//
// A row whose id is already present updates that entry. Otherwise an entry
// without an id (an optimistic local append) with the same role and either
// the same order or, when an order is unknown, the same text is adopted.
// Entries that already carry an id are never adopted, so a repeated line
// from the model is a second message. Anything else is appended when it has
// a role and text.
func Merge(history []domain.Message, row MessageRow) ([]domain.Message, bool) {
	return merge(history, row, func(i int) bool { return history[i].ID == "" })
}

// MergeSince is Merge for rows produced by a request that started when
// history had from entries. Only entries appended since then are adopted,
// whether or not they already carry an id.
func MergeSince(history []domain.Message, row MessageRow, from int) ([]domain.Message, bool) {
	return merge(history, row, func(i int) bool { return i >= from })
}

func merge(history []domain.Message, row MessageRow, candidate func(int) bool) ([]domain.Message, bool) {
	if row.ID != "" {
		for i := range history {
			if history[i].ID == row.ID {
				return replaceAt(history, i, row)
			}
		}
	}

	incoming := row.Message()
	if incoming.Role == "" || strings.TrimSpace(incoming.Text) == "" {
		return history, false
	}

	if i := duplicateIndex(history, incoming, candidate); i >= 0 {
		return replaceAt(history, i, row)
	}

	out := make([]domain.Message, len(history), len(history)+1)
	copy(out, history)
	return append(out, incoming), true
}

func replaceAt(history []domain.Message, i int, row MessageRow) ([]domain.Message, bool) {
	merged := row.apply(history[i])
	if Same(merged, history[i]) {
		return history, false
	}
	out := slices.Clone(history)
	out[i] = merged
	return out, true
}

func duplicateIndex(history []domain.Message, incoming domain.Message, candidate func(int) bool) int {
	for i, m := range history {
		if !candidate(i) || (m.ID != "" && incoming.ID != "") {
			continue
		}
		if m.Role != incoming.Role {
			continue
		}
		if m.Order > 0 && incoming.Order > 0 {
			if m.Order == incoming.Order {
				return i
			}
			continue
		}
		if strings.TrimSpace(m.Text) == strings.TrimSpace(incoming.Text) {
			return i
		}
	}
	return -1
}

// Same compares the rendered fields of two messages, including a deep
// comparison of the step snapshot.
func Same(a, b domain.Message) bool {
	return a.ID == b.ID &&
		a.Role == b.Role &&
		a.Text == b.Text &&
		a.Translation == b.Translation &&
		a.Order == b.Order &&
		a.StepSnapshot.Equal(b.StepSnapshot)
}

func decodeMessageRow(data []byte, key domain.LessonKey) (MessageRow, bool) {
	var row MessageRow
	if err := json.Unmarshal(data, &row); err != nil {
		return MessageRow{}, false
	}
	return row, row.Matches(key)
}

func decodeProgressRow(data []byte, key domain.LessonKey) (ProgressRow, bool) {
	var row ProgressRow
	if err := json.Unmarshal(data, &row); err != nil {
		return ProgressRow{}, false
	}
	return row, row.Matches(key)
}
