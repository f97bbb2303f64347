package dialogue

import (
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
	"github.com/Vashi-123/englishv2-sub003/internal/matching"
	"github.com/Vashi-123/englishv2-sub003/internal/payload"
)

// State is a copy of everything the lesson screen renders.
type State struct {
	Key         domain.LessonKey
	Messages    []domain.Message
	CurrentStep domain.Step
	Mode        domain.InputMode
	PayloadType payload.Type

	Loading      bool
	Recording    bool
	Transcribing bool

	// Vocabulary holds the words revealed so far.
	Vocabulary       []domain.VocabWord
	VocabIndex       int
	VocabTotal       int
	VocabularyHidden bool

	Matching *matching.Snapshot
	Speaking *domain.AudioItem

	Completed  bool
	NoticeCode ErrorCode
	Notice     string
}

// VisibleWords is the number of revealed vocabulary words.
func (s State) VisibleWords() int {
	if s.VocabularyHidden {
		return 0
	}
	return len(s.Vocabulary)
}
