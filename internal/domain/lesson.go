package domain

import "fmt"

// LessonKey identifies one lesson conversation.
type LessonKey struct {
	Day    int    `json:"day"`
	Lesson int    `json:"lesson"`
	Lang   string `json:"lang"`
}

func (k LessonKey) String() string {
	return fmt.Sprintf("day=%d lesson=%d lang=%s", k.Day, k.Lesson, k.Lang)
}

// InputMode decides which input affordance the lesson screen shows.
type InputMode string

const (
	InputHidden InputMode = "hidden"
	InputText   InputMode = "text"
	InputAudio  InputMode = "audio"
)

// VocabWord is one entry of a words_list payload.
type VocabWord struct {
	Word               string `json:"word"`
	Translation        string `json:"translation,omitempty"`
	Context            string `json:"context"`
	ContextTranslation string `json:"context_translation,omitempty"`
}

// Script is the structured lesson script served by the history API.
type Script struct {
	Vocabulary     []VocabWord       `json:"vocabulary"`
	Constructor    []ConstructorTask `json:"constructor,omitempty"`
	FindTheMistake []MistakeTask     `json:"find_the_mistake,omitempty"`
}

type ConstructorTask struct {
	Instruction string   `json:"instruction"`
	Words       []string `json:"words"`
	Answer      string   `json:"answer"`
}

type MistakeTask struct {
	Sentence   string `json:"sentence"`
	Correction string `json:"correction"`
}
