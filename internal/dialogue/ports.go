package dialogue

import (
	"context"

	"github.com/Vashi-123/englishv2-sub003/internal/audio"
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

// TurnAPI is the remote step generator.
type TurnAPI interface {
	StartSession(ctx context.Context, key domain.LessonKey) (domain.SessionStart, error)
	SendTurn(ctx context.Context, key domain.LessonKey, input *string, current domain.Step) (domain.TurnReply, error)
	ResetSession(ctx context.Context, key domain.LessonKey) error
}

// HistoryAPI reads persisted lesson data.
type HistoryAPI interface {
	LoadMessages(ctx context.Context, key domain.LessonKey) ([]domain.Message, error)
	LoadScript(ctx context.Context, key domain.LessonKey) (domain.Script, error)
}

type ProgressWriter interface {
	MarkLessonCompleted(ctx context.Context, key domain.LessonKey) error
}

// HistoryCache keeps an offline copy of the transcript.
type HistoryCache interface {
	Save(ctx context.Context, key domain.LessonKey, messages []domain.Message, step domain.Step) error
	Load(ctx context.Context, key domain.LessonKey) ([]domain.Message, domain.Step, error)
	Clear(ctx context.Context, key domain.LessonKey) error
}

// Player is the audio orchestrator as seen by the session.
type Player interface {
	Play(items []domain.AudioItem, trigger audio.Trigger, dedupeKey string) bool
	Stop()
	Reset()
	Current() (domain.AudioItem, bool)
	Playing() bool
	OnChange(fn func())
}

// SpeechCapture is the recording and transcription pipeline.
type SpeechCapture interface {
	Start() error
	Stop(ctx context.Context, contextText string) (string, error)
	Cancel()
	Recording() bool
}
