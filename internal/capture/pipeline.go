// Package capture records a learner's spoken answer and turns it into text.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const DefaultTranscriptionTimeout = 60 * time.Second

var (
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	ErrDeviceNotFound   = errors.New("capture: no microphone found")
	ErrCapture          = errors.New("capture: recording failed")
	ErrTimeout          = errors.New("capture: transcription timed out")
	ErrTranscription    = errors.New("capture: transcription failed")
	ErrNotRecognized    = errors.New("capture: speech not recognized")
	ErrAlreadyRecording = errors.New("capture: already recording")
	ErrNotRecording     = errors.New("capture: not recording")
)

// Recorder acquires the microphone and starts a recording.
type Recorder interface {
	Start() (Recording, error)
}

// Recording is one active capture. Both Stop and Cancel release the device.
type Recording interface {
	Stop() (domain.Clip, error)
	Cancel()
}

// Transcriber converts a clip to text. prompt is disambiguation context.
type Transcriber interface {
	Transcribe(ctx context.Context, clip domain.Clip, prompt string) (string, error)
}

type Pipeline struct {
	recorder    Recorder
	transcriber Transcriber
	timeout     time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active Recording
}

func NewPipeline(recorder Recorder, transcriber Transcriber, timeout time.Duration, logger *slog.Logger) (*Pipeline, error) {
	if recorder == nil {
		return nil, errors.New("capture: recorder must not be nil")
	}
	if transcriber == nil {
		return nil, errors.New("capture: transcriber must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTranscriptionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{recorder: recorder, transcriber: transcriber, timeout: timeout, logger: logger}, nil
}

// Start begins a recording session. A second Start while one is active
// returns ErrAlreadyRecording without touching the device.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return ErrAlreadyRecording
	}
	rec, err := p.recorder.Start()
	if err != nil {
		return classifyDeviceError(err)
	}
	p.active = rec
	return nil
}

// Recording reports whether a session is active.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// Cancel discards the active recording, if any.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	rec := p.active
	p.active = nil
	p.mu.Unlock()
	if rec != nil {
		rec.Cancel()
	}
}

// Stop ends the recording and transcribes it with contextText as a hint.
// A transcript with no words yields ErrNotRecognized.
func (p *Pipeline) Stop(ctx context.Context, contextText string) (string, error) {
	p.mu.Lock()
	rec := p.active
	p.active = nil
	p.mu.Unlock()
	if rec == nil {
		return "", ErrNotRecording
	}

	clip, err := rec.Stop()
	if err != nil {
		return "", classifyDeviceError(err)
	}
	if clip.Empty() {
		return "", ErrNotRecognized
	}

	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	text, err := p.transcriber.Transcribe(tctx, clip, strings.TrimSpace(contextText))
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
		}
		return "", fmt.Errorf("%w: %w", ErrTranscription, err)
	}

	text = strings.TrimSpace(text)
	if !Informative(text) {
		p.logger.Info("capture: empty transcript", "samples", len(clip.Samples))
		return "", ErrNotRecognized
	}
	return text, nil
}

// Informative reports whether a transcript contains at least one letter or
// digit.
func Informative(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func classifyDeviceError(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrCapture):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrCapture, err)
	}
}
