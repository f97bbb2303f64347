package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

// Synthesizer turns text into PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string, rate float64) (domain.Clip, error)
}

// Player renders PCM audio on an output device.
type Player interface {
	Play(ctx context.Context, clip domain.Clip) error
}

// SynthSpeaker speaks items by synthesizing them and playing the result.
type SynthSpeaker struct {
	synth  Synthesizer
	player Player
}

func NewSynthSpeaker(synth Synthesizer, player Player) (*SynthSpeaker, error) {
	if synth == nil {
		return nil, errors.New("audio: synthesizer must not be nil")
	}
	if player == nil {
		return nil, errors.New("audio: player must not be nil")
	}
	return &SynthSpeaker{synth: synth, player: player}, nil
}

func (s *SynthSpeaker) Speak(ctx context.Context, item domain.AudioItem, rate float64) error {
	clip, err := s.synth.Synthesize(ctx, item.Text, item.Lang, rate)
	if err != nil {
		return fmt.Errorf("audio: synthesize %q: %w", item.Text, err)
	}
	if clip.Empty() {
		return nil
	}
	if err := s.player.Play(ctx, clip); err != nil {
		return fmt.Errorf("audio: play %q: %w", item.Text, err)
	}
	return nil
}
