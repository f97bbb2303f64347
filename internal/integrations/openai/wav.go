package openai

import (
	"fmt"
	"os"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

// clipStreamer exposes a mono clip as a beep stream, duplicating the
// channel.
func clipStreamer(clip domain.Clip) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos >= len(clip.Samples) {
			return 0, false
		}
		n := 0
		for n < len(samples) && pos < len(clip.Samples) {
			v := float64(clip.Samples[pos]) / 32768
			samples[n][0], samples[n][1] = v, v
			n++
			pos++
		}
		return n, true
	})
}

// writeTempWAV encodes the clip as 16-bit mono WAV in a temp file and
// returns its path. The caller removes the file.
func writeTempWAV(clip domain.Clip) (string, error) {
	f, err := os.CreateTemp("", "answer-*.wav")
	if err != nil {
		return "", fmt.Errorf("openai: create wav file: %w", err)
	}
	format := beep.Format{
		SampleRate:  beep.SampleRate(clip.SampleRate),
		NumChannels: 1,
		Precision:   2,
	}
	if err := wav.Encode(f, clipStreamer(clip), format); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("openai: encode wav: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("openai: close wav file: %w", err)
	}
	return f.Name(), nil
}
