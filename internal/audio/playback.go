package audio

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const framesPerBuffer = 1024

// Init initializes PortAudio. Pair every successful call with Shutdown.
func Init() error {
	slog.Info("audio: initializing PortAudio")
	return portaudio.Initialize()
}

func Shutdown() {
	if err := portaudio.Terminate(); err != nil {
		slog.Warn("audio: terminate PortAudio", "err", err)
	}
}

// Playback plays PCM clips on the default output device. Only one clip
// plays at a time.
type Playback struct {
	mu sync.Mutex
}

func NewPlayback() *Playback {
	return &Playback{}
}

// Play blocks until the clip finished or ctx is cancelled; cancellation is
// checked between buffers.
func (p *Playback) Play(ctx context.Context, clip domain.Clip) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buffer := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(clip.SampleRate), len(buffer), &buffer)
	if err != nil {
		return err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return err
	}
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
	}()

	for offset := 0; offset < len(clip.Samples); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buffer, clip.Samples[offset:])
		for i := n; i < len(buffer); i++ {
			buffer[i] = 0
		}
		offset += n
		if err := stream.Write(); err != nil {
			return err
		}
	}
	return nil
}
