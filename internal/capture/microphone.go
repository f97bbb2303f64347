package capture

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const (
	DefaultSampleRate = 16000
	framesPerBuffer   = 1024
)

// Microphone records mono 16-bit PCM from the default input device.
// PortAudio must be initialized by the caller.
type Microphone struct {
	SampleRate int
}

func NewMicrophone(sampleRate int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Microphone{SampleRate: sampleRate}
}

func (m *Microphone) Start() (Recording, error) {
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return nil, errors.Join(ErrDeviceNotFound, err)
	}

	buffer := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.SampleRate), len(buffer), &buffer)
	if err != nil {
		return nil, mapPortAudioError(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, mapPortAudioError(err)
	}

	rec := &micRecording{
		stream:     stream,
		buffer:     buffer,
		sampleRate: m.SampleRate,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go rec.loop()
	return rec, nil
}

type micRecording struct {
	stream     *portaudio.Stream
	buffer     []int16
	sampleRate int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	samples []int16
	err     error
}

func (r *micRecording) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		if err := r.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			r.err = mapPortAudioError(err)
			return
		}
		r.samples = append(r.samples, r.buffer...)
	}
}

// release stops the reader and closes the device exactly once.
func (r *micRecording) release() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
		if err := r.stream.Stop(); err != nil {
			slog.Warn("capture: stop microphone stream", "err", err)
		}
		if err := r.stream.Close(); err != nil {
			slog.Warn("capture: close microphone stream", "err", err)
		}
	})
}

func (r *micRecording) Stop() (domain.Clip, error) {
	r.release()
	if r.err != nil {
		return domain.Clip{}, r.err
	}
	return domain.Clip{Samples: r.samples, SampleRate: r.sampleRate}, nil
}

func (r *micRecording) Cancel() {
	r.release()
	r.samples = nil
}

func mapPortAudioError(err error) error {
	var paErr portaudio.Error
	if !errors.As(err, &paErr) {
		return errors.Join(ErrCapture, err)
	}
	switch paErr {
	case portaudio.InvalidDevice, portaudio.InvalidChannelCount:
		return errors.Join(ErrDeviceNotFound, err)
	case portaudio.DeviceUnavailable:
		return errors.Join(ErrPermissionDenied, err)
	default:
		return errors.Join(ErrCapture, err)
	}
}
