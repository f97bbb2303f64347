package domain

// AudioKind tags what an audio item represents, for highlighting.
type AudioKind string

const (
	AudioWord    AudioKind = "word"
	AudioExample AudioKind = "example"
	AudioPhrase  AudioKind = "phrase"
)

// AudioItem is one entry of a text-to-speech queue.
type AudioItem struct {
	Text string    `json:"text"`
	Lang string    `json:"lang"`
	Kind AudioKind `json:"kind"`
}

// Clip is mono 16-bit PCM audio.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// Empty reports whether the clip has no samples.
func (c Clip) Empty() bool {
	return len(c.Samples) == 0
}
