// Package openai adapts the OpenAI speech endpoints to the lesson runtime:
// Whisper transcription of learner answers and speech synthesis for
// vocabulary playback.
package openai

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const (
	// SpeechSampleRate is the rate of raw PCM returned by the speech endpoint.
	SpeechSampleRate = 24000

	maxSpeechBytes = 32 << 20
	minSpeed       = 0.25
	maxSpeed       = 4.0
)

// TokenSource resolves the API token from a secret store.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// Client is a focused speech client.
type Client struct {
	tokens      TokenSource
	paramPrefix string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	voice       openai.SpeechVoice
	language    string

	apiMu sync.Mutex
	api   *openai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets the token directly and skips the secret store.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

func WithVoice(voice string) Option {
	return func(c *Client) {
		if voice != "" {
			c.voice = openai.SpeechVoice(voice)
		}
	}
}

// WithTranscriptionLanguage pins the spoken language (ISO-639-1). Empty
// lets the model detect it.
func WithTranscriptionLanguage(lang string) Option {
	return func(c *Client) {
		c.language = lang
	}
}

// NewClient creates a Client. Unless WithAPIKey is given, the token is read
// from "<paramPrefix>/open-ai-token" on first successful use and reused for
// the lifetime of the process.
func NewClient(tokens TokenSource, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		tokens:      tokens,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		voice:       openai.VoiceAlloy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		if c.tokens == nil {
			return nil, errors.New("openai: token source must not be nil")
		}
		if c.paramPrefix == "" {
			return nil, errors.New("openai: parameter prefix must not be empty")
		}
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolveAPI builds the API client and caches it. A failed token lookup is
// not cached; the next call tries again.
func (c *Client) resolveAPI(ctx context.Context) (*openai.Client, error) {
	c.apiMu.Lock()
	defer c.apiMu.Unlock()
	if c.api != nil {
		return c.api, nil
	}

	key := c.apiKey
	if key == "" {
		var err error
		key, err = c.tokens.Token(ctx, c.tokenParameterName())
		if err != nil {
			return nil, fmt.Errorf("openai: resolve api token: %w", err)
		}
	}
	cfg := openai.DefaultConfig(key)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = openai.NewClientWithConfig(cfg)
	return c.api, nil
}

// Transcribe uploads the clip as WAV and returns the transcript. prompt
// biases recognition toward the question being answered.
func (c *Client) Transcribe(ctx context.Context, clip domain.Clip, prompt string) (string, error) {
	if clip.Empty() {
		return "", errors.New("openai: clip is empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}

	path, err := writeTempWAV(clip)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(path) }()

	resp, err := api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: path,
		Prompt:   prompt,
		Language: c.language,
	})
	if err != nil {
		return "", wrapAPIError("transcribe", err)
	}
	return resp.Text, nil
}

// Synthesize renders text as 24 kHz mono PCM. The model infers the
// language from the input, lang only affects logging upstream.
func (c *Client) Synthesize(ctx context.Context, text, lang string, rate float64) (domain.Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Clip{}, nil
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return domain.Clip{}, err
	}

	resp, err := api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          c.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
		Speed:          clampSpeed(rate),
	})
	if err != nil {
		return domain.Clip{}, wrapAPIError("synthesize "+lang, err)
	}
	defer func() { _ = resp.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp, maxSpeechBytes))
	if err != nil {
		return domain.Clip{}, fmt.Errorf("openai: read speech: %w", err)
	}
	return decodePCM16(raw, SpeechSampleRate), nil
}

// StatusCode extracts the HTTP status from an API error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func wrapAPIError(op string, err error) error {
	if code := StatusCode(err); code != 0 {
		return fmt.Errorf("openai: %s: unexpected status %d: %w", op, code, err)
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}

func clampSpeed(rate float64) float64 {
	switch {
	case rate <= 0:
		return 1.0
	case rate < minSpeed:
		return minSpeed
	case rate > maxSpeed:
		return maxSpeed
	default:
		return rate
	}
}

func decodePCM16(raw []byte, sampleRate int) domain.Clip {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return domain.Clip{Samples: samples, SampleRate: sampleRate}
}
