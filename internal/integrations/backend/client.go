// Package backend talks to the managed lesson backend: the lesson-turn edge
// function, the chat history tables and the progress RPCs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const (
	turnFunction   = "lesson-turn"
	messagesTable  = "chat_messages"
	scriptRPC      = "get_lesson_script"
	completeRPC    = "mark_lesson_completed"
	defaultTimeout = 30 * time.Second
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for the lesson backend.
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAccessToken authenticates requests as the signed-in learner instead of
// the anonymous key.
func WithAccessToken(token string) Option {
	return func(c *Client) {
		c.accessToken = strings.TrimSpace(token)
	}
}

func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("backend: api key must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

type turnRequest struct {
	Action      string      `json:"action"`
	Day         int         `json:"day"`
	Lesson      int         `json:"lesson"`
	Lang        string      `json:"lang"`
	UserInput   *string     `json:"userInput"`
	CurrentStep domain.Step `json:"currentStep"`
}

// StartSession asks the step generator to open the lesson.
func (c *Client) StartSession(ctx context.Context, key domain.LessonKey) (domain.SessionStart, error) {
	var out domain.SessionStart
	err := c.call(ctx, http.MethodPost, c.functionURL(turnFunction), turnRequest{
		Action: "start", Day: key.Day, Lesson: key.Lesson, Lang: key.Lang,
	}, &out)
	if err != nil {
		return domain.SessionStart{}, fmt.Errorf("backend: start session: %w", err)
	}
	return out, nil
}

// SendTurn submits one turn. A nil input advances the script without a
// learner answer.
func (c *Client) SendTurn(ctx context.Context, key domain.LessonKey, input *string, current domain.Step) (domain.TurnReply, error) {
	var out domain.TurnReply
	err := c.call(ctx, http.MethodPost, c.functionURL(turnFunction), turnRequest{
		Action: "turn", Day: key.Day, Lesson: key.Lesson, Lang: key.Lang,
		UserInput: input, CurrentStep: current,
	}, &out)
	if err != nil {
		return domain.TurnReply{}, fmt.Errorf("backend: send turn: %w", err)
	}
	return out, nil
}

// ResetSession deletes the stored conversation for the lesson.
func (c *Client) ResetSession(ctx context.Context, key domain.LessonKey) error {
	err := c.call(ctx, http.MethodPost, c.functionURL(turnFunction), turnRequest{
		Action: "reset", Day: key.Day, Lesson: key.Lesson, Lang: key.Lang,
	}, nil)
	if err != nil {
		return fmt.Errorf("backend: reset session: %w", err)
	}
	return nil
}

// LoadMessages returns the stored conversation ordered by message_order.
func (c *Client) LoadMessages(ctx context.Context, key domain.LessonKey) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("select", "id,role,text,translation,message_order,current_step_snapshot")
	q.Set("day", "eq."+strconv.Itoa(key.Day))
	q.Set("lesson", "eq."+strconv.Itoa(key.Lesson))
	if key.Lang != "" {
		q.Set("lang", "eq."+key.Lang)
	}
	q.Set("order", "message_order.asc")

	var out []domain.Message
	if err := c.call(ctx, http.MethodGet, c.restURL(messagesTable)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("backend: load messages: %w", err)
	}
	return out, nil
}

type lessonParams struct {
	Day       int    `json:"p_day"`
	Lesson    int    `json:"p_lesson"`
	Lang      string `json:"p_lang,omitempty"`
	Completed *bool  `json:"p_completed,omitempty"`
}

// LoadScript returns the structured lesson script.
func (c *Client) LoadScript(ctx context.Context, key domain.LessonKey) (domain.Script, error) {
	var out domain.Script
	params := lessonParams{Day: key.Day, Lesson: key.Lesson, Lang: key.Lang}
	if err := c.call(ctx, http.MethodPost, c.rpcURL(scriptRPC), params, &out); err != nil {
		return domain.Script{}, fmt.Errorf("backend: load script: %w", err)
	}
	return out, nil
}

// MarkLessonCompleted records completion. The RPC is an upsert on the
// backend, repeated calls are harmless.
func (c *Client) MarkLessonCompleted(ctx context.Context, key domain.LessonKey) error {
	completed := true
	params := lessonParams{Day: key.Day, Lesson: key.Lesson, Completed: &completed}
	if err := c.call(ctx, http.MethodPost, c.rpcURL(completeRPC), params, nil); err != nil {
		return fmt.Errorf("backend: mark lesson completed: %w", err)
	}
	return nil
}

// SessionActive reports whether the configured access token belongs to a
// live session. Unauthorized responses are not errors.
func (c *Client) SessionActive(ctx context.Context) (bool, error) {
	if c.accessToken == "" {
		return false, nil
	}
	err := c.call(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil, nil)
	if err == nil {
		return true, nil
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return false, fmt.Errorf("backend: probe session: %w", err)
}

func (c *Client) functionURL(name string) string {
	return c.baseURL + "/functions/v1/" + name
}

func (c *Client) restURL(table string) string {
	return c.baseURL + "/rest/v1/" + table
}

func (c *Client) rpcURL(name string) string {
	return c.baseURL + "/rest/v1/rpc/" + name
}

func (c *Client) call(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
	bearer := c.accessToken
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
