package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/Vashi-123/englishv2-sub003/internal/classifier"
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

type stubClassifier struct {
	res classifier.Result
	in  []domain.Message
}

func (s *stubClassifier) Classify(history []domain.Message) classifier.Result {
	s.in = history
	return s.res
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/classify",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, 0, nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	h, err := NewHandler(classifier.New(), 0, nil)
	require.NoError(t, err)

	body := `{"messages":[{"role":"model","text":"{\"type\":\"audio_exercise\",\"content\":\"Say hi\",\"autoPlay\":true,\"audioQueue\":[{\"text\":\"Say hi\",\"lang\":\"en\",\"kind\":\"phrase\"}]}"}]}`
	resp, err := h.Handle(context.Background(), makeEvent(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[classifyResponse](t, resp.Body)
	require.Equal(t, domain.InputAudio, out.Mode)
	require.Equal(t, "audio_exercise", out.PayloadType)
	require.NotEmpty(t, out.MessageKey)
	require.NotNil(t, out.AutoPlay)
	require.Equal(t, out.MessageKey, out.AutoPlay.Key)
	require.Equal(t, "Say hi", out.AutoPlay.Items[0].Text)
	require.False(t, out.Completed)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_CompletionFlag(t *testing.T) {
	h, err := NewHandler(classifier.New(), 0, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[{"role":"model","text":"Great job <lesson_complete>"},{"role":"user","text":"thanks"}]}`))
	require.NoError(t, err)

	out := parseBody[classifyResponse](t, resp.Body)
	require.True(t, out.Completed)
	require.Equal(t, domain.InputHidden, out.Mode)
	require.Nil(t, out.AutoPlay)
}

func TestHandle_InvalidBody(t *testing.T) {
	stub := &stubClassifier{}
	h, err := NewHandler(stub, 0, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Nil(t, stub.in)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, errorInvalidInput, out.Error)
	require.Equal(t, "invalid_json", out.Reason)
}

func TestHandle_RejectsRequests(t *testing.T) {
	h, err := NewHandler(&stubClassifier{}, 2, nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*events.APIGatewayProxyRequest)
		status int
		reason string
	}{
		{name: "wrong path", mutate: func(e *events.APIGatewayProxyRequest) { e.Path = "/ask" }, status: http.StatusNotFound, reason: "unknown_path"},
		{name: "wrong method", mutate: func(e *events.APIGatewayProxyRequest) { e.HTTPMethod = http.MethodGet }, status: http.StatusMethodNotAllowed, reason: "post_only"},
		{name: "too many messages", mutate: func(e *events.APIGatewayProxyRequest) {
			e.Body = `{"messages":[{"role":"user","text":"a"},{"role":"user","text":"b"},{"role":"user","text":"c"}]}`
		}, status: http.StatusBadRequest, reason: "too_many_messages"},
		{name: "body too large", mutate: func(e *events.APIGatewayProxyRequest) {
			e.Body = `{"messages":[],"pad":"` + strings.Repeat("x", maxBodyBytes) + `"}`
		}, status: http.StatusRequestEntityTooLarge, reason: "body_too_large"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := makeEvent(`{"messages":[]}`)
			tc.mutate(&event)
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.reason, parseBody[errorResponse](t, resp.Body).Reason)
		})
	}
}

func TestHandle_PassesHistoryThrough(t *testing.T) {
	stub := &stubClassifier{res: classifier.Result{Mode: domain.InputText}}
	h, err := NewHandler(stub, 0, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[{"id":"m1","role":"model","text":"hi","message_order":1}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []domain.Message{{ID: "m1", Role: domain.RoleModel, Text: "hi", Order: 1}}, stub.in)
	require.Equal(t, domain.InputText, parseBody[classifyResponse](t, resp.Body).Mode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubClassifier{}, 0, nil)
	require.NoError(t, err)

	event := makeEvent(`{"messages":[]}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
