// Package handler exposes the message classifier as an API Gateway Lambda,
// so other clients of the lesson backend classify history the same way.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/Vashi-123/englishv2-sub003/internal/classifier"
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

const (
	correlationHeader  = "X-Correlation-Id"
	defaultMaxMessages = 500
	maxBodyBytes       = 1 << 20

	errorInvalidInput = "INVALID_INPUT"
	errorNotFound     = "NOT_FOUND"
	errorMethod       = "METHOD_NOT_ALLOWED"
)

type Classifier interface {
	Classify(history []domain.Message) classifier.Result
}

type Handler struct {
	classifier  Classifier
	maxMessages int
	logger      *slog.Logger
}

type classifyRequest struct {
	Messages []domain.Message `json:"messages"`
}

type autoPlayResponse struct {
	Key   string             `json:"key"`
	Items []domain.AudioItem `json:"items"`
}

type classifyResponse struct {
	Mode        domain.InputMode  `json:"mode"`
	PayloadType string            `json:"payloadType,omitempty"`
	MessageKey  string            `json:"messageKey,omitempty"`
	AutoPlay    *autoPlayResponse `json:"autoPlay,omitempty"`
	Completed   bool              `json:"completed"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(c Classifier, maxMessages int, logger *slog.Logger) (*Handler, error) {
	if c == nil {
		return nil, errors.New("handler: classifier must not be nil")
	}
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{classifier: c, maxMessages: maxMessages, logger: logger}, nil
}

func (h *Handler) Handle(_ context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", corrID)

	if req.Path != "" && strings.TrimRight(req.Path, "/") != "/classify" {
		return h.fail(corrID, http.StatusNotFound, errorNotFound, "unknown_path"), nil
	}
	if req.HTTPMethod != http.MethodPost {
		return h.fail(corrID, http.StatusMethodNotAllowed, errorMethod, "post_only"), nil
	}
	if len(req.Body) > maxBodyBytes {
		return h.fail(corrID, http.StatusRequestEntityTooLarge, errorInvalidInput, "body_too_large"), nil
	}

	var in classifyRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		logger.Info("classify: invalid body", "err", err)
		return h.fail(corrID, http.StatusBadRequest, errorInvalidInput, "invalid_json"), nil
	}
	if len(in.Messages) > h.maxMessages {
		return h.fail(corrID, http.StatusBadRequest, errorInvalidInput, "too_many_messages"), nil
	}

	res := h.classifier.Classify(in.Messages)
	out := classifyResponse{
		Mode:       res.Mode,
		MessageKey: res.MessageKey,
		Completed:  res.Completed,
	}
	if res.Payload != nil {
		out.PayloadType = string(res.Payload.Type())
	}
	if res.AutoPlay != nil {
		out.AutoPlay = &autoPlayResponse{Key: res.AutoPlay.Key, Items: res.AutoPlay.Items}
	}
	logger.Info("classify: done", "messages", len(in.Messages), "mode", out.Mode, "payload", out.PayloadType)
	return h.respond(corrID, http.StatusOK, out), nil
}

func (h *Handler) fail(corrID string, status int, code, reason string) events.APIGatewayProxyResponse {
	return h.respond(corrID, status, errorResponse{Error: code, Reason: reason})
}

func (h *Handler) respond(corrID string, status int, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("classify: encode response", "correlation_id", corrID, "err", err)
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

// header looks a value up case-insensitively; API Gateway keeps client casing.
func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
