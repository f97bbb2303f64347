package dialogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vashi-123/englishv2-sub003/internal/capture"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorBusy             ErrorCode = "BUSY"
	ErrorNetwork          ErrorCode = "NETWORK_ERROR"
	ErrorTimeout          ErrorCode = "TIMEOUT"
	ErrorPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorDeviceNotFound   ErrorCode = "DEVICE_NOT_FOUND"
	ErrorCapture          ErrorCode = "CAPTURE_ERROR"
	ErrorNotRecognized    ErrorCode = "NOT_RECOGNIZED"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

var notices = map[ErrorCode]string{
	ErrorBusy:             "Please wait, the previous answer is still being checked.",
	ErrorNetwork:          "Something went wrong. Please try again.",
	ErrorTimeout:          "That took too long. Please try again.",
	ErrorPermissionDenied: "Microphone access was denied. Allow it in your settings to answer by voice.",
	ErrorDeviceNotFound:   "No microphone was found.",
	ErrorCapture:          "Recording failed. Please try again.",
	ErrorNotRecognized:    "We could not recognize your speech. Please try again.",
	ErrorInternal:         "Something went wrong.",
}

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("dialogue: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("dialogue: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Notice is the message shown to the learner.
func (e *Error) Notice() string {
	if e == nil {
		return ""
	}
	if e.Code == ErrorInvalidInput {
		return e.Reason
	}
	if n, ok := notices[e.Code]; ok {
		return n
	}
	return notices[ErrorInternal]
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func statusCode(err error) int {
	var coder httpStatusCoder
	if errors.As(err, &coder) {
		return coder.HTTPStatusCode()
	}
	return 0
}

// remoteError classifies a failed backend call; deadlines are timeouts.
func remoteError(reason string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorTimeout, reason, err)
	}
	return newError(ErrorNetwork, reason, err)
}

func captureError(err error) *Error {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return newError(ErrorPermissionDenied, "microphone permission denied", err)
	case errors.Is(err, capture.ErrDeviceNotFound):
		return newError(ErrorDeviceNotFound, "no microphone", err)
	case errors.Is(err, capture.ErrNotRecognized):
		return newError(ErrorNotRecognized, "empty transcript", err)
	case errors.Is(err, capture.ErrTimeout):
		return newError(ErrorTimeout, "transcription timed out", err)
	case errors.Is(err, capture.ErrTranscription):
		return newError(ErrorNetwork, "transcription failed", err)
	case errors.Is(err, capture.ErrAlreadyRecording), errors.Is(err, capture.ErrNotRecording):
		return newError(ErrorInvalidInput, "recording is not in the expected state", err)
	default:
		return newError(ErrorCapture, "recording failed", err)
	}
}
