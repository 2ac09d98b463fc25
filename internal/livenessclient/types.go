package livenessclient

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/example/kyc-capture/internal/capture"
)

type startSessionResponse struct {
	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
}

func (r startSessionResponse) id() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.SessionIDSnake
}

type processLivenessRequest struct {
	SessionID string   `json:"sessionId"`
	Frames    []string `json:"frames"`
}

type verdictResponse struct {
	IsLive     bool     `json:"isLive"`
	Confidence *float64 `json:"confidence,omitempty"`
	Message    string   `json:"message,omitempty"`
}

func (r verdictResponse) verdict() capture.Verdict {
	return capture.Verdict{IsLive: r.IsLive, Confidence: r.Confidence, Message: r.Message}
}

type checkLivenessRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionResult is the backend's stored result for a liveness session.
type SessionResult struct {
	SessionID  string   `json:"sessionId"`
	Status     string   `json:"status"`
	IsLive     *bool    `json:"isLive,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Message    string   `json:"message,omitempty"`
}

type submitResponse struct {
	ID      json.RawMessage `json:"id"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
}

// receiptID accepts numeric and string ids.
func (r submitResponse) receiptID() string {
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.ID))
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("liveness api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("liveness api: %d: %s", e.StatusCode, e.Message)
}

// Temporary marks server-side and throttling failures as retryable.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Error != "":
			msg = payload.Error
		case payload.Detail != "":
			msg = payload.Detail
		default:
			msg = payload.Message
		}
	} else {
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{StatusCode: status, Message: msg}
}

// EncodeDataURL renders a frame as a data URL, the format the backend expects
// for burst frames.
func EncodeDataURL(frame capture.Frame) string {
	encoding := frame.Encoding
	if encoding == "" {
		encoding = "image/jpeg"
	}
	return "data:" + encoding + ";base64," + base64.StdEncoding.EncodeToString(frame.Data)
}
