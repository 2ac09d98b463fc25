// Package submission defines the hand-off of the selected frame to KYC
// verification.
package submission

import (
	"context"
	"errors"

	"github.com/example/kyc-capture/internal/auth"
	"github.com/example/kyc-capture/internal/capture"
)

// ErrEmptyFrame is returned when asked to submit a frame without data.
var ErrEmptyFrame = errors.New("submission: empty frame")

// Request carries the selected frame and the caller it belongs to.
type Request struct {
	WorkflowID  string
	Credentials auth.Credentials
	Frame       capture.Frame
}

// Receipt is the downstream acknowledgement of a KYC submission.
type Receipt struct {
	ID      string
	Status  string
	Message string
}

// Client exposes the KYC submission call used after a successful capture.
type Client interface {
	Submit(ctx context.Context, req Request) (*Receipt, error)
}
