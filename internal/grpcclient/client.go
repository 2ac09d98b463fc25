// Package grpcclient submits verified selfies to the KYC verification
// service over gRPC.
package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/kyc-capture/internal/logging"
	"github.com/example/kyc-capture/internal/submission"
)

// SubmitSelfieMethod is the full gRPC method name of the submission call.
// Requests and responses are google.protobuf.Struct messages.
const SubmitSelfieMethod = "/kyc.v1.VerificationService/SubmitSelfie"

// ErrRejected is returned when the service answers success=false.
var ErrRejected = errors.New("grpcclient: submission rejected")

// DialVerificationService returns a ready-to-use submitter for the service at addr.
func DialVerificationService(ctx context.Context, addr string, logger *zap.Logger) (*Submitter, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_verification_service", "", err)
		logger.Error("failed to dial verification service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewSubmitter(conn, logger), conn, nil
}

// Submitter implements submission.Client over a gRPC connection.
type Submitter struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

var _ submission.Client = (*Submitter)(nil)

// NewSubmitter wraps an established connection.
func NewSubmitter(conn grpc.ClientConnInterface, logger *zap.Logger) *Submitter {
	return &Submitter{conn: conn, logger: logger.Named("grpcclient")}
}

// Submit sends the selected frame. The caller's bearer token is forwarded
// as authorization metadata.
func (s *Submitter) Submit(ctx context.Context, req submission.Request) (*submission.Receipt, error) {
	const op = "grpcclient.submit_selfie"
	if req.Frame.Empty() {
		return nil, logging.NewOperationError(op, req.WorkflowID, submission.ErrEmptyFrame)
	}

	in, err := structpb.NewStruct(map[string]any{
		"user_id":     req.Credentials.Subject,
		"workflow_id": req.WorkflowID,
		"encoding":    req.Frame.Encoding,
		"image_data":  base64.StdEncoding.EncodeToString(req.Frame.Data),
	})
	if err != nil {
		return nil, logging.NewOperationError(op, req.WorkflowID, err)
	}

	if header := req.Credentials.AuthorizationHeader(); header != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", header)
	}

	out := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, SubmitSelfieMethod, in, out); err != nil {
		wrapped := logging.NewOperationError(op, req.WorkflowID, err)
		s.logger.Error("verification service call failed", zap.Error(wrapped), zap.String("user_id", req.Credentials.Subject))
		return nil, wrapped
	}

	fields := out.GetFields()
	receipt := &submission.Receipt{
		ID:      fields["receipt_id"].GetStringValue(),
		Status:  fields["status"].GetStringValue(),
		Message: fields["message"].GetStringValue(),
	}
	if success, ok := fields["success"]; ok && !success.GetBoolValue() {
		return receipt, logging.NewOperationError(op, req.WorkflowID, ErrRejected)
	}
	return receipt, nil
}
