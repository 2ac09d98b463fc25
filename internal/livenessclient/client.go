// Package livenessclient talks to the KYC liveness REST backend: it opens
// liveness sessions, submits frame bursts for evaluation, fetches session
// results and uploads the selected selfie.
package livenessclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/example/kyc-capture/internal/auth"
	"github.com/example/kyc-capture/internal/capture"
	"github.com/example/kyc-capture/internal/logging"
	"github.com/example/kyc-capture/internal/submission"
)

const (
	startSessionPath  = "/kyc/kyc/start-liveness-session/"
	processPath       = "/kyc/kyc/process-liveness/"
	checkLivenessPath = "/kyc/kyc/check-liveness/"
	submitPath        = "/kyc/kyc/"

	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

// ErrMissingSessionID is returned when the backend answers without a session id.
var ErrMissingSessionID = errors.New("livenessclient: response has no session id")

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// Client is an HTTP client for the liveness backend. It holds no
// credentials; callers pass them per request or through Bind.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("livenessclient")
	return c
}

// Bind returns a capture.LivenessService acting on behalf of creds.
func (c *Client) Bind(creds auth.Credentials, workflowID string) *Bound {
	return &Bound{client: c, creds: creds, workflowID: workflowID}
}

// Bound is a Client bound to one caller's credentials and workflow.
type Bound struct {
	client     *Client
	creds      auth.Credentials
	workflowID string
}

var _ capture.LivenessService = (*Bound)(nil)

// StartSession opens a new liveness session.
func (b *Bound) StartSession(ctx context.Context) (capture.Session, error) {
	const op = "livenessclient.start_session"

	var resp startSessionResponse
	if err := b.client.postJSON(ctx, startSessionPath, struct{}{}, b.creds, &resp); err != nil {
		return capture.Session{}, b.client.fail(op, b.workflowID, err)
	}
	id := resp.id()
	if id == "" {
		return capture.Session{}, b.client.fail(op, b.workflowID, ErrMissingSessionID)
	}
	return capture.Session{ID: id}, nil
}

// Evaluate submits the burst, in capture order, for a liveness decision.
func (b *Bound) Evaluate(ctx context.Context, session capture.Session, burst []capture.Frame) (capture.Verdict, error) {
	const op = "livenessclient.process_liveness"

	req := processLivenessRequest{SessionID: session.ID, Frames: make([]string, 0, len(burst))}
	for _, frame := range burst {
		req.Frames = append(req.Frames, EncodeDataURL(frame))
	}

	var resp verdictResponse
	if err := b.client.postJSON(ctx, processPath, req, b.creds, &resp); err != nil {
		return capture.Verdict{}, b.client.fail(op, b.workflowID, err)
	}
	return resp.verdict(), nil
}

// FetchResult returns the backend's stored result for session.
func (b *Bound) FetchResult(ctx context.Context, session capture.Session) (*SessionResult, error) {
	const op = "livenessclient.check_liveness"

	var resp SessionResult
	if err := b.client.postJSON(ctx, checkLivenessPath, checkLivenessRequest{SessionID: session.ID}, b.creds, &resp); err != nil {
		return nil, b.client.fail(op, b.workflowID, err)
	}
	if resp.SessionID == "" {
		resp.SessionID = session.ID
	}
	return &resp, nil
}

var _ submission.Client = (*Client)(nil)

// Submit uploads the selected frame as the KYC selfie.
func (c *Client) Submit(ctx context.Context, req submission.Request) (*submission.Receipt, error) {
	const op = "livenessclient.submit_kyc"
	if req.Frame.Empty() {
		return nil, c.fail(op, req.WorkflowID, submission.ErrEmptyFrame)
	}

	encoding := req.Frame.Encoding
	if encoding == "" {
		encoding = "image/jpeg"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="selfie"; filename="selfie.jpg"`)
	header.Set("Content-Type", encoding)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, c.fail(op, req.WorkflowID, err)
	}
	if _, err := part.Write(req.Frame.Data); err != nil {
		return nil, c.fail(op, req.WorkflowID, err)
	}
	if err := writer.Close(); err != nil {
		return nil, c.fail(op, req.WorkflowID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, body)
	if err != nil {
		return nil, c.fail(op, req.WorkflowID, err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	var resp submitResponse
	if err := c.do(httpReq, req.Credentials, &resp); err != nil {
		return nil, c.fail(op, req.WorkflowID, err)
	}
	return &submission.Receipt{ID: resp.receiptID(), Status: resp.Status, Message: resp.Message}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, creds auth.Credentials, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, creds, out)
}

func (c *Client) do(req *http.Request, creds auth.Credentials, out any) error {
	req.Header.Set("Accept", "application/json")
	if header := creds.AuthorizationHeader(); header != "" {
		req.Header.Set("Authorization", header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) fail(operation, workflowID string, err error) error {
	wrapped := logging.NewOperationError(operation, workflowID, err)
	logging.WithOperation(c.logger, operation, workflowID).Error("liveness backend call failed", zap.Error(wrapped))
	return wrapped
}
