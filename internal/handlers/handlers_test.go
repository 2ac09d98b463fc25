package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/kyc-capture/internal/auth"
	"github.com/example/kyc-capture/internal/camera"
	"github.com/example/kyc-capture/internal/livenessclient"
	"github.com/example/kyc-capture/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	startErr   error
	started    []auth.Credentials
	statuses   map[string]*usecase.WorkflowStatus
	canceled   []string
	sessionErr error
}

func (s *stubService) StartVerification(_ context.Context, creds auth.Credentials) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	s.started = append(s.started, creds)
	return "wf-1", nil
}

func (s *stubService) GetStatus(_ context.Context, userID, workflowID string) (*usecase.WorkflowStatus, error) {
	status, ok := s.statuses[workflowID]
	if !ok || status.UserID != userID {
		return nil, usecase.ErrWorkflowNotFound
	}
	return status, nil
}

func (s *stubService) Cancel(userID, workflowID string) error {
	if _, err := s.GetStatus(context.Background(), userID, workflowID); err != nil {
		return err
	}
	s.canceled = append(s.canceled, workflowID)
	return nil
}

func (s *stubService) FetchSessionResult(_ context.Context, creds auth.Credentials, workflowID string) (*livenessclient.SessionResult, error) {
	if s.sessionErr != nil {
		return nil, s.sessionErr
	}
	return &livenessclient.SessionResult{SessionID: "sess-1", Status: "completed"}, nil
}

func (s *stubService) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalRequests: 2, SuccessfulRequests: 1, SuccessRate: 0.5}, nil
}

func newTestRouter(t *testing.T, svc VerificationService, cameras *camera.Registry) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, cameras, auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func TestFrameUploadRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(t, &stubService{}, camera.NewRegistry())

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/camera/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestFrameUploadRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, &stubService{}, camera.NewRegistry())

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/camera/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestFrameUploadFeedsUserStream(t *testing.T) {
	cameras := camera.NewRegistry()
	router := newTestRouter(t, &stubService{}, cameras)

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/jpeg", []byte("jpeg-bytes"))

	req := httptest.NewRequest(http.MethodPost, "/camera/frames", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, resp.Code, resp.Body.String())
	}

	stream := cameras.Stream("user-123")
	frame, ok := stream.Snapshot()
	if !ok || string(frame.Data) != "jpeg-bytes" || frame.Encoding != "image/jpeg" {
		t.Fatalf("unexpected frame in stream: %+v ok=%v", frame, ok)
	}
	if cameras.Stream("someone-else").Ready() {
		t.Fatal("frames must not leak into other users' streams")
	}

	req = httptest.NewRequest(http.MethodDelete, "/camera", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	if stream.Ready() {
		t.Fatal("expected stream to be closed")
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	router := newTestRouter(t, &stubService{}, camera.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestVerifyStartsWorkflowWithCallerCredentials(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc, camera.NewRegistry())

	token := buildTestToken(t, "user-123")
	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, resp.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if payload["workflow_id"] != "wf-1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if len(svc.started) != 1 || svc.started[0].Subject != "user-123" || svc.started[0].AccessToken != token {
		t.Fatalf("unexpected credentials: %+v", svc.started)
	}
}

func TestVerifyConflictWhenWorkflowActive(t *testing.T) {
	router := newTestRouter(t, &stubService{startErr: usecase.ErrWorkflowActive}, camera.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.Code)
	}
}

func TestStatusAndCancel(t *testing.T) {
	svc := &stubService{statuses: map[string]*usecase.WorkflowStatus{
		"wf-1": {WorkflowID: "wf-1", UserID: "user-123", Phase: "capturing", Source: "live"},
	}}
	router := newTestRouter(t, svc, camera.NewRegistry())
	token := buildTestToken(t, "user-123")

	req := httptest.NewRequest(http.MethodGet, "/verify/wf-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var status usecase.WorkflowStatus
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if status.Phase != "capturing" {
		t.Fatalf("unexpected status: %+v", status)
	}

	req = httptest.NewRequest(http.MethodGet, "/verify/wf-1", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "intruder"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for foreign workflow, got %d", http.StatusNotFound, resp.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/verify/wf-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, resp.Code)
	}
	if len(svc.canceled) != 1 || svc.canceled[0] != "wf-1" {
		t.Fatalf("unexpected cancellations: %v", svc.canceled)
	}
}

func TestLivenessResultErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "no session", err: usecase.ErrNoSession, want: http.StatusConflict},
		{name: "backend", err: &livenessclient.APIError{StatusCode: http.StatusBadGateway}, want: http.StatusBadGateway},
		{name: "unknown workflow", err: usecase.ErrWorkflowNotFound, want: http.StatusNotFound},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, &stubService{sessionErr: tc.err}, camera.NewRegistry())

			req := httptest.NewRequest(http.MethodGet, "/verify/wf-1/liveness", nil)
			req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, resp.Code)
			}
		})
	}
}

func TestMetricsSummary(t *testing.T) {
	router := newTestRouter(t, &stubService{}, camera.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/metrics/summary", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if summary.SuccessRate != 0.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestHealthAndPrometheusAreUnauthenticated(t *testing.T) {
	router := newTestRouter(t, &stubService{}, camera.NewRegistry())

	for _, path := range []string{"/health", "/metrics"} {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusOK, resp.Code)
		}
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="frame"; filename="frame"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
