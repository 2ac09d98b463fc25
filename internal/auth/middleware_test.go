package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestRouter(audience string) (*gin.Engine, *Credentials) {
	gin.SetMode(gin.TestMode)
	seen := &Credentials{}
	router := gin.New()
	router.GET("/me", JWTMiddleware(testSecret, audience), func(c *gin.Context) {
		creds, ok := CredentialsFromContext(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		*seen = creds
		c.Status(http.StatusOK)
	})
	return router, seen
}

func TestJWTMiddlewareInjectsCredentials(t *testing.T) {
	router, seen := newTestRouter("")
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if seen.Subject != "user-123" || seen.AccessToken != token {
		t.Fatalf("unexpected credentials: %+v", seen)
	}
	if seen.AuthorizationHeader() != "Bearer "+token {
		t.Fatalf("unexpected authorization header %q", seen.AuthorizationHeader())
	}
}

func TestJWTMiddlewareRejections(t *testing.T) {
	expired := signToken(t, jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	noSubject := signToken(t, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	wrongAudience := signToken(t, jwt.RegisteredClaims{
		Subject:   "user-123",
		Audience:  jwt.ClaimStrings{"someone-else"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	cases := map[string]string{
		"missing header":  "",
		"wrong scheme":    "Basic abc",
		"expired token":   "Bearer " + expired,
		"missing subject": "Bearer " + noSubject,
		"wrong audience":  "Bearer " + wrongAudience,
	}
	router, _ := newTestRouter("kyc-capture")
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected status %d, got %d", name, http.StatusUnauthorized, resp.Code)
		}
	}
}
