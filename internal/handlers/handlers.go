package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/kyc-capture/internal/auth"
	"github.com/example/kyc-capture/internal/camera"
	"github.com/example/kyc-capture/internal/livenessclient"
	"github.com/example/kyc-capture/internal/usecase"
)

// MaxUploadSize bounds a single pushed camera frame.
const MaxUploadSize = 10 << 20

// multipart boundaries and headers on top of the frame itself
const multipartOverhead = 1 << 20

// VerificationService is the use case surface used by the HTTP layer.
type VerificationService interface {
	StartVerification(ctx context.Context, creds auth.Credentials) (string, error)
	GetStatus(ctx context.Context, userID, workflowID string) (*usecase.WorkflowStatus, error)
	Cancel(userID, workflowID string) error
	FetchSessionResult(ctx context.Context, creds auth.Credentials, workflowID string) (*livenessclient.SessionResult, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc VerificationService, cameras *camera.Registry, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorized := router.Group("/")
	authorized.Use(authMiddleware)

	authorized.POST("/camera/frames", func(c *gin.Context) {
		creds, ok := credentials(c)
		if !ok {
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		file, err := c.FormFile("frame")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
			return
		}

		encoding := file.Header.Get("Content-Type")
		if !camera.SupportedEncoding(encoding) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "frame must be jpeg, png or webp"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open frame"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read frame"})
			return
		}

		frame, err := cameras.Stream(creds.Subject).Push(data, encoding)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"sequence":    frame.Sequence,
			"encoding":    frame.Encoding,
			"captured_at": frame.CapturedAt,
		})
	})

	authorized.DELETE("/camera", func(c *gin.Context) {
		creds, ok := credentials(c)
		if !ok {
			return
		}
		if !cameras.Close(creds.Subject) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open camera stream"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authorized.POST("/verify", func(c *gin.Context) {
		creds, ok := credentials(c)
		if !ok {
			return
		}

		workflowID, err := uc.StartVerification(c.Request.Context(), creds)
		if err != nil {
			if errors.Is(err, usecase.ErrWorkflowActive) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"workflow_id": workflowID})
	})

	authorized.GET("/verify/:id", func(c *gin.Context) {
		creds, ok := credentials(c)
		if !ok {
			return
		}

		status, err := uc.GetStatus(c.Request.Context(), creds.Subject, c.Param("id"))
		if err != nil {
			writeLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	authorized.DELETE("/verify/:id", func(c *gin.Context) {
		creds, ok := credentials(c)
		if !ok {
			return
		}

		if err := uc.Cancel(creds.Subject, c.Param("id")); err != nil {
			writeLookupError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"workflow_id": c.Param("id"), "status": "canceling"})
	})

	authorized.GET("/verify/:id/liveness", func(c *gin.Context) {
		creds, ok := credentials(c)
		if !ok {
			return
		}

		result, err := uc.FetchSessionResult(c.Request.Context(), creds, c.Param("id"))
		if err != nil {
			var apiErr *livenessclient.APIError
			switch {
			case errors.Is(err, usecase.ErrNoSession):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.As(err, &apiErr):
				c.JSON(http.StatusBadGateway, gin.H{"error": apiErr.Error()})
			default:
				writeLookupError(c, err)
			}
			return
		}
		c.JSON(http.StatusOK, result)
	})

	authorized.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func credentials(c *gin.Context) (auth.Credentials, bool) {
	creds, ok := auth.CredentialsFromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	}
	return creds, ok
}

func writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, usecase.ErrWorkflowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
