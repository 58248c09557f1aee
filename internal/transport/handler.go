package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/anime-shed/image-orchestrator/internal/config"
	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/orchestrator"
	"github.com/anime-shed/image-orchestrator/internal/repository"
	"github.com/anime-shed/image-orchestrator/pkg/models"
	"github.com/anime-shed/image-orchestrator/pkg/validation"
)

const version = "1.0.0"

// Service is the orchestrator as seen by the HTTP layer
type Service interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) models.AnalysisResult
	Metrics() orchestrator.Snapshot
	Config() config.Optimization
	UpdateConfig(ctx context.Context, ov config.OptimizationOverrides) error
	ClearCache()
	PreloadURLs(ctx context.Context, urls []string) error
}

// Options carries the HTTP-facing settings
type Options struct {
	ServiceName        string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
	// MetricsHandler serves GET /metrics when set
	MetricsHandler http.Handler
}

type handler struct {
	svc    Service
	repo   repository.ImageRepository
	images *validation.ImageValidator
	opts   Options
}

func NewHandler(svc Service, repo repository.ImageRepository, images *validation.ImageValidator, opts Options) http.Handler {
	if images == nil {
		images = validation.NewImageValidator()
	}
	h := &handler{svc: svc, repo: repo, images: images, opts: opts}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		otelgin.Middleware(opts.ServiceName),
		requestLogger(),
		requestSizeLimiter(opts.MaxRequestBodySize),
		errorHandler(),
	)

	r.GET("/health", healthCheck)
	if opts.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	v1 := r.Group("/v1")
	v1.POST("/analyze", h.analyze)
	v1.GET("/metrics", h.metrics)
	v1.DELETE("/cache", h.clearCache)
	v1.POST("/cache/preload", h.preload)
	v1.GET("/config", h.getConfig)
	v1.PATCH("/config", h.updateConfig)
	return r
}

func (h *handler) analyze(c *gin.Context) {
	ctx := c.Request.Context()
	if h.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
		defer cancel()
	}

	image, source, err := h.readImage(ctx, c)
	if err != nil {
		respondError(c, apperrors.GetStatusCode(err), "invalid analysis request", err)
		return
	}

	result := h.svc.Analyze(ctx, models.AnalysisRequest{Image: image, Source: source})
	logger.WithFields(logrus.Fields{
		"result_id":  result.ID,
		"source":     result.Provenance.Source,
		"degraded":   result.Provenance.Degraded,
		"confidence": result.Confidence,
	}).Info("image analysis served")
	c.JSON(http.StatusOK, result)
}

// readImage accepts a JSON body naming a URL, a multipart "image" field,
// or the raw image as the body
func (h *handler) readImage(ctx context.Context, c *gin.Context) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(c.ContentType())

	switch mediaType {
	case "application/json":
		var req models.AnalyzeURLRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, "", apperrors.NewValidationError("invalid request format", err)
		}
		if h.repo == nil {
			return nil, "", apperrors.NewConfigurationError("analysis by URL is not enabled", nil)
		}
		img, err := h.repo.FetchImage(ctx, req.URL)
		if err != nil {
			return nil, "", err
		}
		return img.Data, req.URL, nil

	case "multipart/form-data":
		header, err := c.FormFile("image")
		if err != nil {
			return nil, "", apperrors.NewValidationError("multipart field \"image\" is required", err)
		}
		f, err := header.Open()
		if err != nil {
			return nil, "", apperrors.NewValidationError("cannot open uploaded image", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", apperrors.NewValidationError("cannot read uploaded image", err)
		}
		if _, err := h.images.ValidateImage(data); err != nil {
			return nil, "", err
		}
		return data, header.Filename, nil

	default:
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, "", apperrors.NewValidationError("request body too large", err)
			}
			return nil, "", apperrors.NewValidationError("cannot read request body", err)
		}
		if _, err := h.images.ValidateImage(data); err != nil {
			return nil, "", err
		}
		return data, "upload", nil
	}
}

func (h *handler) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Metrics())
}

func (h *handler) clearCache(c *gin.Context) {
	h.svc.ClearCache()
	c.Status(http.StatusNoContent)
}

func (h *handler) preload(c *gin.Context) {
	var req models.PreloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid preload request", err)
		return
	}
	// preloading outlives the request; the orchestrator detaches it
	if err := h.svc.PreloadURLs(c.Request.Context(), req.URLs); err != nil {
		respondError(c, apperrors.GetStatusCode(err), "preload rejected", err)
		return
	}
	c.JSON(http.StatusAccepted, models.PreloadResponse{Accepted: len(req.URLs), Status: "accepted"})
}

func (h *handler) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Config())
}

func (h *handler) updateConfig(c *gin.Context) {
	var ov config.OptimizationOverrides
	if err := c.ShouldBindJSON(&ov); err != nil {
		respondError(c, http.StatusBadRequest, "invalid configuration overrides", err)
		return
	}
	if err := h.svc.UpdateConfig(c.Request.Context(), ov); err != nil {
		respondError(c, apperrors.GetStatusCode(err), "configuration rejected", err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Config())
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"ip":          c.ClientIP(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last().Err
			respondError(c, determineStatusCode(err), "request processing failed", err)
		}
	}
}

func determineStatusCode(err error) int {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, message string, err error) {
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	resp := models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp.Type = string(appErr.Type)
	}
	c.AbortWithStatusJSON(code, resp)
}
