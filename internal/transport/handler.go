package transport

import (
	"context"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/anime-shed/avalanche-inspector-go/internal/config"
	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/internal/service"
	"github.com/anime-shed/avalanche-inspector-go/internal/storage"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

const (
	requestIDHeader = "X-Request-ID"
	apiKeyHeader    = "X-API-Key"
)

type handler struct {
	svc    service.AnalysisService
	source storage.ImageSource
	cfg    *config.Config
}

// NewHandler wires the HTTP API onto the analysis service. source resolves
// image_url submissions and may be nil, which disables them.
func NewHandler(svc service.AnalysisService, source storage.ImageSource, cfg *config.Config) http.Handler {
	h := &handler{svc: svc, source: source, cfg: cfg}

	r := gin.Default()

	r.Use(
		requestID(),
		corsMiddleware(cfg.CORSOrigins),
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	r.GET("/health", h.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := newClientLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	v1 := r.Group("/v1/analyses")
	v1.POST("", rateLimit(limiter), h.startAnalysis)
	v1.PUT("/:handle", rateLimit(limiter), h.restartAnalysis)
	v1.GET("/:handle", h.getPhase)
	v1.POST("/:handle/cancel", h.cancelAnalysis)
	v1.POST("/:handle/reset", h.resetAnalysis)
	v1.DELETE("/:handle", h.closeAnalysis)

	return r
}

func (h *handler) startAnalysis(c *gin.Context) {
	apiKey, image, ok := h.readSubmission(c)
	if !ok {
		return
	}

	handle, err := h.svc.StartAnalysis(image, apiKey)
	if err != nil {
		respondError(c, err)
		return
	}
	h.accepted(c, handle)
}

func (h *handler) restartAnalysis(c *gin.Context) {
	handle := service.Handle(c.Param("handle"))
	// Fail fast on unknown handles before reading a large body.
	if _, err := h.svc.Phase(handle); err != nil {
		respondError(c, err)
		return
	}

	apiKey, image, ok := h.readSubmission(c)
	if !ok {
		return
	}
	if err := h.svc.Restart(handle, image, apiKey); err != nil {
		respondError(c, err)
		return
	}
	h.accepted(c, handle)
}

func (h *handler) accepted(c *gin.Context, handle service.Handle) {
	p, err := h.svc.Phase(handle)
	if err != nil {
		respondError(c, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"session_id": handle,
		"seq":        p.Seq,
		"request_id": c.GetString("request_id"),
		"ip":         c.ClientIP(),
	}).Info("Analysis accepted")

	c.Header("Location", "/v1/analyses/"+string(handle))
	c.JSON(http.StatusAccepted, models.StartAnalysisResponse{
		Handle: string(handle),
		Seq:    p.Seq,
		State:  string(p.State),
	})
}

func (h *handler) getPhase(c *gin.Context) {
	handle := service.Handle(c.Param("handle"))
	p, err := h.svc.Phase(handle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPhaseResponse(handle, p))
}

func (h *handler) cancelAnalysis(c *gin.Context) {
	h.mutate(c, h.svc.Cancel)
}

func (h *handler) resetAnalysis(c *gin.Context) {
	h.mutate(c, h.svc.Reset)
}

func (h *handler) mutate(c *gin.Context, op func(service.Handle) error) {
	handle := service.Handle(c.Param("handle"))
	if err := op(handle); err != nil {
		respondError(c, err)
		return
	}
	h.getPhase(c)
}

func (h *handler) closeAnalysis(c *gin.Context) {
	if err := h.svc.Close(service.Handle(c.Param("handle"))); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "available",
		"version":         "1.0.0",
		"provider":        h.cfg.Provider,
		"model":           h.cfg.Model,
		"active_sessions": h.svc.ActiveSessions(),
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}

// readSubmission extracts the credential and the photo bytes, either from a
// multipart "image" upload or from a JSON image_url the server fetches.
func (h *handler) readSubmission(c *gin.Context) (string, []byte, bool) {
	apiKey := apiKeyFrom(c.Request)
	if apiKey == "" {
		respondError(c, apperrors.NewAuthError("missing API key; send Authorization: Bearer <key> or X-API-Key", nil))
		return "", nil, false
	}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, err := c.FormFile("image")
		if err != nil {
			respondError(c, bodyError(err, "multipart field \"image\" is required"))
			return "", nil, false
		}
		image, err := readUpload(file)
		if err != nil {
			respondError(c, bodyError(err, "failed to read uploaded image"))
			return "", nil, false
		}
		return apiKey, image, true
	}

	var req models.AnalysisSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bodyError(err, "send a multipart \"image\" upload or JSON {\"image_url\": ...}"))
		return "", nil, false
	}
	if h.source == nil {
		respondError(c, apperrors.NewValidationError("image_url submissions are disabled", nil))
		return "", nil, false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.ImageFetchTimeout)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"url":        req.ImageURL,
		"request_id": c.GetString("request_id"),
	}).Debug("Fetching image")

	image, err := h.source.Fetch(ctx, req.ImageURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = apperrors.NewTimeoutError("image fetch timed out", err)
		}
		respondError(c, apperrors.Wrap(err, apperrors.KindTransport, "failed to fetch image"))
		return "", nil, false
	}
	return apiKey, image, true
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func apiKeyFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, found := strings.Cut(auth, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(apiKeyHeader))
}

// bodyError maps request body failures; an oversized body is a 413.
func bodyError(err error, msg string) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return apperrors.NewEncodingTooLargeError("request body exceeds the size limit", err)
	}
	return apperrors.NewValidationError(msg, err)
}

func toPhaseResponse(handle service.Handle, p models.Phase) models.PhaseResponse {
	resp := models.PhaseResponse{
		Handle:     string(handle),
		State:      string(p.State),
		Seq:        p.Seq,
		Assessment: p.Assessment,
		UpdatedAt:  p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !p.StartedAt.IsZero() {
		resp.StartedAt = p.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if p.Err != nil {
		resp.Error = &models.ErrorBody{
			Kind:              string(p.Err.Kind),
			Stage:             string(p.Err.Stage),
			Message:           p.Err.Message,
			Details:           p.Err.Details,
			RetryAfterSeconds: int(math.Ceil(p.Err.RetryAfter.Seconds())),
			Transient:         p.Err.Transient(),
		}
	}
	return resp
}

// Middleware and helper functions
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", apiKeyHeader, requestIDHeader},
		ExposeHeaders: []string{"Location", "Retry-After", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			break
		}
	}
	if !cfg.AllowAllOrigins {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			respondError(c, c.Errors.Last().Err)
		}
	}
}

func determineStatusCode(err error) int {
	// Check if it's a custom app error first
	if appErr, ok := apperrors.As(err); ok {
		return appErr.StatusCode
	}

	// Fallback to context-based errors
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := determineStatusCode(err)
	body := models.ErrorResponse{Error: http.StatusText(code), Message: err.Error()}

	if appErr, ok := apperrors.As(err); ok {
		body.Kind = string(appErr.Kind)
		body.Message = appErr.Message
		if appErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(appErr.RetryAfter.Seconds()))))
		}
	}

	entry := logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
		"request_id":  c.GetString("request_id"),
	})
	if code >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	c.AbortWithStatusJSON(code, body)
}
