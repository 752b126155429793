// Package httpapi serves the public submission endpoint and the admin API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/analytics"
	"github.com/reasonstostay/letterflow/internal/diagnostics"
	"github.com/reasonstostay/letterflow/internal/importer"
	"github.com/reasonstostay/letterflow/internal/iputil"
	"github.com/reasonstostay/letterflow/internal/jobqueue"
	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/moderation"
	"github.com/reasonstostay/letterflow/internal/pump"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlation_id"
	claimsKey         = "token_claims"
	maxLetterRunes    = 20000
)

type ServerConfig struct {
	JWTSecret      string
	MaxBodyBytes   int64
	MaxUploadBytes int64
	SubmitRate     float64
	SubmitBurst    int
	Resolver       iputil.Resolver
	UploadDir      string
	BackendProfile string
}

// Deps are the services behind the routes. Nil services make their routes answer 503.
type Deps struct {
	Store       storage.Store
	Admin       *moderation.Admin
	Importer    *importer.Orchestrator
	Pump        *pump.Pump
	Queue       *jobqueue.Scheduler
	Analytics   *analytics.Aggregator
	Diagnostics *diagnostics.Log
	Hasher      *iputil.Hasher
	Logger      *zap.Logger
	Now         func() time.Time
}

type Server struct {
	cfg     ServerConfig
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time
	limiter *submitLimiter
	router  *gin.Engine
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(os.TempDir(), "letterflow-uploads")
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		now:     deps.Now,
		limiter: newSubmitLimiter(cfg.SubmitRate, cfg.SubmitBurst),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.correlation(), s.accessLog())
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/v1/letters", s.handleSubmit)

	read := s.requireScope(ScopeAdminRead, ScopeAdminWrite)
	write := s.requireScope(ScopeAdminWrite)
	imports := s.requireScope(ScopeImport, ScopeAdminWrite)

	admin := r.Group("/v1/admin", s.requireStore())
	admin.GET("/dashboard", read, s.handleDashboard)
	admin.GET("/backends", read, s.handleBackends)
	admin.GET("/review", read, s.handleReviewQueue)
	admin.GET("/letters/:id", read, s.handleGetLetter)
	admin.POST("/letters/:id/approve", write, s.handleApprove)
	admin.POST("/letters/:id/override", write, s.handleOverride)
	admin.POST("/letters/:id/recheck", write, s.handleRecheck)
	admin.POST("/letters/:id/delete", write, s.handleSoftDelete)
	admin.POST("/letters/:id/restore", write, s.handleRestore)
	admin.GET("/scan/settings", read, s.handleGetScanSettings)
	admin.PUT("/scan/settings", write, s.handlePutScanSettings)
	admin.POST("/scan/run", write, s.handleRunScan)
	admin.GET("/moderation/settings", read, s.handleGetModerationSettings)
	admin.PUT("/moderation/settings", write, s.handlePutModerationSettings)
	admin.POST("/imports/upload", imports, s.handleImportUpload)
	admin.GET("/imports/current", read, s.handleImportCurrent)
	admin.POST("/imports/cancel", imports, s.handleImportCancel)
	admin.GET("/analytics", read, s.handleAnalytics)
	admin.POST("/analytics/rebuild", write, s.handleAnalyticsRebuild)
	admin.GET("/diagnostics", read, s.handleDiagnostics)
	admin.DELETE("/diagnostics", write, s.handleClearDiagnostics)
	admin.GET("/diagnostics/stream", s.queryToken(), read, s.handleDiagnosticsStream)
	return r
}

func (s *Server) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("correlation_id", c.GetString(correlationKey)),
		)
	}
}

func (s *Server) requireScope(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, authErr := authorizeBearer(c.GetHeader("Authorization"), s.cfg.JWTSecret, s.now().UTC(), scopes...)
		if authErr != nil {
			writeError(c, authErr.status, authErr.code, authErr.message)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (s *Server) requireStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Store == nil {
			writeError(c, http.StatusServiceUnavailable, "unavailable", "letter store is not configured")
			return
		}
		c.Next()
	}
}

// queryToken lets browser websocket clients pass the bearer token as access_token.
func (s *Server) queryToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if token := c.Query("access_token"); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}

type submitRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	if s.deps.Store == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "letter store is not configured")
		return
	}
	now := s.now().UTC()
	ip := s.cfg.Resolver.ClientIP(c.Request)
	limitKey := ip
	if limitKey == "" {
		limitKey = "unknown"
	}
	if !s.limiter.allow(limitKey, now) {
		submissions.WithLabelValues("rate_limited").Inc()
		c.Header("Retry-After", strconv.Itoa(s.limiter.retryAfter()))
		writeError(c, http.StatusTooManyRequests, "rate_limited", "too many submissions, try again shortly")
		return
	}

	var req submitRequest
	if !s.decodeJSONBody(c, &req) {
		submissions.WithLabelValues("invalid").Inc()
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		submissions.WithLabelValues("invalid").Inc()
		writeError(c, http.StatusBadRequest, "bad_request", "content is required")
		return
	}
	if utf8.RuneCountInString(content) > maxLetterRunes {
		submissions.WithLabelValues("invalid").Inc()
		writeError(c, http.StatusBadRequest, "bad_request", "content exceeds "+strconv.Itoa(maxLetterRunes)+" characters")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Letter " + now.Format("2006-01-02")
	}

	ctx := c.Request.Context()
	id, err := s.deps.Store.CreateLetter(ctx, letters.Letter{
		Title:   title,
		Content: content,
		Status:  letters.StatusPending,
	}, letters.OriginSubmission)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	meta := map[string]string{letters.MetaStage: string(letters.StageUnprocessed)}
	if iputil.Valid(ip) {
		normalized := iputil.Normalize(ip)
		meta[letters.MetaSubmissionIP] = normalized
		if s.deps.Hasher != nil {
			meta[letters.MetaSubmissionIPHash] = s.deps.Hasher.Hash(normalized)
		}
	}
	for key, value := range meta {
		if err := s.deps.Store.SetMeta(ctx, id, key, value); err != nil {
			s.writeDomainError(c, err)
			return
		}
	}
	submissions.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusAccepted, gin.H{"id": id, "stage": letters.StageUnprocessed})
}

func (s *Server) handleBackends(c *gin.Context) {
	status := gin.H{
		"profile":   s.cfg.BackendProfile,
		"storeKind": "none",
		"queueKind": s.deps.Queue.Kind(),
	}
	if s.deps.Store != nil {
		status["storeKind"] = s.deps.Store.Kind()
	}
	if depth, err := s.deps.Queue.Pending(c.Request.Context()); err == nil {
		status["queueDepth"] = depth
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleReviewQueue(c *gin.Context) {
	if s.deps.Admin == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "moderation is not configured")
		return
	}
	limit := parseBoundedInt(c.Query("limit"), 20, 1, 100)
	offset := parseBoundedInt(c.Query("offset"), 0, 0, 1<<20)
	items, err := s.deps.Admin.ReviewQueue(c.Request.Context(), limit, offset)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) handleGetLetter(c *gin.Context) {
	id, ok := letterID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	letter, err := s.deps.Store.GetLetter(ctx, id)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	meta, err := s.deps.Store.AllMeta(ctx, id)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"letter": letter, "meta": meta})
}

func (s *Server) handleApprove(c *gin.Context) {
	s.adminAction(c, func(ctx context.Context, id int64) (any, error) {
		if err := s.deps.Admin.Approve(ctx, id); err != nil {
			return nil, err
		}
		return gin.H{"id": id, "stage": letters.StagePublished}, nil
	})
}

func (s *Server) handleOverride(c *gin.Context) {
	s.adminAction(c, func(ctx context.Context, id int64) (any, error) {
		return s.deps.Admin.Override(ctx, id)
	})
}

func (s *Server) handleRecheck(c *gin.Context) {
	s.adminAction(c, func(ctx context.Context, id int64) (any, error) {
		return s.deps.Admin.Recheck(ctx, id)
	})
}

type deleteRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSoftDelete(c *gin.Context) {
	var req deleteRequest
	if c.Request.ContentLength != 0 && !s.decodeJSONBody(c, &req) {
		return
	}
	s.adminAction(c, func(ctx context.Context, id int64) (any, error) {
		if err := s.deps.Admin.SoftDelete(ctx, id, req.Reason); err != nil {
			return nil, err
		}
		return gin.H{"id": id, "status": letters.StatusTrash}, nil
	})
}

func (s *Server) handleRestore(c *gin.Context) {
	s.adminAction(c, func(ctx context.Context, id int64) (any, error) {
		if err := s.deps.Admin.Restore(ctx, id); err != nil {
			return nil, err
		}
		letter, err := s.deps.Store.GetLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		return gin.H{"id": id, "status": letter.Status}, nil
	})
}

func (s *Server) adminAction(c *gin.Context, action func(ctx context.Context, id int64) (any, error)) {
	if s.deps.Admin == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "moderation is not configured")
		return
	}
	id, ok := letterID(c)
	if !ok {
		return
	}
	result, err := action(c.Request.Context(), id)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetScanSettings(c *gin.Context) {
	settings, err := pump.LoadSettings(c.Request.Context(), s.deps.Store)
	if err != nil {
		s.logger.Warn("scan settings unreadable", zap.Error(err))
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutScanSettings(c *gin.Context) {
	ctx := c.Request.Context()
	settings, _ := pump.LoadSettings(ctx, s.deps.Store)
	if !s.decodeJSONBody(c, &settings) {
		return
	}
	saved, err := pump.SaveSettings(ctx, s.deps.Store, settings)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	if s.deps.Pump != nil && saved.AutoEnabled {
		if _, err := s.deps.Pump.EnsureScheduled(ctx); err != nil && !errors.Is(err, jobqueue.ErrUnavailable) {
			s.logger.Warn("schedule scan tick after settings change failed", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) handleRunScan(c *gin.Context) {
	if s.deps.Pump == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "scan pump is not configured")
		return
	}
	result, err := s.deps.Pump.RunNow(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetModerationSettings(c *gin.Context) {
	settings, err := moderation.LoadSettings(c.Request.Context(), s.deps.Store)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutModerationSettings(c *gin.Context) {
	ctx := c.Request.Context()
	settings, err := moderation.LoadSettings(ctx, s.deps.Store)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	if !s.decodeJSONBody(c, &settings) {
		return
	}
	if err := moderation.SaveSettings(ctx, s.deps.Store, settings); err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleImportUpload(c *gin.Context) {
	if s.deps.Importer == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "importer is not configured")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || c.Request.ContentLength > s.cfg.MaxUploadBytes {
			writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds configured limit")
			return
		}
		writeError(c, http.StatusBadRequest, "bad_request", "multipart field file is required")
		return
	}
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.writeDomainError(c, err)
		return
	}
	dst := filepath.Join(s.cfg.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(file.Filename)))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		s.writeDomainError(c, err)
		return
	}
	// Batches carry their records, so the file is not needed once the import is queued.
	defer os.Remove(dst)

	result, err := s.deps.Importer.StartImport(c.Request.Context(), dst)
	if err != nil {
		var startErr *importer.StartError
		if errors.As(err, &startErr) {
			status := http.StatusBadRequest
			switch startErr.Code {
			case importer.CodeQueueUnavailable:
				status = http.StatusServiceUnavailable
			case importer.CodeJSONTooLarge:
				status = http.StatusRequestEntityTooLarge
			}
			writeError(c, status, startErr.Code, startErr.Error())
			return
		}
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleImportCurrent(c *gin.Context) {
	if s.deps.Importer == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "importer is not configured")
		return
	}
	status, ok, err := s.deps.Importer.Current(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "no_active_job", importer.ErrNoActiveJob.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "complete": status.Complete()})
}

func (s *Server) handleImportCancel(c *gin.Context) {
	if s.deps.Importer == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "importer is not configured")
		return
	}
	status, err := s.deps.Importer.Cancel(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": status.JobID})
}

func (s *Server) handleAnalytics(c *gin.Context) {
	if s.deps.Analytics == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "analytics is not configured")
		return
	}
	ctx := c.Request.Context()
	snapshot, err := s.deps.Analytics.Snapshot(ctx)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	counts, err := s.deps.Analytics.Counts(ctx)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snapshot, "counts": counts})
}

func (s *Server) handleAnalyticsRebuild(c *gin.Context) {
	if s.deps.Analytics == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "analytics is not configured")
		return
	}
	snapshot, err := s.deps.Analytics.Rebuild(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	if s.deps.Diagnostics == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "diagnostics are not configured")
		return
	}
	ctx := c.Request.Context()
	entries, err := s.deps.Diagnostics.Entries(ctx, parseBoundedInt(c.Query("limit"), 50, 1, diagnostics.DefaultCapacity))
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	state, err := s.deps.Diagnostics.State(ctx)
	if err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "state": state})
}

func (s *Server) handleClearDiagnostics(c *gin.Context) {
	if s.deps.Diagnostics == nil {
		writeError(c, http.StatusServiceUnavailable, "unavailable", "diagnostics are not configured")
		return
	}
	if err := s.deps.Diagnostics.Clear(c.Request.Context()); err != nil {
		s.writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func letterID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid letter id")
		return 0, false
	}
	return id, true
}

// writeDomainError maps service errors onto the error envelope.
func (s *Server) writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, moderation.ErrNotALetter):
		writeError(c, http.StatusNotFound, "not_found", "letter not found")
	case errors.Is(err, moderation.ErrInvalidTransition):
		writeError(c, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, importer.ErrNoActiveJob):
		writeError(c, http.StatusNotFound, "no_active_job", err.Error())
	case errors.Is(err, jobqueue.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "queue_unavailable", err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("correlation_id", c.GetString(correlationKey)),
			zap.Error(err),
		)
		writeError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (s *Server) readRequestBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(c, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(c *gin.Context, dst any) bool {
	body, ok := s.readRequestBody(c)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":          code,
		"message":       message,
		"correlationId": c.GetString(correlationKey),
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
