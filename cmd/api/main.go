package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendance/internal/attendance"
	"attendance/internal/auth"
	"attendance/internal/config"
	"attendance/internal/geo"
	"attendance/internal/httpmiddleware"
	"attendance/internal/metrics"
	"attendance/internal/prooftoken"
	"attendance/internal/queue"
	"attendance/internal/store"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if env == "production" || env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	return logger
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	var (
		db       *store.DB
		engStore attendance.Store
		err      error
	)
	if cfg.StoreBackend == "memory" {
		engStore = attendance.NewMemStore()
		logger.Warn("using in-memory store; enrollments and policies start empty")
	} else {
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if cfg.MigrateOnStart {
			if err := db.Migrate(context.Background(), cfg.MigrationsDir); err != nil {
				return err
			}
		}
		engStore = attendance.NewPostgres(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:finalized")
	}

	codec := prooftoken.NewCodec(cfg.JWTSigningKey, cfg.JWTIssuer)
	svc := attendance.NewService(engStore, codec, cfg.GeofenceMeters, cfg.ProofTokenTTL, logger)

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Stand-in for the external identity provider: hands out the verified
	// (user_id, role) pair the engine trusts.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			UserID int64  `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required,oneof=student instructor admin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, exp, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	instructors := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleInstructor, auth.RoleAdmin))

	instructors.POST("/sessions/token", func(c *gin.Context) {
		var req struct {
			SessionID         int64   `json:"session_id"`
			CourseID          int64   `json:"course_id"`
			Date              string  `json:"date"`
			ScheduledTime     string  `json:"scheduled_time"`
			Topic             string  `json:"topic"`
			Room              string  `json:"room"`
			ExpectedScanCount int     `json:"expected_scan_count" binding:"required,min=1"`
			Latitude          float64 `json:"latitude"`
			Longitude         float64 `json:"longitude"`
			TTLSeconds        int     `json:"ttl_seconds"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		in := attendance.IssueInput{
			SessionID:         req.SessionID,
			CourseID:          req.CourseID,
			ScheduledTime:     req.ScheduledTime,
			Topic:             req.Topic,
			Room:              req.Room,
			ExpectedScanCount: req.ExpectedScanCount,
			Latitude:          req.Latitude,
			Longitude:         req.Longitude,
			TTL:               time.Duration(req.TTLSeconds) * time.Second,
		}
		if req.SessionID == 0 {
			date, err := time.Parse("2006-01-02", req.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			if req.CourseID == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "course_id required for a new session"})
				return
			}
			in.Date = date
		}

		token, sess, err := svc.IssueToken(c.Request.Context(), in)
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.TokensIssued.Inc()

		ttl := in.TTL
		if ttl <= 0 {
			ttl = cfg.ProofTokenTTL
		}
		c.JSON(http.StatusCreated, gin.H{
			"proof_token":         token,
			"session_id":          sess.ID,
			"expected_scan_count": sess.ExpectedScanCount,
			"expires_in_seconds":  int(ttl.Seconds()),
		})
	})

	instructors.POST("/sessions/:id/close", func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		summary, err := svc.FinalizeSession(c.Request.Context(), sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.SessionsFinalized.Inc()

		sess, err := engStore.GetSession(c.Request.Context(), sessionID)
		if err == nil && sess != nil {
			msg, merr := queue.NewMessage(queue.TypeSessionFinalized, queue.SessionFinalized{
				SessionID: sess.ID,
				CourseID:  sess.CourseID,
				Date:      sess.Date.Format("2006-01-02"),
			})
			if merr == nil {
				if perr := q.Publish(c.Request.Context(), msg); perr != nil {
					logger.Warn("queue publish failed", zap.Error(perr))
				}
			}
		}

		c.JSON(http.StatusOK, summary)
	})

	instructors.POST("/normalize", func(c *gin.Context) {
		var req struct {
			CourseID int64  `json:"course_id" binding:"required"`
			Date     string `json:"date" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		summary, err := svc.NormalizeDay(c.Request.Context(), req.CourseID, date)
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.DaysNormalized.Inc()
		c.JSON(http.StatusOK, summary)
	})

	instructors.GET("/sessions/:id/records", func(c *gin.Context) {
		sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		records, err := svc.Records(c.Request.Context(), sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	students := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	students.POST("/scans", func(c *gin.Context) {
		var req struct {
			SessionID       int64  `json:"session_id" binding:"required"`
			ProofToken      string `json:"proof_token" binding:"required"`
			StudentLocation *struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"student_location"`
			DeviceID string `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims, ok := auth.CallerClaims(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
			return
		}

		in := attendance.ScanInput{
			SessionID:  req.SessionID,
			ProofToken: req.ProofToken,
			StudentID:  claims.UserID,
			DeviceID:   req.DeviceID,
		}
		if req.StudentLocation != nil {
			lat, lng := req.StudentLocation.Latitude, req.StudentLocation.Longitude
			in.Latitude, in.Longitude = &lat, &lng
		}

		outcome, err := svc.RecordScan(c.Request.Context(), in)
		if err != nil {
			metrics.ScansRejected.WithLabelValues(reason(err)).Inc()
			respondError(c, err)
			return
		}
		metrics.ScansAccepted.Inc()
		c.JSON(http.StatusOK, outcome)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

// reason maps an engine error to its machine-readable rejection kind.
func reason(err error) string {
	switch {
	case errors.Is(err, prooftoken.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, prooftoken.ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, attendance.ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, attendance.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, attendance.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, attendance.ErrNotEnrolled):
		return "not_enrolled"
	case errors.Is(err, attendance.ErrGeofenceViolation):
		return "geofence_violation"
	case errors.Is(err, geo.ErrInvalidLocation):
		return "invalid_location"
	case errors.Is(err, attendance.ErrConcurrencyConflict):
		return "concurrency_conflict"
	default:
		return "internal"
	}
}

// respondError turns an engine rejection into a caller-visible response.
// The message tells the student what to do next: refresh the code, check
// eligibility, or move closer.
func respondError(c *gin.Context, err error) {
	kind := reason(err)
	status := http.StatusInternalServerError
	msg := "internal error"
	switch kind {
	case "token_expired":
		status, msg = http.StatusUnauthorized, "code expired, scan a fresh one"
	case "token_invalid":
		status, msg = http.StatusUnauthorized, "code not recognized, scan a fresh one"
	case "session_mismatch":
		status, msg = http.StatusBadRequest, "code belongs to a different session"
	case "session_not_found":
		status, msg = http.StatusNotFound, "session not found"
	case "session_closed":
		status, msg = http.StatusConflict, "session already closed"
	case "not_enrolled":
		status, msg = http.StatusForbidden, "you are not enrolled in this course"
	case "geofence_violation":
		status, msg = http.StatusForbidden, "you are too far from the classroom"
	case "invalid_location":
		status, msg = http.StatusBadRequest, "location coordinates are invalid"
	case "concurrency_conflict":
		status, msg = http.StatusConflict, "busy, retry the scan"
	}
	c.JSON(status, gin.H{"error": msg, "reason": kind})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
