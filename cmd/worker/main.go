package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"attendance/internal/attendance"
	"attendance/internal/config"
	"attendance/internal/metrics"
	"attendance/internal/prooftoken"
	"attendance/internal/queue"
	"attendance/internal/store"
)

// Worker consumes session-finalized events and normalizes the affected
// course day. Day normalization assumes the day's sessions are already
// finalized; when several close in a row, each event re-runs the same
// snapshot-based decision, so the last one wins with the full picture.
func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Env == "production" || cfg.Env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:finalized")
	}

	codec := prooftoken.NewCodec(cfg.JWTSigningKey, cfg.JWTIssuer)
	svc := attendance.NewService(attendance.NewPostgres(db.Client), codec, cfg.GeofenceMeters, cfg.ProofTokenTTL, logger)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	logger.Info("worker started, waiting for finalized sessions")
	for msg := range messages {
		if msg.Type != queue.TypeSessionFinalized {
			continue
		}

		var evt queue.SessionFinalized
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			logger.Warn("bad event payload", zap.String("id", msg.ID), zap.Error(err))
			continue
		}

		date, err := time.Parse("2006-01-02", evt.Date)
		if err != nil {
			logger.Warn("bad event date", zap.String("id", msg.ID), zap.String("date", evt.Date))
			continue
		}

		summary, err := svc.NormalizeDay(ctx, evt.CourseID, date)
		if err != nil {
			logger.Error("day normalization failed",
				zap.Int64("course_id", evt.CourseID),
				zap.String("date", evt.Date),
				zap.Error(err))
			continue
		}
		metrics.DaysNormalized.Inc()
		logger.Info("day normalized",
			zap.Int64("course_id", summary.CourseID),
			zap.String("date", summary.Date),
			zap.Int("attended", summary.AttendedCount),
			zap.Int("absent", summary.AbsentCount))
	}

	logger.Info("worker stopped")
}
