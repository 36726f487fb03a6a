package data

import (
	"context"
	"fmt"
	"time"

	"KiroGate/internal/conf"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Transient-retry policy for storage operations: base 100ms, x2, cap 2s,
// 3 attempts total.
const (
	retryBaseInterval = 100 * time.Millisecond
	retryMaxInterval  = 2 * time.Second
	retryMaxAttempts  = 3
)

// NewMySQLClient creates the GORM MySQL client with pooling configured for
// many concurrent streaming requests.
func NewMySQLClient(c *conf.Data, l log.Logger) (*gorm.DB, func(), error) {
	helper := log.NewHelper(l)

	if c.Database == nil || c.Database.Source == "" {
		return nil, nil, fmt.Errorf("database configuration is required")
	}

	gormLogger := logger.New(
		&gormLogAdapter{helper: helper},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(mysql.Open(c.Database.Source), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	helper.Info("MySQL connection established")

	cleanup := func() {
		helper.Info("closing MySQL connection")
		if err := sqlDB.Close(); err != nil {
			helper.Errorf("failed to close MySQL: %v", err)
		}
	}

	return db, cleanup, nil
}

// WithRetry 对暂时性存储错误（连接丢失、死锁、锁等待超时）做指数退避重试，
// 其余错误立即上抛。
func WithRetry(ctx context.Context, helper *log.Helper, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseInterval
	policy.Multiplier = 2
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if attempt < retryMaxAttempts && pkgerrors.IsRetryableError(err) {
			if helper != nil {
				helper.Warnw("msg", "retrying transient storage error",
					"op", op, "attempt", attempt, "error", err.Error())
			}
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
}

// HealthStatus is the storage probe result.
type HealthStatus struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latencyMs"`
}

// Healthcheck executes SELECT 1 and reports latency.
func Healthcheck(ctx context.Context, db *gorm.DB) HealthStatus {
	start := time.Now()
	var one int
	err := db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
	return HealthStatus{
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// Transact runs fn inside a transaction. The GORM default transaction is
// disabled globally, so every multi-statement mutation goes through here.
func Transact(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}

// gormLogAdapter adapts the Kratos log.Helper to the GORM logger interface.
type gormLogAdapter struct {
	helper *log.Helper
}

// Printf implements gorm/logger.Writer.
func (g *gormLogAdapter) Printf(format string, v ...interface{}) {
	g.helper.Infof(format, v...)
}
