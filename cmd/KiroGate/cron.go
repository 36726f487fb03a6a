package main

import (
	"context"
	"time"

	"KiroGate/internal/biz"
	"KiroGate/internal/data"
	"KiroGate/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// newSchedulers 注册全部后台任务：Token 刷新、活跃池维护、
// 池健康巡检、请求日志清理。返回的 cron 由 app 生命周期启停。
func newSchedulers(
	refresher *biz.TokenRefresher,
	pool *biz.AccountPool,
	monitor *biz.HealthMonitor,
	logs *data.LogRepo,
	logger log.Logger,
) *cron.Cron {
	helper := log.NewHelper(logger)
	c := cron.New(cron.WithSeconds())

	// Token refresh sweep on the configured interval. The refresher is
	// leader-gated internally, so followers register a no-op tick.
	interval := refresher.Interval()
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := refresher.RunOnce(ctx); err != nil {
			helper.Errorw("msg", "token refresh sweep failed", "error", err.Error())
		}
	}))

	// Active pool maintenance: promotions from cooling, demotion cleanup
	// and the pool gauges.
	_, _ = c.AddFunc("0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pool.MaintainActivePool(ctx); err != nil {
			helper.Warnw("msg", "active pool maintenance failed", "error", err.Error())
		}
		health := pool.GetPoolHealth(ctx)
		metrics.PoolActiveAccounts.Set(float64(health.Active))
		metrics.PoolHealthScore.Set(float64(health.Score))
	})

	// Pool health monitor: alerts to the system log and the webhook.
	_, _ = c.AddFunc("0 */5 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := monitor.CheckOnce(ctx); err != nil {
			helper.Warnw("msg", "pool health check failed", "error", err.Error())
		}
	})

	// Hourly request log cleanup.
	_, _ = c.AddFunc("0 0 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		deleted, err := logs.CleanupOlderThan(ctx, data.LogRetention)
		if err != nil {
			helper.Warnw("msg", "request log cleanup failed", "error", err.Error())
			return
		}
		if deleted > 0 {
			helper.Infow("msg", "request logs cleaned", "deleted", deleted)
		}
	})

	return c
}
