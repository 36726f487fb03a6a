package biz

import (
	"context"
	"encoding/json"
	"fmt"

	"KiroGate/internal/conf"
	"KiroGate/internal/data"

	"github.com/go-kratos/kratos/v2/log"
)

// Alert threshold defaults; conf overrides each.
const (
	defaultMinAvailable     = 2
	defaultWarningAvailable = 5
	defaultMaxErrorRate     = 0.5
	defaultMaxDBFailures    = 3

	// The warning tier of the error-rate alert fires at this fraction of
	// the critical threshold.
	errorRateWarningFraction = 0.6
)

// HealthMonitor 周期巡检账户池并通过 webhook 告警。同一告警键
// 30 分钟内只发一次（去重在 WebhookService 内做），每次触发同时落
// system_logs 一条记录。
type HealthMonitor struct {
	pool    *AccountPool
	webhook data.WebhookService
	logs    *data.LogRepo
	logger  *log.Helper

	minAvailable     int64
	warningAvailable int64
	maxErrorRate     float64
	maxDBFailures    int64
}

// NewHealthMonitor wires the monitor from config.
func NewHealthMonitor(pool *AccountPool, webhook data.WebhookService, logs *data.LogRepo, ac *conf.Alert, logger log.Logger) *HealthMonitor {
	m := &HealthMonitor{
		pool:             pool,
		webhook:          webhook,
		logs:             logs,
		logger:           log.NewHelper(logger),
		minAvailable:     defaultMinAvailable,
		warningAvailable: defaultWarningAvailable,
		maxErrorRate:     defaultMaxErrorRate,
		maxDBFailures:    defaultMaxDBFailures,
	}
	if ac != nil {
		if ac.MinAvailableAccounts > 0 {
			m.minAvailable = int64(ac.MinAvailableAccounts)
		}
		if ac.WarningAvailableAccounts > 0 {
			m.warningAvailable = int64(ac.WarningAvailableAccounts)
		}
		if ac.MaxErrorAccountRate > 0 {
			m.maxErrorRate = ac.MaxErrorAccountRate
		}
		if ac.MaxDbConnectionFailures > 0 {
			m.maxDBFailures = int64(ac.MaxDbConnectionFailures)
		}
	}
	return m
}

// CheckOnce runs one monitoring sweep.
func (m *HealthMonitor) CheckOnce(ctx context.Context) error {
	available, err := m.pool.GetAvailableAccounts(ctx, nil)
	if err != nil {
		m.fire(ctx, &data.AlertEvent{
			Key:     "store_unreachable",
			Level:   data.AlertLevelCritical,
			Title:   "Account store unreachable",
			Message: fmt.Sprintf("listing available accounts failed: %v", err),
		})
		return err
	}

	availCount := int64(len(available))
	switch {
	case availCount < m.minAvailable:
		m.fire(ctx, &data.AlertEvent{
			Key:   "available_critical",
			Level: data.AlertLevelCritical,
			Title: "Available accounts critically low",
			Message: fmt.Sprintf("only %d available accounts (minimum %d)",
				availCount, m.minAvailable),
		})
	case availCount < m.warningAvailable:
		m.fire(ctx, &data.AlertEvent{
			Key:   "available_warning",
			Level: data.AlertLevelWarning,
			Title: "Available accounts running low",
			Message: fmt.Sprintf("%d available accounts (warning threshold %d)",
				availCount, m.warningAvailable),
		})
	}

	m.checkErrorRate(ctx)
	m.checkDBFailures(ctx)
	return nil
}

func (m *HealthMonitor) checkErrorRate(ctx context.Context) {
	health := m.pool.GetPoolHealth(ctx)
	if health.Total == 0 {
		return
	}
	rate := float64(health.Errors) / float64(health.Total)
	switch {
	case rate >= m.maxErrorRate:
		m.fire(ctx, &data.AlertEvent{
			Key:   "error_rate_critical",
			Level: data.AlertLevelCritical,
			Title: "Account error rate critical",
			Message: fmt.Sprintf("%d of %d accounts errored or banned (%.0f%%)",
				health.Errors, health.Total, rate*100),
		})
	case rate >= m.maxErrorRate*errorRateWarningFraction:
		m.fire(ctx, &data.AlertEvent{
			Key:   "error_rate_warning",
			Level: data.AlertLevelWarning,
			Title: "Account error rate elevated",
			Message: fmt.Sprintf("%d of %d accounts errored or banned (%.0f%%)",
				health.Errors, health.Total, rate*100),
		})
	}
}

func (m *HealthMonitor) checkDBFailures(ctx context.Context) {
	failures := m.pool.DBFailureCount()
	if failures < m.maxDBFailures {
		return
	}
	m.fire(ctx, &data.AlertEvent{
		Key:   "db_failures",
		Level: data.AlertLevelCritical,
		Title: "Repeated store connection failures",
		Message: fmt.Sprintf("%d store failures since the last sweep (threshold %d)",
			failures, m.maxDBFailures),
	})
	m.pool.ResetDBFailureCount()
}

// fire sends the webhook (deduped downstream) and records a system log row.
func (m *HealthMonitor) fire(ctx context.Context, event *data.AlertEvent) {
	if err := m.webhook.Notify(ctx, event); err != nil {
		m.logger.Warnw("msg", "alert notification failed", "key", event.Key, "error", err.Error())
	}
	details, _ := json.Marshal(map[string]string{"key": event.Key, "title": event.Title})
	m.logs.WriteSystemLog("alert", string(event.Level), event.Message, string(details))
}

// DetailedHealth assembles the /api/health/detailed payload.
type DetailedHealth struct {
	Pool      *PoolHealth     `json:"pool"`
	Refresher RefresherStatus `json:"refresher"`
	Store     bool            `json:"storeHealthy"`
}

// Detailed combines pool health with refresher state for the admin endpoint.
func (m *HealthMonitor) Detailed(ctx context.Context, refresher *TokenRefresher) *DetailedHealth {
	health := m.pool.GetPoolHealth(ctx)
	return &DetailedHealth{
		Pool:      health,
		Refresher: refresher.GetNextCheckInfo(),
		Store:     health.DBHealthy,
	}
}
