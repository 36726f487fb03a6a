// Package metrics exposes the Prometheus instruments shared by the HTTP
// layer and the background loops. All collectors register on the default
// registry and surface through GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChatRequests counts inbound chat API requests by path and status code.
	ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_requests_total",
		Help: "Inbound chat API requests by path and HTTP status code.",
	}, []string{"path", "code"})

	// VendorRetries counts account rotations triggered by upstream failures.
	VendorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vendor_retries_total",
		Help: "Account rotations caused by upstream failures, by disposition.",
	}, []string{"reason"})

	// TokenRefresh counts refresher outcomes per sweep.
	TokenRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_refresh_total",
		Help: "Token refresh attempts by result (ok, failed, skipped).",
	}, []string{"result"})

	// PoolActiveAccounts gauges the current active pool size.
	PoolActiveAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_active_accounts",
		Help: "Accounts currently serving in the active pool.",
	})

	// PoolHealthScore gauges the 0-100 composite pool health score.
	PoolHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_health_score",
		Help: "Composite pool health score, 0 (down) to 100 (healthy).",
	})
)
