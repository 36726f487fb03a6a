package service

import (
	"net/http"
	"time"

	"KiroGate/internal/biz"
	"KiroGate/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// HealthService serves the liveness probe and the detailed admin health view.
type HealthService struct {
	pool      *biz.AccountPool
	refresher *biz.TokenRefresher
	monitor   *biz.HealthMonitor
	serverID  string
	started   time.Time
	logger    *log.Helper
}

// NewHealthService wires the health surface.
func NewHealthService(pool *biz.AccountPool, refresher *biz.TokenRefresher, monitor *biz.HealthMonitor, sc *conf.Server, logger log.Logger) *HealthService {
	serverID := ""
	if sc != nil {
		serverID = sc.Id
	}
	return &HealthService{
		pool:      pool,
		refresher: refresher,
		monitor:   monitor,
		serverID:  serverID,
		started:   time.Now(),
		logger:    log.NewHelper(logger),
	}
}

// Health handles GET /api/health.
func (s *HealthService) Health(ctx khttp.Context) error {
	r := ctx.Request()
	store := s.pool.ProbeHealth(r.Context())

	status := "ok"
	code := http.StatusOK
	if !store.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(ctx.Response(), code, map[string]interface{}{
		"status":        status,
		"serverId":      s.serverID,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"store":         store,
	})
	return nil
}

// DetailedHealth handles GET /api/health/detailed.
func (s *HealthService) DetailedHealth(ctx khttp.Context) error {
	r := ctx.Request()
	detail := s.monitor.Detailed(r.Context(), s.refresher)
	writeJSON(ctx.Response(), http.StatusOK, detail)
	return nil
}
