package data

import (
	"context"
	"time"

	"KiroGate/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// defaultDeleteRateWindow applies when the sync config omits a window.
const defaultDeleteRateWindow = 5 * time.Minute

// RateLimitRepo enforces the per-caller fixed window used by destructive
// sync operations. Counters live in Redis (INCR + first-hit expiry), so the
// window holds across process replicas.
type RateLimitRepo struct {
	cache  CacheClient
	window time.Duration
	logger *log.Helper
}

// NewRateLimitRepo creates the rate limit repository.
func NewRateLimitRepo(cache CacheClient, sc *conf.Sync, logger log.Logger) *RateLimitRepo {
	window := defaultDeleteRateWindow
	if sc != nil && sc.DeleteRateWindow != nil && sc.DeleteRateWindow.AsDuration() > 0 {
		window = sc.DeleteRateWindow.AsDuration()
	}
	return &RateLimitRepo{
		cache:  cache,
		window: window,
		logger: log.NewHelper(logger),
	}
}

// AllowSyncDelete 判定来源 IP 在窗口内是否还允许一次同步删除。
// Redis 不可用时放行（限流是防护而不是正确性约束），但会记录告警日志。
func (r *RateLimitRepo) AllowSyncDelete(ctx context.Context, ip string) bool {
	if r.cache == nil {
		return true
	}

	key := BuildCacheKey(CacheKeySyncRate, ip)
	count, err := r.cache.Incr(ctx, key, r.window)
	if err != nil {
		r.logger.Warnw("msg", "sync delete rate check unavailable, allowing", "ip", ip, "error", err.Error())
		return true
	}
	if count > 1 {
		r.logger.Warnw("msg", "sync delete rate limited", "ip", ip, "count", count, "window", r.window.String())
		return false
	}
	return true
}

// Window returns the configured fixed window, for error messages.
func (r *RateLimitRepo) Window() time.Duration {
	return r.window
}
