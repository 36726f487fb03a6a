package biz

import (
	"context"
	"strings"
	"sync"
	"time"

	"KiroGate/internal/conf"
	"KiroGate/internal/data"
	"KiroGate/internal/kiro"
	"KiroGate/internal/metrics"
	"KiroGate/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/semaphore"
)

// Refresher defaults; conf overrides each.
const (
	defaultRefreshInterval    = 5 * time.Minute
	defaultRefreshConcurrency = 3
	refreshLockTimeoutSec     = 60
	refreshStagger            = 100 * time.Millisecond

	// The refresh window is clamped to this range regardless of config.
	minRefreshWindow = 10 * time.Minute
	maxRefreshWindow = 30 * time.Minute

	// banFailThreshold consecutive failures with a credential-invalidation
	// pattern flip the account to banned. Generic failures never escalate.
	banFailThreshold = 3
)

// RefresherStatus is the diagnostic snapshot for the refresh loop.
// Durations are reported in milliseconds.
type RefresherStatus struct {
	Enabled            bool      `json:"enabled"`
	Leader             bool      `json:"leader"`
	IsRunning          bool      `json:"isRunning"`    // loop scheduled on this instance
	IsRefreshing       bool      `json:"isRefreshing"` // a sweep is in flight right now
	LastCheckTime      time.Time `json:"lastCheckTime,omitempty"`
	NextCheckTime      time.Time `json:"nextCheckTime,omitempty"`
	CheckInterval      int64     `json:"checkInterval"`
	TimeUntilNextCheck int64     `json:"timeUntilNextCheck"`
	RetryQueueSize     int       `json:"retryQueueSize"`
	LastChecked        int       `json:"lastChecked"`
	LastRefreshed      int       `json:"lastRefreshed"`
	LastFailed         int       `json:"lastFailed"`
	LastSkipped        int       `json:"lastSkipped"`
}

// TokenRefresher 在后台轮换临近过期的访问令牌。单副本执行
// （WORKER_INDEX=0 的实例为 leader），每个账户持分布式锁刷新，
// 锁被他人持有时直接跳过，留给下个周期。
type TokenRefresher struct {
	accounts *data.AccountRepo
	pool     *AccountPool
	lock     *data.DistributedLock
	cache    data.CacheClient
	client   *kiro.Client
	logger   *log.Helper

	disabled    bool
	leader      bool
	interval    time.Duration
	window      time.Duration
	lockTimeout int
	concurrency int64

	mu         sync.Mutex
	refreshing bool
	status     RefresherStatus
}

// NewTokenRefresher wires the refresher from config.
func NewTokenRefresher(accounts *data.AccountRepo, pool *AccountPool, lock *data.DistributedLock, cache data.CacheClient, client *kiro.Client, rc *conf.Refresh, logger log.Logger) *TokenRefresher {
	r := &TokenRefresher{
		accounts:    accounts,
		pool:        pool,
		lock:        lock,
		cache:       cache,
		client:      client,
		logger:      log.NewHelper(logger),
		leader:      true,
		interval:    defaultRefreshInterval,
		window:      minRefreshWindow,
		lockTimeout: refreshLockTimeoutSec,
		concurrency: defaultRefreshConcurrency,
	}
	if rc != nil {
		r.disabled = rc.Disabled
		r.leader = rc.WorkerIndex == 0
		if rc.Interval != nil && rc.Interval.AsDuration() > 0 {
			r.interval = rc.Interval.AsDuration()
		}
		if rc.Window != nil && rc.Window.AsDuration() > 0 {
			r.window = rc.Window.AsDuration()
		}
		if rc.LockTimeout != nil && rc.LockTimeout.AsDuration() > 0 {
			r.lockTimeout = int(rc.LockTimeout.AsDuration().Seconds())
		}
		if rc.Concurrency > 0 {
			r.concurrency = int64(rc.Concurrency)
		}
	}
	// Clamp the window so a typo cannot refresh everything every tick
	// or nothing at all.
	if r.window < minRefreshWindow {
		r.window = minRefreshWindow
	}
	if r.window > maxRefreshWindow {
		r.window = maxRefreshWindow
	}
	return r
}

// Interval returns the tick period for the cron scheduler.
func (r *TokenRefresher) Interval() time.Duration {
	return r.interval
}

// Enabled reports whether this instance runs the refresh loop at all.
func (r *TokenRefresher) Enabled() bool {
	return !r.disabled && r.leader
}

// RunOnce performs a single refresh sweep. Overlapping ticks are dropped:
// a slow sweep must not stack a second one on top.
func (r *TokenRefresher) RunOnce(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	if r.refreshing {
		r.mu.Unlock()
		r.logger.Debugw("msg", "refresh sweep still running, tick skipped")
		return nil
	}
	r.refreshing = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.refreshing = false
		r.mu.Unlock()
	}()

	start := time.Now()

	candidates, err := r.accounts.ListNeedingRefresh(ctx, r.window)
	if err != nil {
		r.logger.Errorw("msg", "refresh sweep: listing candidates failed", "error", err.Error())
		return err
	}
	if len(candidates) == 0 {
		r.recordRun(start, 0, 0, 0, 0)
		return nil
	}

	r.logger.Infow("msg", "refresh sweep started",
		"candidates", len(candidates), "window", r.window.String())

	var (
		sem       = semaphore.NewWeighted(r.concurrency)
		wg        sync.WaitGroup
		counterMu sync.Mutex
		refreshed int
		failed    int
		skipped   int
	)
	for i, acc := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if i > 0 {
			// 错峰发起，避免同时打爆上游刷新端点。
			time.Sleep(refreshStagger)
		}
		wg.Add(1)
		go func(acc *model.Account) {
			defer wg.Done()
			defer sem.Release(1)
			outcome := r.refreshOne(ctx, acc)
			counterMu.Lock()
			switch outcome {
			case refreshOK:
				refreshed++
			case refreshSkipped:
				skipped++
			default:
				failed++
			}
			counterMu.Unlock()
		}(acc)
	}
	wg.Wait()

	r.recordRun(start, len(candidates), refreshed, failed, skipped)
	r.logger.Infow("msg", "refresh sweep finished",
		"checked", len(candidates), "refreshed", refreshed, "failed", failed,
		"skipped", skipped, "elapsed", time.Since(start).String())
	return nil
}

type refreshOutcome int

const (
	refreshOK refreshOutcome = iota
	refreshFailed
	refreshSkipped
)

// refreshOne rotates a single account's tokens under its distributed lock.
func (r *TokenRefresher) refreshOne(ctx context.Context, acc *model.Account) refreshOutcome {
	outcome := refreshFailed
	acquired, err := r.lock.WithLock(ctx, data.RefreshLockName(acc.ID), r.lockTimeout, func(ctx context.Context) error {
		outcome = r.doRefresh(ctx, acc)
		return nil
	})
	if err != nil {
		r.logger.Warnw("msg", "refresh lock error", "account_id", acc.ID, "error", err.Error())
		return refreshFailed
	}
	if !acquired {
		// Another instance holds it; this is routine, not an error.
		r.logger.Debugw("msg", "refresh lock held elsewhere, skipping", "account_id", acc.ID)
		return refreshSkipped
	}
	return outcome
}

func (r *TokenRefresher) doRefresh(ctx context.Context, acc *model.Account) refreshOutcome {
	tokens, err := r.client.RefreshTokens(ctx, acc)
	if err != nil {
		r.handleRefreshFailure(ctx, acc, err)
		return refreshFailed
	}

	if err := r.accounts.UpdateTokens(ctx, acc.ID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt); err != nil {
		r.logger.Errorw("msg", "failed to persist refreshed tokens", "account_id", acc.ID, "error", err.Error())
		return refreshFailed
	}
	if r.cache != nil {
		_ = r.cache.Delete(ctx, data.BuildCacheKey(data.CacheKeyRefreshFail, acc.ID))
	}
	r.pool.InvalidateCache(ctx, nil)
	r.logger.Infow("msg", "account tokens refreshed", "account_id", acc.ID,
		"expires_at", time.UnixMilli(tokens.ExpiresAt).Format(time.RFC3339))
	return refreshOK
}

// Terminal upstream answers: no amount of retrying fixes these.
var terminalRefreshPatterns = []string{
	"Bad credentials",
	"BANNED",
	"TEMPORARILY_SUSPENDED",
	"invalid_grant",
}

func isTerminalRefreshError(err error) bool {
	msg := err.Error()
	for _, p := range terminalRefreshPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// handleRefreshFailure counts consecutive failures. Only credential
// invalidation past the threshold bans the account; any other failure keeps
// the account active and just records the cause, since a transient refresh
// outage must not take serving accounts out of the pool.
func (r *TokenRefresher) handleRefreshFailure(ctx context.Context, acc *model.Account, cause error) {
	r.logger.Warnw("msg", "token refresh failed", "account_id", acc.ID,
		"email", acc.Email, "error", cause.Error())

	var failCount int64 = 1
	if r.cache != nil {
		if n, err := r.cache.Incr(ctx, data.BuildCacheKey(data.CacheKeyRefreshFail, acc.ID), data.TTLRefreshFail); err == nil {
			failCount = n
		}
	}

	if failCount >= banFailThreshold && isTerminalRefreshError(cause) {
		r.pool.BanAccount(ctx, acc.ID, cause.Error())
		return
	}

	if err := r.accounts.UpdateStatus(ctx, acc.ID, acc.Status, cause.Error()); err != nil {
		r.logger.Debugw("msg", "failed to record refresh error", "account_id", acc.ID, "error", err.Error())
	}
}

// RefreshAccountNow force-refreshes one account outside the sweep, still
// under the per-account lock. Used by the admin endpoint.
func (r *TokenRefresher) RefreshAccountNow(ctx context.Context, id string) (*model.RefreshedTokens, error) {
	acc, err := r.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var tokens *model.RefreshedTokens
	var refreshErr error
	acquired, err := r.lock.WithLock(ctx, data.RefreshLockName(id), r.lockTimeout, func(ctx context.Context) error {
		tokens, refreshErr = r.client.RefreshTokens(ctx, acc)
		if refreshErr != nil {
			r.handleRefreshFailure(ctx, acc, refreshErr)
			return nil
		}
		if err := r.accounts.UpdateTokens(ctx, id, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt); err != nil {
			refreshErr = err
			return nil
		}
		if r.cache != nil {
			_ = r.cache.Delete(ctx, data.BuildCacheKey(data.CacheKeyRefreshFail, id))
		}
		r.pool.InvalidateCache(ctx, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errConcurrentRefresh
	}
	return tokens, refreshErr
}

var errConcurrentRefresh = refreshBusyError{}

type refreshBusyError struct{}

func (refreshBusyError) Error() string { return "refresh already in progress for this account" }

func (r *TokenRefresher) recordRun(start time.Time, checked, refreshed, failed, skipped int) {
	metrics.TokenRefresh.WithLabelValues("ok").Add(float64(refreshed))
	metrics.TokenRefresh.WithLabelValues("failed").Add(float64(failed))
	metrics.TokenRefresh.WithLabelValues("skipped").Add(float64(skipped))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = RefresherStatus{
		Enabled:       !r.disabled,
		Leader:        r.leader,
		LastCheckTime: start,
		NextCheckTime: start.Add(r.interval),
		// Failed candidates come back on the next sweep.
		RetryQueueSize: failed,
		LastChecked:    checked,
		LastRefreshed:  refreshed,
		LastFailed:     failed,
		LastSkipped:    skipped,
	}
}

// GetNextCheckInfo returns the loop snapshot with the live fields computed
// at call time.
func (r *TokenRefresher) GetNextCheckInfo() RefresherStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	s.Enabled = !r.disabled
	s.Leader = r.leader
	s.IsRunning = !r.disabled && r.leader
	s.IsRefreshing = r.refreshing
	s.CheckInterval = r.interval.Milliseconds()
	if !s.NextCheckTime.IsZero() {
		if until := time.Until(s.NextCheckTime).Milliseconds(); until > 0 {
			s.TimeUntilNextCheck = until
		}
	}
	return s
}
