package biz

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"KiroGate/internal/conf"
	"KiroGate/internal/data"
	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// Pool tuning defaults; conf overrides each.
const (
	defaultActiveLimit    = 5
	defaultErrorThreshold = 5
	defaultCoolingPeriod  = 10 * time.Minute
	defaultCacheTTL       = 60 * time.Second

	// healthProbeInterval throttles the SELECT 1 probe on the hot path.
	healthProbeInterval = 30 * time.Second
)

// allGroupsKey is the cache key segment for the unscoped pool.
const allGroupsKey = "__all__"

// activeEntry tracks one account's standing inside the active pool.
type activeEntry struct {
	Account     *model.Account
	ErrorCount  int32
	LastErrorAt time.Time
	AddedAt     time.Time
}

// coolingEntry parks an account until the period elapses.
type coolingEntry struct {
	AccountID string
	Since     time.Time
	Until     time.Time
}

// PoolStatus is the diagnostic snapshot served by the pool endpoints.
type PoolStatus struct {
	Total          int64                           `json:"total"`
	Available      int                             `json:"available"`
	ByStatus       map[model.AccountStatus]int64   `json:"byStatus"`
	ActivePool     []string                        `json:"activePool,omitempty"`
	CoolingPool    []string                        `json:"coolingPool,omitempty"`
	Cursor         *model.PoolCursor               `json:"cursor,omitempty"`
	DBHealthy      bool                            `json:"dbHealthy"`
	DroppedRows    int64                           `json:"droppedRows"`
	RepairedRows   int64                           `json:"repairedRows"`
	CacheHits      int64                           `json:"cacheHits"`
	CacheMisses    int64                           `json:"cacheMisses"`
}

// PoolHealth is the scored health report.
type PoolHealth struct {
	Score     int      `json:"score"`
	DBHealthy bool     `json:"dbHealthy"`
	Active    int      `json:"activeAccounts"`
	Errors    int64    `json:"errorAccounts"`
	Expired   int64    `json:"expiredAccounts"`
	Total     int64    `json:"totalAccounts"`
	Findings  []string `json:"findings,omitempty"`
}

// AccountPool 负责账户选取与生命周期标记。两层结构：DB 为准的可用列表
// （60s 缓存 + 失联时陈旧快照兜底），其上可选的 active/cooling 两级池
// 吸收瞬时错误，避免单次 403 就把账户打入 error 状态。
type AccountPool struct {
	accounts *data.AccountRepo
	cursor   *data.CursorRepo
	cache    data.CacheClient
	logger   *log.Helper

	activeEnabled  bool
	activeLimit    int
	errorThreshold int32
	coolingPeriod  time.Duration
	cacheTTL       time.Duration

	mu              sync.Mutex
	active          map[string]*activeEntry
	activeOrder     []string
	activePoolIndex int
	cooling         map[string]*coolingEntry

	healthMu           sync.Mutex
	dbConnectionFailed bool
	lastHealthProbe    time.Time
	dbFailureCount     int64

	droppedRows  int64
	repairedRows int64
	cacheHits    int64
	cacheMisses  int64
}

// NewAccountPool creates the pool from config.
func NewAccountPool(accounts *data.AccountRepo, cursor *data.CursorRepo, cache data.CacheClient, pc *conf.Pool, logger log.Logger) *AccountPool {
	p := &AccountPool{
		accounts:       accounts,
		cursor:         cursor,
		cache:          cache,
		logger:         log.NewHelper(logger),
		activeEnabled:  true,
		activeLimit:    defaultActiveLimit,
		errorThreshold: defaultErrorThreshold,
		coolingPeriod:  defaultCoolingPeriod,
		cacheTTL:       defaultCacheTTL,
		active:         make(map[string]*activeEntry),
		cooling:        make(map[string]*coolingEntry),
	}
	if pc != nil {
		p.activeEnabled = pc.ActiveEnabled
		if pc.ActiveLimit > 0 {
			p.activeLimit = int(pc.ActiveLimit)
		}
		if pc.ErrorThreshold > 0 {
			p.errorThreshold = pc.ErrorThreshold
		}
		if pc.CoolingPeriod != nil && pc.CoolingPeriod.AsDuration() > 0 {
			p.coolingPeriod = pc.CoolingPeriod.AsDuration()
		}
		if pc.CacheTtl != nil && pc.CacheTtl.AsDuration() > 0 {
			p.cacheTTL = pc.CacheTtl.AsDuration()
		}
	}
	return p
}

func groupKey(groupID *string) string {
	if groupID == nil || *groupID == "" {
		return allGroupsKey
	}
	return *groupID
}

// cursorKey maps a group scope to the persisted cursor's key.
func cursorKey(groupID *string) string {
	if groupID == nil || *groupID == "" {
		return model.GlobalCursorKey
	}
	return *groupID
}

func snapshotKey(gk string) string {
	return data.BuildCacheKey(data.CacheKeyPoolAccounts, gk)
}

// staleSnapshotKey never expires; it backs the degraded-mode path.
func staleSnapshotKey(gk string) string {
	return data.BuildCacheKey(data.CacheKeyPoolAccounts, gk, "stale")
}

// GetAvailableAccounts returns the selection candidates, serving the cached
// snapshot when fresh and falling back to the stale snapshot when the store
// is unreachable.
func (p *AccountPool) GetAvailableAccounts(ctx context.Context, groupID *string) ([]*model.Account, error) {
	gk := groupKey(groupID)

	if p.cache != nil {
		var cached []*model.Account
		if err := p.cache.Get(ctx, snapshotKey(gk), &cached); err == nil {
			p.healthMu.Lock()
			p.cacheHits++
			p.healthMu.Unlock()
			return cached, nil
		}
	}
	p.healthMu.Lock()
	p.cacheMisses++
	p.healthMu.Unlock()

	accounts, err := p.accounts.ListAvailable(ctx, groupID)
	if err != nil {
		p.noteDBFailure(ctx, err)
		// Degraded mode: a stale snapshot beats an outage.
		if p.cache != nil {
			var stale []*model.Account
			if cacheErr := p.cache.Get(ctx, staleSnapshotKey(gk), &stale); cacheErr == nil && len(stale) > 0 {
				p.logger.Warnw("msg", "store unavailable, serving stale account snapshot",
					"group", gk, "accounts", len(stale))
				return stale, nil
			}
		}
		return nil, err
	}
	p.noteDBRecovery(ctx)

	accounts, dropped, repaired := p.validateAndRepair(accounts)
	p.healthMu.Lock()
	p.droppedRows += int64(dropped)
	p.repairedRows += int64(repaired)
	p.healthMu.Unlock()

	if p.cache != nil {
		if err := p.cache.Set(ctx, snapshotKey(gk), accounts, p.cacheTTL); err != nil {
			p.logger.Warnw("msg", "failed to cache account snapshot", "group", gk, "error", err.Error())
		}
		// TTL 0 persists the stale copy for degraded mode.
		_ = p.cache.Set(ctx, staleSnapshotKey(gk), accounts, 0)
	}
	return accounts, nil
}

// InvalidateCache drops the fresh snapshot for a group (and the global one).
func (p *AccountPool) InvalidateCache(ctx context.Context, groupID *string) {
	if p.cache == nil {
		return
	}
	_ = p.cache.Delete(ctx, snapshotKey(groupKey(groupID)))
	if groupID != nil {
		_ = p.cache.Delete(ctx, snapshotKey(allGroupsKey))
	}
}

// validateAndRepair enforces the row contract in memory: rows without
// id/email/accessToken are dropped; repairable fields (region, usage range)
// are fixed in place.
func (p *AccountPool) validateAndRepair(accounts []*model.Account) (kept []*model.Account, dropped, repaired int) {
	now := time.Now()
	minExpiry := now.Add(-24 * time.Hour).UnixMilli()
	maxExpiry := now.Add(365 * 24 * time.Hour).UnixMilli()

	kept = make([]*model.Account, 0, len(accounts))
	for _, acc := range accounts {
		if acc.ID == "" || acc.Email == "" || !acc.HasCredentials() {
			dropped++
			continue
		}
		if acc.Credentials.ExpiresAt != 0 &&
			(acc.Credentials.ExpiresAt < minExpiry || acc.Credentials.ExpiresAt > maxExpiry) {
			dropped++
			continue
		}
		if !model.KnownStatus(acc.Status) {
			dropped++
			continue
		}
		if acc.Usage.Repair() {
			repaired++
		}
		if acc.Credentials.Region == "" {
			acc.Credentials.Region = "us-east-1"
			repaired++
		}
		kept = append(kept, acc)
	}
	if dropped > 0 {
		p.logger.Warnw("msg", "invalid account rows dropped from pool", "dropped", dropped)
	}
	return kept, dropped, repaired
}

// GetNextAccount picks the account for the next request. Active-pool
// round-robin when enabled and unscoped; otherwise the persisted cursor with
// a single retry when the topology changed under it.
func (p *AccountPool) GetNextAccount(ctx context.Context, groupID *string) (*model.Account, error) {
	accounts, err := p.GetAvailableAccounts(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, pkgerrors.NewNoAvailableAccountsError("no available accounts in pool")
	}

	now := time.Now()
	valid := make([]*model.Account, 0, len(accounts))
	for _, acc := range accounts {
		if acc.TokenValid(now) {
			valid = append(valid, acc)
		}
	}
	if len(valid) == 0 {
		return nil, pkgerrors.NewNoAvailableAccountsError("all account tokens expired")
	}

	if p.activeEnabled && groupID == nil {
		if acc := p.selectFromActive(now); acc != nil {
			return acc, nil
		}
		// 主动池为空时退化为游标轮询。
	}

	return p.selectByCursor(ctx, groupID, valid)
}

// selectFromActive round-robins over active entries with unexpired tokens.
func (p *AccountPool) selectFromActive(now time.Time) *model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.activeOrder)
	for i := 0; i < n; i++ {
		idx := (p.activePoolIndex + i) % n
		entry, ok := p.active[p.activeOrder[idx]]
		if !ok || !entry.Account.TokenValid(now) {
			continue
		}
		p.activePoolIndex = (idx + 1) % n
		return entry.Account
	}
	return nil
}

// selectByCursor advances the shared round-robin cursor. When the stored
// account count drifted from ours the cache is invalidated and the pick
// retried once; a cursor failure degrades to a random pick.
func (p *AccountPool) selectByCursor(ctx context.Context, groupID *string, valid []*model.Account) (*model.Account, error) {
	gk := cursorKey(groupID)

	index, changed, err := p.cursor.Next(ctx, gk, int32(len(valid)))
	if err != nil {
		p.logger.Warnw("msg", "cursor advance failed, picking randomly", "group", gk, "error", err.Error())
		return valid[rand.Intn(len(valid))], nil
	}

	if changed {
		p.InvalidateCache(ctx, groupID)
		fresh, err := p.GetAvailableAccounts(ctx, groupID)
		if err == nil && len(fresh) > 0 {
			now := time.Now()
			revalid := make([]*model.Account, 0, len(fresh))
			for _, acc := range fresh {
				if acc.TokenValid(now) {
					revalid = append(revalid, acc)
				}
			}
			if len(revalid) > 0 {
				index2, _, err2 := p.cursor.Next(ctx, gk, int32(len(revalid)))
				if err2 == nil {
					return revalid[int(index2)%len(revalid)], nil
				}
				valid = revalid
			}
		}
	}

	return valid[int(index)%len(valid)], nil
}

// GetAccountByID fetches one account regardless of availability filters.
func (p *AccountPool) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	return p.accounts.GetByID(ctx, id)
}

// MarkAccountError records a failure. Inside the active pool the error only
// counts toward the threshold; crossing it cools the account without
// touching its store status. Outside the active pool the store status flips
// to error immediately.
func (p *AccountPool) MarkAccountError(ctx context.Context, id string, cause string) {
	if p.activeEnabled {
		p.mu.Lock()
		if entry, ok := p.active[id]; ok {
			entry.ErrorCount++
			entry.LastErrorAt = time.Now()
			count := entry.ErrorCount
			if count >= p.errorThreshold {
				p.moveToCoolingLocked(id)
				p.mu.Unlock()
				p.logger.Warnw("msg", "account cooled after repeated errors", "account_id", id, "errors", count)
				return
			}
			p.mu.Unlock()
			p.logger.Infow("msg", "account error counted", "account_id", id, "errors", count, "threshold", p.errorThreshold)
			return
		}
		p.mu.Unlock()
	}

	if err := p.accounts.UpdateStatus(ctx, id, model.StatusError, cause); err != nil {
		p.logger.Warnw("msg", "failed to mark account error", "account_id", id, "error", err.Error())
	}
	p.InvalidateCache(ctx, nil)
}

// MarkAccountSuccess resets the error counter and clears a stale last error.
func (p *AccountPool) MarkAccountSuccess(ctx context.Context, id string) {
	p.mu.Lock()
	if entry, ok := p.active[id]; ok {
		entry.ErrorCount = 0
	}
	p.mu.Unlock()
}

// MarkAccountQuotaExhausted pins usage at the limit; the margin filter
// excludes the account until the vendor resets it. No cooling, by contract.
func (p *AccountPool) MarkAccountQuotaExhausted(ctx context.Context, id string, cause string) {
	if err := p.accounts.MarkQuotaExhausted(ctx, id, cause); err != nil {
		p.logger.Warnw("msg", "failed to mark quota exhausted", "account_id", id, "error", err.Error())
	}
	p.removeFromPools(id)
	p.InvalidateCache(ctx, nil)
}

// BanAccount flips the account to banned and evicts it everywhere.
func (p *AccountPool) BanAccount(ctx context.Context, id string, cause string) {
	if err := p.accounts.UpdateStatus(ctx, id, model.StatusBanned, cause); err != nil {
		p.logger.Warnw("msg", "failed to ban account", "account_id", id, "error", err.Error())
	}
	p.removeFromPools(id)
	p.InvalidateCache(ctx, nil)
	p.logger.Warnw("msg", "account banned", "account_id", id, "cause", cause)
}

// UpdateAccountToken persists rotated credentials surfaced mid-request.
func (p *AccountPool) UpdateAccountToken(ctx context.Context, id string, tokens *model.RefreshedTokens) error {
	if tokens == nil {
		return nil
	}
	if err := p.accounts.UpdateTokens(ctx, id, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt); err != nil {
		return err
	}

	p.mu.Lock()
	if entry, ok := p.active[id]; ok {
		entry.Account.Credentials.AccessToken = tokens.AccessToken
		if tokens.RefreshToken != "" {
			entry.Account.Credentials.RefreshToken = tokens.RefreshToken
		}
		entry.Account.Credentials.ExpiresAt = tokens.ExpiresAt
	}
	p.mu.Unlock()

	p.InvalidateCache(ctx, nil)
	return nil
}

// IncrementAPICall bumps usage counters off the request path.
func (p *AccountPool) IncrementAPICall(ctx context.Context, id string, tokens int64) {
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.accounts.IncrementAPICall(bg, id, tokens); err != nil {
			p.logger.Debugw("msg", "api call increment failed", "account_id", id, "error", err.Error())
		}
	}()
}

func (p *AccountPool) removeFromPools(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropActiveLocked(id)
	delete(p.cooling, id)
}

func (p *AccountPool) dropActiveLocked(id string) {
	if _, ok := p.active[id]; !ok {
		return
	}
	delete(p.active, id)
	for i, aid := range p.activeOrder {
		if aid == id {
			p.activeOrder = append(p.activeOrder[:i], p.activeOrder[i+1:]...)
			break
		}
	}
	if p.activePoolIndex >= len(p.activeOrder) {
		p.activePoolIndex = 0
	}
}

func (p *AccountPool) moveToCoolingLocked(id string) {
	p.dropActiveLocked(id)
	now := time.Now()
	p.cooling[id] = &coolingEntry{AccountID: id, Since: now, Until: now.Add(p.coolingPeriod)}
}

// MaintainActivePool is the 1-minute tick: demote unhealthy actives, promote
// cooled-off accounts, refill from availables sorted by usage ascending.
func (p *AccountPool) MaintainActivePool(ctx context.Context) error {
	if !p.activeEnabled {
		return nil
	}

	available, err := p.GetAvailableAccounts(ctx, nil)
	if err != nil {
		return err
	}
	availableByID := make(map[string]*model.Account, len(available))
	for _, acc := range available {
		availableByID[acc.ID] = acc
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	// (a) Demote actives the store no longer considers usable.
	for id, entry := range p.active {
		fresh, ok := availableByID[id]
		if !ok || fresh.Status != model.StatusActive {
			p.moveToCoolingLocked(id)
			p.logger.Infow("msg", "active account demoted to cooling", "account_id", id)
			continue
		}
		entry.Account = fresh
	}

	// (b) Promote cooled entries past their period.
	for id, entry := range p.cooling {
		if now.Before(entry.Until) {
			continue
		}
		fresh, healthy := availableByID[id]
		if healthy && len(p.active) < p.activeLimit {
			delete(p.cooling, id)
			p.active[id] = &activeEntry{Account: fresh, AddedAt: now}
			p.activeOrder = append(p.activeOrder, id)
			p.logger.Infow("msg", "account promoted from cooling", "account_id", id)
		} else {
			// Unhealthy or no room: extend the clock from now.
			entry.Until = now.Add(p.coolingPeriod)
		}
	}

	// (c) Refill from availables excluding both pools, least-used first.
	if len(p.active) < p.activeLimit {
		var candidates []*model.Account
		for _, acc := range available {
			if _, inActive := p.active[acc.ID]; inActive {
				continue
			}
			if _, inCooling := p.cooling[acc.ID]; inCooling {
				continue
			}
			candidates = append(candidates, acc)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Usage.PercentUsed < candidates[j].Usage.PercentUsed
		})
		for _, acc := range candidates {
			if len(p.active) >= p.activeLimit {
				break
			}
			p.active[acc.ID] = &activeEntry{Account: acc, AddedAt: now}
			p.activeOrder = append(p.activeOrder, acc.ID)
		}
	}

	p.logger.Debugw("msg", "active pool maintained",
		"active", len(p.active), "cooling", len(p.cooling), "available", len(available))
	return nil
}

// noteDBFailure flips degraded mode; probes are throttled so a hot path
// cannot stampede the store with SELECT 1.
func (p *AccountPool) noteDBFailure(ctx context.Context, cause error) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	p.dbFailureCount++
	if !p.dbConnectionFailed {
		p.dbConnectionFailed = true
		p.logger.Errorw("msg", "store unreachable, pool degraded", "error", cause.Error())
	}
}

func (p *AccountPool) noteDBRecovery(ctx context.Context) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	if p.dbConnectionFailed {
		p.dbConnectionFailed = false
		p.logger.Infow("msg", "store connection recovered, pool healthy")
	}
}

// ProbeHealth runs the throttled SELECT 1 probe. Safe to call on any path.
func (p *AccountPool) ProbeHealth(ctx context.Context) data.HealthStatus {
	p.healthMu.Lock()
	if time.Since(p.lastHealthProbe) < healthProbeInterval {
		healthy := !p.dbConnectionFailed
		p.healthMu.Unlock()
		return data.HealthStatus{Healthy: healthy}
	}
	p.lastHealthProbe = time.Now()
	p.healthMu.Unlock()

	status := data.Healthcheck(ctx, p.accounts.DB())
	if status.Healthy {
		p.noteDBRecovery(ctx)
	} else {
		p.noteDBFailure(ctx, errors.New("healthcheck failed"))
	}
	return status
}

// GetPoolStatus assembles the diagnostic snapshot.
func (p *AccountPool) GetPoolStatus(ctx context.Context, groupID *string) (*PoolStatus, error) {
	available, err := p.GetAvailableAccounts(ctx, groupID)
	if err != nil {
		return nil, err
	}
	counts, err := p.accounts.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	total, err := p.accounts.CountNonDeleted(ctx)
	if err != nil {
		return nil, err
	}
	cursor, _ := p.cursor.Get(ctx, cursorKey(groupID))

	p.mu.Lock()
	activeIDs := append([]string(nil), p.activeOrder...)
	coolingIDs := make([]string, 0, len(p.cooling))
	for id := range p.cooling {
		coolingIDs = append(coolingIDs, id)
	}
	p.mu.Unlock()
	sort.Strings(coolingIDs)

	p.healthMu.Lock()
	status := &PoolStatus{
		Total:        total,
		Available:    len(available),
		ByStatus:     counts,
		ActivePool:   activeIDs,
		CoolingPool:  coolingIDs,
		Cursor:       cursor,
		DBHealthy:    !p.dbConnectionFailed,
		DroppedRows:  p.droppedRows,
		RepairedRows: p.repairedRows,
		CacheHits:    p.cacheHits,
		CacheMisses:  p.cacheMisses,
	}
	p.healthMu.Unlock()
	return status, nil
}

// GetPoolHealth scores the pool out of 100.
func (p *AccountPool) GetPoolHealth(ctx context.Context) *PoolHealth {
	health := &PoolHealth{Score: 100}

	probe := p.ProbeHealth(ctx)
	health.DBHealthy = probe.Healthy
	if !probe.Healthy {
		health.Score -= 50
		health.Findings = append(health.Findings, "store unreachable")
	}

	counts, err := p.accounts.StatusCounts(ctx)
	if err == nil {
		var total int64
		for _, c := range counts {
			total += c
		}
		health.Total = total
		health.Errors = counts[model.StatusError] + counts[model.StatusBanned]
		health.Expired = counts[model.StatusExpired]

		if counts[model.StatusActive] == 0 {
			health.Score -= 30
			health.Findings = append(health.Findings, "no active accounts")
		}
		if total > 0 {
			errorRate := float64(health.Errors) / float64(total)
			switch {
			case errorRate > 0.5:
				health.Score -= 20
				health.Findings = append(health.Findings, "error rate above 50%")
			case errorRate > 0.3:
				health.Score -= 10
				health.Findings = append(health.Findings, "error rate above 30%")
			}
			if float64(health.Expired)/float64(total) > 0.3 {
				health.Score -= 10
				health.Findings = append(health.Findings, "high expired account rate")
			}
		}
	}

	p.mu.Lock()
	health.Active = len(p.active)
	p.mu.Unlock()

	p.healthMu.Lock()
	hits, misses := p.cacheHits, p.cacheMisses
	p.healthMu.Unlock()
	if hits+misses > 20 && float64(hits)/float64(hits+misses) < 0.5 {
		health.Score -= 5
		health.Findings = append(health.Findings, "low cache hit rate")
	}

	if health.Score < 0 {
		health.Score = 0
	}
	return health
}

// DBFailureCount reports accumulated store failures for the alert monitor.
func (p *AccountPool) DBFailureCount() int64 {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.dbFailureCount
}

// ResetDBFailureCount rearms the failure window after an alert sweep.
func (p *AccountPool) ResetDBFailureCount() {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	p.dbFailureCount = 0
}
