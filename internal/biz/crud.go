package biz

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"KiroGate/internal/conf"
	"KiroGate/internal/data"
	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conflict auto-retry: 3 attempts at 100/200/400ms with ±50ms jitter.
const (
	conflictRetryLimit = 3
	conflictRetryBase  = 100 * time.Millisecond
	conflictJitter     = 50 * time.Millisecond
)

// Sync-delete guard defaults; conf overrides.
const (
	defaultMaxSyncDelete = 10000
	syncDeleteMaxRatio   = 0.5
	syncLockTimeoutSec   = 30
)

// RollbackStrategy selects how a batch reacts to a failing operation.
type RollbackStrategy string

// Batch rollback strategies.
const (
	RollbackNone       RollbackStrategy = "none"
	RollbackAll        RollbackStrategy = "all"
	RollbackFailedOnly RollbackStrategy = "failed-only"
)

// BatchAction is one operation kind inside a batch.
type BatchAction string

// Batch actions.
const (
	ActionCreate BatchAction = "create"
	ActionUpdate BatchAction = "update"
	ActionDelete BatchAction = "delete"
)

// BatchOperation is one entry of POST /api/v2/accounts/batch.
type BatchOperation struct {
	Action  BatchAction    `json:"action"`
	Account *model.Account `json:"data"`
}

// BatchOpResult reports one operation's outcome.
type BatchOpResult struct {
	Index   int            `json:"index"`
	Action  BatchAction    `json:"action"`
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Account *model.Account `json:"account,omitempty"`
}

// BatchResult is the whole batch outcome.
type BatchResult struct {
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Results   []BatchOpResult `json:"results"`
}

// SyncDeleteRequest carries the guarded hard-delete portion of /api/data.
// AccountIDs is the full set the client retains; rows absent from it get
// pruned.
type SyncDeleteRequest struct {
	AccountIDs    []string
	ConfirmHeader bool // X-Confirm-Sync-Delete: true
	ConfirmBody   bool // confirmSyncDelete: true
	ForceSync     bool
	ClientIP      string
}

// SyncChanges is the incremental pull payload.
type SyncChanges struct {
	Created []*model.Account `json:"created"`
	Updated []*model.Account `json:"updated"`
	Deleted []*model.Account `json:"deleted"`
	Since   int64            `json:"since"`
	Now     int64            `json:"now"`
}

// AdminUsecase 承载 v2 管理面：带版本号的 CRUD、批量操作与
// 同步导入/删除。所有写路径在失败时返回携带 currentVersion 与
// serverData 的冲突错误，客户端可据此自动重试。
type AdminUsecase struct {
	store     *data.Data
	accounts  *data.AccountRepo
	groups    *data.GroupRepo
	tags      *data.TagRepo
	settings  *data.SettingRepo
	machines  *data.MachineIDRepo
	rateLimit *data.RateLimitRepo
	lock      *data.DistributedLock
	pool      *AccountPool
	logger    *log.Helper

	maxSyncDelete int
}

// NewAdminUsecase wires the admin usecase.
func NewAdminUsecase(
	store *data.Data,
	accounts *data.AccountRepo,
	groups *data.GroupRepo,
	tags *data.TagRepo,
	settings *data.SettingRepo,
	machines *data.MachineIDRepo,
	rateLimit *data.RateLimitRepo,
	lock *data.DistributedLock,
	pool *AccountPool,
	sc *conf.Sync,
	logger log.Logger,
) *AdminUsecase {
	uc := &AdminUsecase{
		store:         store,
		accounts:      accounts,
		groups:        groups,
		tags:          tags,
		settings:      settings,
		machines:      machines,
		rateLimit:     rateLimit,
		lock:          lock,
		pool:          pool,
		logger:        log.NewHelper(logger),
		maxSyncDelete: defaultMaxSyncDelete,
	}
	if sc != nil && sc.MaxDeleteAccounts > 0 {
		uc.maxSyncDelete = int(sc.MaxDeleteAccounts)
	}
	return uc
}

// retryOnConflict runs fn with conflict auto-retry. fn receives the version
// to assert; on a retryable conflict the next attempt asserts the winner's
// currentVersion instead.
func retryOnConflict(ctx context.Context, version int64, fn func(version int64) error) error {
	var lastErr error
	for attempt := 0; attempt < conflictRetryLimit; attempt++ {
		if attempt > 0 {
			delay := conflictRetryBase << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(2*conflictJitter))) - conflictJitter
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn(version)
		if err == nil {
			return nil
		}
		lastErr = err
		apiErr, ok := pkgerrors.AsAPIError(err)
		if !ok || apiErr.Type != pkgerrors.TypeConflict || !apiErr.Retryable {
			return err
		}
		// 以服务端胜出的版本重试。
		version = apiErr.CurrentVersion
	}
	return lastErr
}

// --- Accounts ---

// CreateAccount inserts (or revives by email+idp) an account.
func (uc *AdminUsecase) CreateAccount(ctx context.Context, acc *model.Account) (*model.Account, error) {
	if acc.Email == "" {
		return nil, pkgerrors.NewValidationError("email is required")
	}
	if !model.KnownIDP(acc.IDP) {
		return nil, pkgerrors.NewValidationError("unknown idp %q", acc.IDP)
	}
	created, err := uc.accounts.InsertAccount(ctx, uuid.NewString(), acc)
	if err != nil {
		return nil, err
	}
	uc.pool.InvalidateCache(ctx, acc.GroupID)
	return created, nil
}

// GetAccount fetches one account.
func (uc *AdminUsecase) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return uc.accounts.GetByID(ctx, id)
}

// ListAccounts lists non-deleted accounts, optionally group scoped.
func (uc *AdminUsecase) ListAccounts(ctx context.Context, groupID *string) ([]*model.Account, error) {
	return uc.accounts.ListAll(ctx, groupID)
}

// UpdateAccount applies a version-asserted update with conflict auto-retry.
func (uc *AdminUsecase) UpdateAccount(ctx context.Context, id string, clientVersion int64, apply func(acc *model.Account) error) (*model.Account, error) {
	var updated *model.Account
	err := retryOnConflict(ctx, clientVersion, func(version int64) error {
		var err error
		updated, err = uc.accounts.UpdateWithVersion(ctx, id, version, apply)
		return err
	})
	if err != nil {
		return nil, err
	}
	uc.pool.InvalidateCache(ctx, nil)
	return updated, nil
}

// PatchAccount applies a partial update: zero-valued fields of patch leave
// the stored row alone.
func (uc *AdminUsecase) PatchAccount(ctx context.Context, id string, clientVersion int64, patch *model.Account) (*model.Account, error) {
	return uc.UpdateAccount(ctx, id, clientVersion, func(acc *model.Account) error {
		if patch.Status != "" && !model.KnownStatus(patch.Status) {
			return pkgerrors.NewValidationError("unknown status %q", patch.Status)
		}
		mergeAccountPatch(acc, patch)
		return nil
	})
}

// DeleteAccount soft-deletes one account; version 0 skips the check.
func (uc *AdminUsecase) DeleteAccount(ctx context.Context, id string, clientVersion int64) error {
	if err := uc.accounts.SoftDelete(ctx, id, clientVersion); err != nil {
		return err
	}
	uc.pool.InvalidateCache(ctx, nil)
	return nil
}

// --- Groups / Tags / Settings ---

// CreateGroup creates a group with a fresh API key when none is given.
func (uc *AdminUsecase) CreateGroup(ctx context.Context, g *model.Group) (*model.Group, error) {
	if g.Name == "" {
		return nil, pkgerrors.NewValidationError("group name is required")
	}
	return uc.groups.Create(ctx, g)
}

// GetGroup fetches one group.
func (uc *AdminUsecase) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	return uc.groups.GetByID(ctx, id)
}

// ListGroups lists all groups.
func (uc *AdminUsecase) ListGroups(ctx context.Context) ([]*model.Group, error) {
	return uc.groups.List(ctx)
}

// UpdateGroup applies a version-asserted group update with conflict auto-retry.
func (uc *AdminUsecase) UpdateGroup(ctx context.Context, id string, clientVersion int64, apply func(g *model.Group) error) (*model.Group, error) {
	var updated *model.Group
	err := retryOnConflict(ctx, clientVersion, func(version int64) error {
		var err error
		updated, err = uc.groups.UpdateWithVersion(ctx, id, version, apply)
		return err
	})
	return updated, err
}

// DeleteGroup deletes a group.
func (uc *AdminUsecase) DeleteGroup(ctx context.Context, id string, clientVersion int64) error {
	return uc.groups.Delete(ctx, id, clientVersion)
}

// CreateTag creates a tag.
func (uc *AdminUsecase) CreateTag(ctx context.Context, t *model.Tag) (*model.Tag, error) {
	if t.Name == "" {
		return nil, pkgerrors.NewValidationError("tag name is required")
	}
	return uc.tags.Create(ctx, t)
}

// ListTags lists all tags.
func (uc *AdminUsecase) ListTags(ctx context.Context) ([]*model.Tag, error) {
	return uc.tags.List(ctx)
}

// UpdateTag applies a version-asserted tag update with conflict auto-retry.
func (uc *AdminUsecase) UpdateTag(ctx context.Context, id string, clientVersion int64, apply func(t *model.Tag) error) (*model.Tag, error) {
	var updated *model.Tag
	err := retryOnConflict(ctx, clientVersion, func(version int64) error {
		var err error
		updated, err = uc.tags.UpdateWithVersion(ctx, id, version, apply)
		return err
	})
	return updated, err
}

// DeleteTag deletes a tag.
func (uc *AdminUsecase) DeleteTag(ctx context.Context, id string, clientVersion int64) error {
	return uc.tags.Delete(ctx, id, clientVersion)
}

// GetSetting fetches one setting by key.
func (uc *AdminUsecase) GetSetting(ctx context.Context, key string) (*model.Setting, error) {
	return uc.settings.Get(ctx, key)
}

// ListSettings lists all settings.
func (uc *AdminUsecase) ListSettings(ctx context.Context) ([]*model.Setting, error) {
	return uc.settings.List(ctx)
}

// UpsertSetting writes a setting with conflict auto-retry.
func (uc *AdminUsecase) UpsertSetting(ctx context.Context, s *model.Setting, clientVersion int64) (*model.Setting, error) {
	var updated *model.Setting
	err := retryOnConflict(ctx, clientVersion, func(version int64) error {
		var err error
		updated, err = uc.settings.Upsert(ctx, s, version)
		return err
	})
	return updated, err
}

// DeleteSetting deletes a setting.
func (uc *AdminUsecase) DeleteSetting(ctx context.Context, key string, clientVersion int64) error {
	return uc.settings.Delete(ctx, key, clientVersion)
}

// --- Machine IDs ---

// GetMachineID returns the current binding for an account.
func (uc *AdminUsecase) GetMachineID(ctx context.Context, accountID string) (*model.MachineIDBinding, error) {
	return uc.machines.Get(ctx, accountID)
}

// BindMachineID rotates the machine id binding, keeping history.
func (uc *AdminUsecase) BindMachineID(ctx context.Context, accountID, machineID string) (*model.MachineIDBinding, error) {
	return uc.machines.Bind(ctx, accountID, machineID)
}

// MachineIDHistory returns past bindings, newest first.
func (uc *AdminUsecase) MachineIDHistory(ctx context.Context, accountID string, limit int) ([]*model.MachineIDHistoryEntry, error) {
	return uc.machines.History(ctx, accountID, limit)
}

// --- Batch ---

// ExecuteBatch runs a batch of account operations in one transaction under
// the chosen rollback strategy.
func (uc *AdminUsecase) ExecuteBatch(ctx context.Context, ops []BatchOperation, strategy RollbackStrategy) (*BatchResult, error) {
	if len(ops) == 0 {
		return nil, pkgerrors.NewValidationError("batch requires at least one operation")
	}
	switch strategy {
	case RollbackNone, RollbackAll, RollbackFailedOnly, "":
	default:
		return nil, pkgerrors.NewValidationError("unknown rollback strategy %q", strategy)
	}
	if strategy == "" {
		strategy = RollbackNone
	}

	result := &BatchResult{Results: make([]BatchOpResult, 0, len(ops))}
	err := data.Transact(ctx, uc.store.DB(), func(tx *gorm.DB) error {
		txAccounts := uc.accounts.WithTx(tx)
		for i, op := range ops {
			opResult := BatchOpResult{Index: i, Action: op.Action}

			// 每个操作一个 savepoint，失败只回滚自己。
			sp := fmt.Sprintf("batch_op_%d", i)
			if strategy != RollbackAll {
				tx.SavePoint(sp)
			}

			acc, opErr := uc.applyBatchOp(ctx, txAccounts, op)
			if opErr != nil {
				opResult.Error = opErr.Error()
				result.Failed++
				result.Results = append(result.Results, opResult)
				if strategy == RollbackAll {
					// Abort the whole transaction on first failure.
					return pkgerrors.NewValidationError("batch aborted at operation %d: %v", i, opErr)
				}
				tx.RollbackTo(sp)
				continue
			}
			opResult.Success = true
			opResult.Account = acc
			result.Succeeded++
			result.Results = append(result.Results, opResult)
		}
		return nil
	})
	if err != nil {
		if _, ok := pkgerrors.AsAPIError(err); ok {
			return result, err
		}
		return nil, pkgerrors.FromDatabaseError("batch", err)
	}
	uc.pool.InvalidateCache(ctx, nil)
	return result, nil
}

func (uc *AdminUsecase) applyBatchOp(ctx context.Context, accounts *data.AccountRepo, op BatchOperation) (*model.Account, error) {
	if op.Account == nil {
		return nil, pkgerrors.NewValidationError("operation data is required")
	}
	switch op.Action {
	case ActionCreate:
		if op.Account.Email == "" {
			return nil, pkgerrors.NewValidationError("email is required")
		}
		id := op.Account.ID
		if id == "" {
			id = uuid.NewString()
		}
		return accounts.InsertAccount(ctx, id, op.Account)
	case ActionUpdate:
		if op.Account.ID == "" {
			return nil, pkgerrors.NewValidationError("id is required for update")
		}
		patch := op.Account
		return accounts.UpdateWithVersion(ctx, patch.ID, patch.Version, func(acc *model.Account) error {
			mergeAccountPatch(acc, patch)
			return nil
		})
	case ActionDelete:
		if op.Account.ID == "" {
			return nil, pkgerrors.NewValidationError("id is required for delete")
		}
		return nil, accounts.SoftDelete(ctx, op.Account.ID, op.Account.Version)
	default:
		return nil, pkgerrors.NewValidationError("unknown action %q", op.Action)
	}
}

// mergeAccountPatch copies the mutable fields of a batch update payload onto
// the locked row. Zero values leave the field alone, except status which is
// validated upstream.
func mergeAccountPatch(dst, src *model.Account) {
	if src.Nickname != "" {
		dst.Nickname = src.Nickname
	}
	if src.Status != "" && model.KnownStatus(src.Status) {
		dst.Status = src.Status
	}
	if src.GroupID != nil {
		dst.GroupID = src.GroupID
	}
	if src.Tags != nil {
		dst.Tags = src.Tags
	}
	if src.Credentials.AccessToken != "" {
		dst.Credentials.AccessToken = src.Credentials.AccessToken
	}
	if src.Credentials.RefreshToken != "" {
		dst.Credentials.RefreshToken = src.Credentials.RefreshToken
	}
	if src.Credentials.ExpiresAt != 0 {
		dst.Credentials.ExpiresAt = src.Credentials.ExpiresAt
	}
	if src.Credentials.Region != "" {
		dst.Credentials.Region = src.Credentials.Region
	}
	if src.Header.Version != 0 {
		dst.Header = src.Header
	}
	if src.Usage.Limit != 0 || src.Usage.Current != 0 {
		dst.Usage = src.Usage
	}
}

// --- Sync ---

// GetSyncChanges returns accounts created/updated/deleted since the cursor.
func (uc *AdminUsecase) GetSyncChanges(ctx context.Context, sinceMillis int64) (*SyncChanges, error) {
	created, updated, deleted, err := uc.accounts.ListChangedSince(ctx, sinceMillis)
	if err != nil {
		return nil, err
	}
	return &SyncChanges{
		Created: created,
		Updated: updated,
		Deleted: deleted,
		Since:   sinceMillis,
		Now:     time.Now().UnixMilli(),
	}, nil
}

// ImportAccounts upserts a pushed account list (legacy bulk sync).
func (uc *AdminUsecase) ImportAccounts(ctx context.Context, accounts []*model.Account) (int, error) {
	imported := 0
	for _, acc := range accounts {
		if acc.Email == "" || !model.KnownIDP(acc.IDP) {
			continue
		}
		id := acc.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := uc.accounts.InsertAccount(ctx, id, acc); err != nil {
			uc.logger.Warnw("msg", "sync import skipped account", "email", acc.Email, "error", err.Error())
			continue
		}
		imported++
	}
	if imported > 0 {
		uc.pool.InvalidateCache(ctx, nil)
	}
	return imported, nil
}

// SyncDelete reconciles the store against the client's full account list:
// every non-deleted row whose id is absent from req.AccountIDs gets hard
// deleted. Guards, in order: non-empty retained list, confirmation header,
// confirmation body field, per-IP rate limit, the count cap on the prune
// set, and the 50% pruning ceiling unless forced. The deletion itself runs
// under the batch lock in one transaction.
func (uc *AdminUsecase) SyncDelete(ctx context.Context, req *SyncDeleteRequest) (int64, error) {
	if len(req.AccountIDs) == 0 {
		// An empty retained list would wipe the whole store.
		return 0, pkgerrors.NewValidationError("sync delete requires a non-empty retained account list")
	}
	if !req.ConfirmHeader {
		return 0, pkgerrors.NewValidationError("sync delete requires header X-Confirm-Sync-Delete: true")
	}
	if !req.ConfirmBody {
		return 0, pkgerrors.NewValidationError("sync delete requires confirmSyncDelete: true in the body")
	}
	if !uc.rateLimit.AllowSyncDelete(ctx, req.ClientIP) {
		return 0, pkgerrors.NewRateLimitedError(
			fmt.Sprintf("sync delete allowed once per %s per client", uc.rateLimit.Window()))
	}

	serverIDs, err := uc.accounts.ListNonDeletedIDs(ctx)
	if err != nil {
		return 0, pkgerrors.FromDatabaseError("sync delete precheck", err)
	}
	retained := make(map[string]bool, len(req.AccountIDs))
	for _, id := range req.AccountIDs {
		retained[id] = true
	}
	prune := make([]string, 0)
	for _, id := range serverIDs {
		if !retained[id] {
			prune = append(prune, id)
		}
	}
	if len(prune) == 0 {
		return 0, nil
	}
	if len(prune) > uc.maxSyncDelete {
		return 0, pkgerrors.NewValidationError("sync delete limited to %d accounts per call", uc.maxSyncDelete)
	}
	if !req.ForceSync && float64(len(prune)) > float64(len(serverIDs))*syncDeleteMaxRatio {
		return 0, pkgerrors.NewValidationError(
			"sync delete would remove %d of %d accounts; pass forceSync to prune more than half",
			len(prune), len(serverIDs))
	}

	var deleted int64
	acquired, err := uc.lock.WithLock(ctx, data.BatchLockName("sync"), syncLockTimeoutSec, func(ctx context.Context) error {
		return data.Transact(ctx, uc.store.DB(), func(tx *gorm.DB) error {
			n, err := uc.accounts.HardDelete(ctx, tx, prune)
			deleted = n
			return err
		})
	})
	if err != nil {
		return 0, pkgerrors.FromDatabaseError("sync delete", err)
	}
	if !acquired {
		return 0, pkgerrors.NewRateLimitedError("another sync delete is in progress")
	}

	uc.pool.InvalidateCache(ctx, nil)
	uc.logger.Warnw("msg", "sync delete executed", "retained", len(req.AccountIDs),
		"deleted", deleted, "client_ip", req.ClientIP, "forced", req.ForceSync)
	return deleted, nil
}
