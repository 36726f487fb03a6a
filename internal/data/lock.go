package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// Lock name classes. Names follow kiro:<class>:<id>.
const (
	lockClassRefresh = "refresh"
	lockClassPool    = "pool"
	lockClassAccount = "account"
	lockClassBatch   = "batch"
)

// RefreshLockName names the per-account token refresh lock.
func RefreshLockName(accountID string) string {
	return fmt.Sprintf("kiro:%s:%s", lockClassRefresh, accountID)
}

// PoolLockName names a pool-scoped lock.
func PoolLockName(id string) string {
	return fmt.Sprintf("kiro:%s:%s", lockClassPool, id)
}

// AccountLockName names a per-account mutation lock.
func AccountLockName(accountID string) string {
	return fmt.Sprintf("kiro:%s:%s", lockClassAccount, accountID)
}

// BatchLockName names a batch-operation lock.
func BatchLockName(id string) string {
	return fmt.Sprintf("kiro:%s:%s", lockClassBatch, id)
}

// LockHandle 持有承载 GET_LOCK 的专用连接。MySQL 建议锁是会话级的，
// 连接归还即锁释放，所以句柄在 Release 前独占该连接。
type LockHandle struct {
	name string
	conn *sql.Conn
}

// Name returns the lock name this handle was acquired for.
func (h *LockHandle) Name() string { return h.name }

// DistributedLock provides named, time-bounded advisory locks on the store,
// shared across process replicas.
type DistributedLock struct {
	sqlDB  *sql.DB
	logger *log.Helper
}

// NewDistributedLock creates the advisory lock facility on the MySQL pool.
func NewDistributedLock(db *gorm.DB, logger log.Logger) (*DistributedLock, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("lock: failed to get sql.DB: %w", err)
	}
	return &DistributedLock{
		sqlDB:  sqlDB,
		logger: log.NewHelper(logger),
	}, nil
}

// TryAcquire blocks up to timeoutSec for the named lock; timeoutSec 0 is
// non-blocking. On success it returns a handle owning a dedicated connection.
func (l *DistributedLock) TryAcquire(ctx context.Context, name string, timeoutSec int) (bool, *LockHandle, error) {
	conn, err := l.sqlDB.Conn(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("lock: failed to acquire connection: %w", err)
	}

	var got sql.NullInt64
	err = conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, timeoutSec).Scan(&got)
	if err != nil {
		_ = conn.Close()
		return false, nil, fmt.Errorf("lock: GET_LOCK %s failed: %w", name, err)
	}

	// NULL means an error (such as running out of memory), 0 means timeout.
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return false, nil, nil
	}

	return true, &LockHandle{name: name, conn: conn}, nil
}

// Release frees the named lock and returns the underlying connection to the
// pool. Safe to call more than once.
func (l *DistributedLock) Release(ctx context.Context, handle *LockHandle) error {
	if handle == nil || handle.conn == nil {
		return nil
	}

	var released sql.NullInt64
	err := handle.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", handle.name).Scan(&released)
	closeErr := handle.conn.Close()
	handle.conn = nil

	if err != nil {
		// The connection close released the session lock anyway.
		l.logger.Warnw("msg", "RELEASE_LOCK query failed, lock freed by connection close",
			"lock", handle.name, "error", err.Error())
		return closeErr
	}
	return closeErr
}

// IsFree reports whether the named lock is currently unheld. Diagnostics only.
func (l *DistributedLock) IsFree(ctx context.Context, name string) (bool, error) {
	var free sql.NullInt64
	err := l.sqlDB.QueryRowContext(ctx, "SELECT IS_FREE_LOCK(?)", name).Scan(&free)
	if err != nil {
		return false, fmt.Errorf("lock: IS_FREE_LOCK %s failed: %w", name, err)
	}
	return free.Valid && free.Int64 == 1, nil
}

// IsHeld reports whether the named lock is held by the given handle's
// session. Diagnostics only.
func (l *DistributedLock) IsHeld(ctx context.Context, name string, handle *LockHandle) (bool, error) {
	if handle == nil || handle.conn == nil {
		return false, nil
	}

	var ownerConnID sql.NullInt64
	if err := l.sqlDB.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?)", name).Scan(&ownerConnID); err != nil {
		return false, fmt.Errorf("lock: IS_USED_LOCK %s failed: %w", name, err)
	}
	if !ownerConnID.Valid {
		return false, nil
	}

	var selfConnID int64
	if err := handle.conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&selfConnID); err != nil {
		return false, fmt.Errorf("lock: CONNECTION_ID failed: %w", err)
	}
	return ownerConnID.Int64 == selfConnID, nil
}

// WithLock runs fn under the named lock, releasing on every exit path
// including panics. Returns (false, nil) without running fn when the lock is
// contended.
func (l *DistributedLock) WithLock(ctx context.Context, name string, timeoutSec int, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, handle, err := l.TryAcquire(ctx, name, timeoutSec)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	defer func() {
		releaseErr := l.Release(context.WithoutCancel(ctx), handle)
		if err == nil {
			err = releaseErr
		}
		if r := recover(); r != nil {
			panic(r)
		}
	}()

	return true, fn(ctx)
}
