package data

import (
	"context"
	"errors"

	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRow is the GORM model for the pool_round_robin table, the persisted
// fairness cursor shared by all process replicas.
type CursorRow struct {
	GroupKey     string `gorm:"primaryKey;column:group_id;size:64"`
	CurrentIndex int32  `gorm:"column:current_index;not null;default:0"`
	AccountCount int32  `gorm:"column:account_count;not null;default:0"`
	UpdatedAt    int64  `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for GORM.
func (CursorRow) TableName() string {
	return "pool_round_robin"
}

// CursorRepo advances the cross-process round-robin cursor.
type CursorRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewCursorRepo creates the cursor repository.
func NewCursorRepo(db *gorm.DB, logger log.Logger) *CursorRepo {
	return &CursorRepo{db: db, logger: log.NewHelper(logger)}
}

// Next 在事务里 FOR UPDATE 游标行并原子推进：
//  1. 行缺失则以 (0, accountCount) 插入；
//  2. 存储的账户数与当前不一致时报告 changed，越界索引归零；
//  3. 返回当前索引，写回 (index+1) mod N。
//
// changed=true 让池层失效本地缓存并重试一次，闭合拓扑变化与公平选择
// 之间的竞态。
func (c *CursorRepo) Next(ctx context.Context, groupKey string, accountCount int32) (index int32, changed bool, err error) {
	if accountCount <= 0 {
		return 0, false, pkgerrors.NewValidationError("cursor requires a positive account count")
	}

	err = Transact(ctx, c.db, func(tx *gorm.DB) error {
		var row CursorRow
		findErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("group_id = ?", groupKey).First(&row).Error

		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			row = CursorRow{
				GroupKey:     groupKey,
				CurrentIndex: 0,
				AccountCount: accountCount,
				UpdatedAt:    nowMillis(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return pkgerrors.ClassifyDBError(err)
			}

		case findErr != nil:
			return pkgerrors.ClassifyDBError(findErr)

		default:
			if row.AccountCount != accountCount {
				changed = true
				if row.CurrentIndex >= accountCount {
					row.CurrentIndex = 0
				}
			}
		}

		index = row.CurrentIndex

		next := (row.CurrentIndex + 1) % accountCount
		if err := tx.Model(&CursorRow{}).Where("group_id = ?", groupKey).
			Updates(map[string]interface{}{
				"current_index": next,
				"account_count": accountCount,
				"updated_at":    nowMillis(),
			}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return index, changed, nil
}

// Get returns the cursor row for diagnostics; absent rows yield a zero cursor.
func (c *CursorRepo) Get(ctx context.Context, groupKey string) (*model.PoolCursor, error) {
	var row CursorRow
	err := c.db.WithContext(ctx).Where("group_id = ?", groupKey).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.PoolCursor{GroupKey: groupKey}, nil
		}
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return &model.PoolCursor{
		GroupKey:     row.GroupKey,
		CurrentIndex: row.CurrentIndex,
		AccountCount: row.AccountCount,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}
