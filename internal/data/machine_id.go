package data

import (
	"context"
	"errors"

	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// MachineIDRow is the GORM model for the account_machine_ids table.
type MachineIDRow struct {
	AccountID string `gorm:"primaryKey;column:account_id;size:64"`
	MachineID string `gorm:"column:machine_id;size:128;not null"`
	UpdatedAt int64  `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for GORM.
func (MachineIDRow) TableName() string {
	return "account_machine_ids"
}

// MachineIDHistoryRow is the append-only machine_id_history table.
type MachineIDHistoryRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement;column:id"`
	AccountID string `gorm:"column:account_id;size:64;not null;index"`
	MachineID string `gorm:"column:machine_id;size:128;not null"`
	ChangedAt int64  `gorm:"column:changed_at;not null"`
}

// TableName specifies the table name for GORM.
func (MachineIDHistoryRow) TableName() string {
	return "machine_id_history"
}

// MachineIDRepo stores account -> machine id bindings with append-only
// history.
type MachineIDRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewMachineIDRepo creates the machine id repository.
func NewMachineIDRepo(db *gorm.DB, logger log.Logger) *MachineIDRepo {
	return &MachineIDRepo{db: db, logger: log.NewHelper(logger)}
}

// Get returns the current binding, or a not-found error.
func (r *MachineIDRepo) Get(ctx context.Context, accountID string) (*model.MachineIDBinding, error) {
	var row MachineIDRow
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.NewNotFoundError("no machine id bound for account %s", accountID)
		}
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return &model.MachineIDBinding{
		AccountID: row.AccountID,
		MachineID: row.MachineID,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// Bind upserts the binding and appends a history entry in one transaction.
func (r *MachineIDRepo) Bind(ctx context.Context, accountID, machineID string) (*model.MachineIDBinding, error) {
	now := nowMillis()
	err := Transact(ctx, r.db, func(tx *gorm.DB) error {
		result := tx.Model(&MachineIDRow{}).
			Where("account_id = ?", accountID).
			Updates(map[string]interface{}{"machine_id": machineID, "updated_at": now})
		if result.Error != nil {
			return pkgerrors.ClassifyDBError(result.Error)
		}
		if result.RowsAffected == 0 {
			if err := tx.Create(&MachineIDRow{
				AccountID: accountID,
				MachineID: machineID,
				UpdatedAt: now,
			}).Error; err != nil {
				return pkgerrors.ClassifyDBError(err)
			}
		}

		if err := tx.Create(&MachineIDHistoryRow{
			AccountID: accountID,
			MachineID: machineID,
			ChangedAt: now,
		}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Infow("msg", "machine id bound", "account_id", accountID)
	return &model.MachineIDBinding{AccountID: accountID, MachineID: machineID, UpdatedAt: now}, nil
}

// History returns the change log, newest first.
func (r *MachineIDRepo) History(ctx context.Context, accountID string, limit int) ([]*model.MachineIDHistoryEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []*MachineIDHistoryRow
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("changed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}

	entries := make([]*model.MachineIDHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, &model.MachineIDHistoryEntry{
			ID:        row.ID,
			AccountID: row.AccountID,
			MachineID: row.MachineID,
			ChangedAt: row.ChangedAt,
		})
	}
	return entries, nil
}
