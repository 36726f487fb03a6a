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

// SettingRow is the GORM model for the settings table. Values are stored as
// JSON text with a declared type.
type SettingRow struct {
	Key       string `gorm:"primaryKey;column:setting_key;size:128"`
	Type      string `gorm:"column:value_type;size:16;not null"`
	Value     string `gorm:"column:value;type:json"`
	Version   int64  `gorm:"column:version;not null;default:1"`
	UpdatedAt int64  `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for GORM.
func (SettingRow) TableName() string {
	return "settings"
}

// SettingRepo stores typed settings under optimistic versioning.
type SettingRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewSettingRepo creates the setting repository.
func NewSettingRepo(db *gorm.DB, logger log.Logger) *SettingRepo {
	return &SettingRepo{db: db, logger: log.NewHelper(logger)}
}

func settingToDomain(row *SettingRow) *model.Setting {
	return &model.Setting{
		Key:       row.Key,
		Type:      model.SettingType(row.Type),
		Value:     []byte(row.Value),
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}
}

// Get returns the setting or a not-found error.
func (r *SettingRepo) Get(ctx context.Context, key string) (*model.Setting, error) {
	var row SettingRow
	if err := r.db.WithContext(ctx).Where("setting_key = ?", key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.NewNotFoundError("setting not found: %s", key)
		}
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return settingToDomain(&row), nil
}

// List returns every setting ordered by key.
func (r *SettingRepo) List(ctx context.Context) ([]*model.Setting, error) {
	var rows []*SettingRow
	if err := r.db.WithContext(ctx).Order("setting_key ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	settings := make([]*model.Setting, 0, len(rows))
	for _, row := range rows {
		settings = append(settings, settingToDomain(row))
	}
	return settings, nil
}

// Upsert creates the key at version 1 or updates it under the version check.
// clientVersion 0 on an existing row is a conflict, matching PUT semantics.
func (r *SettingRepo) Upsert(ctx context.Context, s *model.Setting, clientVersion int64) (*model.Setting, error) {
	var out *model.Setting
	err := Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row SettingRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("setting_key = ?", s.Key).First(&row).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created := &SettingRow{
				Key:       s.Key,
				Type:      string(s.Type),
				Value:     string(s.Value),
				Version:   1,
				UpdatedAt: nowMillis(),
			}
			if err := tx.Create(created).Error; err != nil {
				return pkgerrors.ClassifyDBError(err)
			}
			out = settingToDomain(created)
			return nil

		case err != nil:
			return pkgerrors.ClassifyDBError(err)

		default:
			if row.Version != clientVersion {
				return pkgerrors.NewConflictError("setting version conflict", row.Version, settingToDomain(&row))
			}
			row.Type = string(s.Type)
			row.Value = string(s.Value)
			row.Version++
			row.UpdatedAt = nowMillis()
			if err := tx.Model(&SettingRow{}).Where("setting_key = ?", s.Key).Updates(map[string]interface{}{
				"value_type": row.Type,
				"value":      row.Value,
				"version":    row.Version,
				"updated_at": row.UpdatedAt,
			}).Error; err != nil {
				return pkgerrors.ClassifyDBError(err)
			}
			out = settingToDomain(&row)
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a setting; clientVersion 0 skips the version check.
func (r *SettingRepo) Delete(ctx context.Context, key string, clientVersion int64) error {
	return Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row SettingRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("setting_key = ?", key).First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.NewNotFoundError("setting not found: %s", key)
			}
			return pkgerrors.ClassifyDBError(err)
		}
		if clientVersion != 0 && row.Version != clientVersion {
			return pkgerrors.NewConflictError("setting version conflict", row.Version, settingToDomain(&row))
		}
		if err := tx.Where("setting_key = ?", key).Delete(&SettingRow{}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
}
