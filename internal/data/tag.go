package data

import (
	"context"
	"errors"

	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TagRow is the GORM model for the tags table.
type TagRow struct {
	ID        string `gorm:"primaryKey;column:id;size:64"`
	Name      string `gorm:"column:name;size:128;not null"`
	Color     string `gorm:"column:color;size:32"`
	Version   int64  `gorm:"column:version;not null;default:1"`
	UpdatedAt int64  `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for GORM.
func (TagRow) TableName() string {
	return "tags"
}

// TagRepo stores tags under optimistic versioning.
type TagRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewTagRepo creates the tag repository.
func NewTagRepo(db *gorm.DB, logger log.Logger) *TagRepo {
	return &TagRepo{db: db, logger: log.NewHelper(logger)}
}

func tagToDomain(row *TagRow) *model.Tag {
	return &model.Tag{
		ID:        row.ID,
		Name:      row.Name,
		Color:     row.Color,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}
}

// Create inserts a new tag at version 1.
func (r *TagRepo) Create(ctx context.Context, t *model.Tag) (*model.Tag, error) {
	created := *t
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.Version = 1
	created.UpdatedAt = nowMillis()

	err := WithRetry(ctx, r.logger, "create tag", func() error {
		row := &TagRow{
			ID:        created.ID,
			Name:      created.Name,
			Color:     created.Color,
			Version:   created.Version,
			UpdatedAt: created.UpdatedAt,
		}
		if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// GetByID returns the tag or a not-found error.
func (r *TagRepo) GetByID(ctx context.Context, id string) (*model.Tag, error) {
	var row TagRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.NewNotFoundError("tag not found: %s", id)
		}
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return tagToDomain(&row), nil
}

// List returns every tag ordered by name.
func (r *TagRepo) List(ctx context.Context) ([]*model.Tag, error) {
	var rows []*TagRow
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	tags := make([]*model.Tag, 0, len(rows))
	for _, row := range rows {
		tags = append(tags, tagToDomain(row))
	}
	return tags, nil
}

// UpdateWithVersion mutates under FOR UPDATE + version compare.
func (r *TagRepo) UpdateWithVersion(ctx context.Context, id string, clientVersion int64, apply func(t *model.Tag) error) (*model.Tag, error) {
	var out *model.Tag
	err := Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row TagRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.NewNotFoundError("tag not found: %s", id)
			}
			return pkgerrors.ClassifyDBError(err)
		}

		if row.Version != clientVersion {
			return pkgerrors.NewConflictError("tag version conflict", row.Version, tagToDomain(&row))
		}

		t := tagToDomain(&row)
		if err := apply(t); err != nil {
			return err
		}
		t.Version = row.Version + 1
		t.UpdatedAt = nowMillis()

		if err := tx.Model(&TagRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"name":       t.Name,
			"color":      t.Color,
			"version":    t.Version,
			"updated_at": t.UpdatedAt,
		}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a tag; clientVersion 0 skips the version check.
func (r *TagRepo) Delete(ctx context.Context, id string, clientVersion int64) error {
	return Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row TagRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.NewNotFoundError("tag not found: %s", id)
			}
			return pkgerrors.ClassifyDBError(err)
		}
		if clientVersion != 0 && row.Version != clientVersion {
			return pkgerrors.NewConflictError("tag version conflict", row.Version, tagToDomain(&row))
		}
		if err := tx.Where("id = ?", id).Delete(&TagRow{}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
}
