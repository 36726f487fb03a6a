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

// GroupRow is the GORM model for the groups table. The api_key column is
// unique among non-null values and scopes inbound SKs to the group.
type GroupRow struct {
	ID          string  `gorm:"primaryKey;column:id;size:64"`
	Name        string  `gorm:"column:name;size:128;not null"`
	APIKey      *string `gorm:"column:api_key;size:255;uniqueIndex"`
	Color       string  `gorm:"column:color;size:32"`
	Order       int32   `gorm:"column:sort_order;default:0"`
	Description string  `gorm:"column:description;type:text"`
	Version     int64   `gorm:"column:version;not null;default:1"`
	UpdatedAt   int64   `gorm:"column:updated_at;not null"`
}

// TableName specifies the table name for GORM.
func (GroupRow) TableName() string {
	return "groups"
}

// GroupRepo stores account groups under optimistic versioning.
type GroupRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewGroupRepo creates the group repository.
func NewGroupRepo(db *gorm.DB, logger log.Logger) *GroupRepo {
	return &GroupRepo{db: db, logger: log.NewHelper(logger)}
}

func groupToDomain(row *GroupRow) *model.Group {
	return &model.Group{
		ID:          row.ID,
		Name:        row.Name,
		APIKey:      row.APIKey,
		Color:       row.Color,
		Order:       row.Order,
		Description: row.Description,
		Version:     row.Version,
		UpdatedAt:   row.UpdatedAt,
	}
}

func groupFromDomain(g *model.Group) *GroupRow {
	return &GroupRow{
		ID:          g.ID,
		Name:        g.Name,
		APIKey:      g.APIKey,
		Color:       g.Color,
		Order:       g.Order,
		Description: g.Description,
		Version:     g.Version,
		UpdatedAt:   g.UpdatedAt,
	}
}

// Create inserts a new group at version 1.
func (r *GroupRepo) Create(ctx context.Context, g *model.Group) (*model.Group, error) {
	created := *g
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.Version = 1
	created.UpdatedAt = nowMillis()

	err := WithRetry(ctx, r.logger, "create group", func() error {
		if err := r.db.WithContext(ctx).Create(groupFromDomain(&created)).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Infow("msg", "group created", "id", created.ID, "name", created.Name)
	return &created, nil
}

// GetByID returns the group or a not-found error.
func (r *GroupRepo) GetByID(ctx context.Context, id string) (*model.Group, error) {
	var row GroupRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.NewNotFoundError("group not found: %s", id)
		}
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return groupToDomain(&row), nil
}

// GetByAPIKey resolves a group-scoped SK. Returns not-found for unknown keys.
func (r *GroupRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.Group, error) {
	var row GroupRow
	if err := r.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.NewNotFoundError("no group for api key")
		}
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return groupToDomain(&row), nil
}

// List returns every group ordered by sort order then name.
func (r *GroupRepo) List(ctx context.Context) ([]*model.Group, error) {
	var rows []*GroupRow
	if err := r.db.WithContext(ctx).Order("sort_order ASC, name ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	groups := make([]*model.Group, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, groupToDomain(row))
	}
	return groups, nil
}

// UpdateWithVersion mutates under FOR UPDATE + version compare; mismatch
// returns CONFLICT with the winner's representation.
func (r *GroupRepo) UpdateWithVersion(ctx context.Context, id string, clientVersion int64, apply func(g *model.Group) error) (*model.Group, error) {
	var out *model.Group
	err := Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row GroupRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.NewNotFoundError("group not found: %s", id)
			}
			return pkgerrors.ClassifyDBError(err)
		}

		if row.Version != clientVersion {
			return pkgerrors.NewConflictError("group version conflict", row.Version, groupToDomain(&row))
		}

		g := groupToDomain(&row)
		if err := apply(g); err != nil {
			return err
		}
		g.Version = row.Version + 1
		g.UpdatedAt = nowMillis()

		if err := tx.Model(&GroupRow{}).Where("id = ?", id).
			Select("*").Omit("id").Updates(groupFromDomain(g)).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a group; clientVersion 0 skips the version check. Member
// accounts are detached, not deleted.
func (r *GroupRepo) Delete(ctx context.Context, id string, clientVersion int64) error {
	return Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row GroupRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.NewNotFoundError("group not found: %s", id)
			}
			return pkgerrors.ClassifyDBError(err)
		}
		if clientVersion != 0 && row.Version != clientVersion {
			return pkgerrors.NewConflictError("group version conflict", row.Version, groupToDomain(&row))
		}

		if err := tx.Model(&AccountRow{}).
			Where("group_id = ?", id).
			Updates(map[string]interface{}{
				"group_id":   nil,
				"version":    gorm.Expr("version + 1"),
				"updated_at": nowMillis(),
			}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}

		if err := tx.Where("id = ?", id).Delete(&GroupRow{}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
}
