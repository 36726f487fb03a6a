package data

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"KiroGate/internal/conf"
	"KiroGate/internal/model"
	"KiroGate/pkg/crypto"
	pkgerrors "KiroGate/pkg/errors"
	"KiroGate/pkg/metadata"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRow is the GORM model for the accounts table. Credential columns
// carry the cred_ prefix; version/updated_at implement optimistic locking,
// is_del/deleted_at implement soft delete.
type AccountRow struct {
	ID       string `gorm:"primaryKey;column:id;size:64"`
	Email    string `gorm:"column:email;size:255;not null"`
	UserID   string `gorm:"column:user_id;size:128"`
	Nickname string `gorm:"column:nickname;size:128"`
	IDP      string `gorm:"column:idp;size:32;not null"`
	Status   string `gorm:"column:status;size:32;not null;default:'active'"`

	GroupID *string `gorm:"column:group_id;size:64"`
	Tags    string  `gorm:"column:tags;type:json"` // JSON array of tag ids

	CredAccessToken  string `gorm:"column:cred_access_token;type:text"`
	CredRefreshToken string `gorm:"column:cred_refresh_token;type:text"`
	CredClientID     string `gorm:"column:cred_client_id;size:255"`
	CredClientIDHash string `gorm:"column:cred_client_id_hash;size:255"`
	CredClientSecret string `gorm:"column:cred_client_secret;type:text"`
	CredRegion       string `gorm:"column:cred_region;size:32"`
	CredExpiresAt    int64  `gorm:"column:cred_expires_at"` // epoch ms
	CredAuthMethod   string `gorm:"column:cred_auth_method;size:16"`
	CredProvider     string `gorm:"column:cred_provider;size:64"`

	HeaderVersion   int32  `gorm:"column:header_version;default:0"`
	AmzInvocationID string `gorm:"column:amz_invocation_id;size:64"`
	KiroDeviceHash  string `gorm:"column:kiro_device_hash;size:64"`
	SdkJsVersion    string `gorm:"column:sdk_js_version;size:32"`
	IdeVersion      string `gorm:"column:ide_version;size:32"`

	UsageCurrent     float64 `gorm:"column:usage_current;default:0"`
	UsageLimit       float64 `gorm:"column:usage_limit;default:0"`
	UsagePercentUsed float64 `gorm:"column:usage_percent_used;default:0"`
	Subscription     string  `gorm:"column:subscription;type:json"`
	ResourceDetail   string  `gorm:"column:resource_detail;type:json"`

	APICallCount   int64 `gorm:"column:api_call_count;default:0"`
	APITotalTokens int64 `gorm:"column:api_total_tokens;default:0"`
	APILastCallAt  int64 `gorm:"column:api_last_call_at;default:0"`

	LastError string `gorm:"column:last_error;type:text"`

	Version   int64 `gorm:"column:version;not null;default:1"`
	UpdatedAt int64 `gorm:"column:updated_at;not null"` // epoch ms
	IsDel     bool  `gorm:"column:is_del;not null;default:false"`
	DeletedAt int64 `gorm:"column:deleted_at;default:0"`
}

// TableName specifies the table name for GORM.
func (AccountRow) TableName() string {
	return "accounts"
}

// AccountRepo is the account store: row/domain translation, upsert policies,
// optimistic-version mutations and the selection queries the pool runs.
type AccountRepo struct {
	db     *gorm.DB
	crypto *crypto.AESCrypto
	vendor *conf.Vendor
	logger *log.Helper
}

// NewAccountRepo creates the account repository. aes may be nil, in which
// case credentials are stored in plaintext.
func NewAccountRepo(db *gorm.DB, aes *crypto.AESCrypto, vendor *conf.Vendor, logger log.Logger) *AccountRepo {
	return &AccountRepo{
		db:     db,
		crypto: aes,
		vendor: vendor,
		logger: log.NewHelper(logger),
	}
}

// ---- row <-> domain ----

func (r *AccountRepo) encryptCred(s string) string {
	if r.crypto == nil || s == "" {
		return s
	}
	enc, err := r.crypto.Encrypt(s)
	if err != nil {
		r.logger.Warnw("msg", "credential encryption failed, storing plaintext", "error", err.Error())
		return s
	}
	return enc
}

func (r *AccountRepo) decryptCred(s string) string {
	if r.crypto == nil || s == "" {
		return s
	}
	dec, err := r.crypto.Decrypt(s)
	if err != nil {
		// Rows written before encryption was enabled stay readable.
		return s
	}
	return dec
}

// ToDomain converts a row into the domain account, decrypting credentials.
func (r *AccountRepo) ToDomain(row *AccountRow) *model.Account {
	var tags []string
	if row.Tags != "" {
		_ = json.Unmarshal([]byte(row.Tags), &tags)
	}

	acc := &model.Account{
		ID:       row.ID,
		Email:    row.Email,
		UserID:   row.UserID,
		Nickname: row.Nickname,
		IDP:      model.IDP(row.IDP),
		Status:   model.AccountStatus(row.Status),
		GroupID:  row.GroupID,
		Tags:     tags,
		Credentials: model.Credentials{
			AccessToken:  r.decryptCred(row.CredAccessToken),
			RefreshToken: r.decryptCred(row.CredRefreshToken),
			ClientID:     row.CredClientID,
			ClientIDHash: row.CredClientIDHash,
			ClientSecret: r.decryptCred(row.CredClientSecret),
			Region:       row.CredRegion,
			ExpiresAt:    row.CredExpiresAt,
			AuthMethod:   model.AuthMethod(row.CredAuthMethod),
			Provider:     row.CredProvider,
		},
		Header: model.HeaderParams{
			Version:         row.HeaderVersion,
			AmzInvocationID: row.AmzInvocationID,
			KiroDeviceHash:  row.KiroDeviceHash,
			SdkJsVersion:    row.SdkJsVersion,
			IdeVersion:      row.IdeVersion,
		},
		Usage: metadata.AccountUsage{
			Current:     row.UsageCurrent,
			Limit:       row.UsageLimit,
			PercentUsed: row.UsagePercentUsed,
		},
		APICallCount:   row.APICallCount,
		APITotalTokens: row.APITotalTokens,
		APILastCallAt:  row.APILastCallAt,
		LastError:      row.LastError,
		Version:        row.Version,
		UpdatedAt:      row.UpdatedAt,
		IsDel:          row.IsDel,
		DeletedAt:      row.DeletedAt,
	}
	if row.Subscription != "" {
		acc.Subscription = json.RawMessage(row.Subscription)
	}
	if row.ResourceDetail != "" {
		acc.ResourceDetail = json.RawMessage(row.ResourceDetail)
	}
	return acc
}

// FromDomain converts a domain account into a row, encrypting credentials.
// Version/UpdatedAt are managed by the mutation paths, not here.
func (r *AccountRepo) FromDomain(acc *model.Account) *AccountRow {
	tagsJSON := "[]"
	if len(acc.Tags) > 0 {
		if b, err := json.Marshal(acc.Tags); err == nil {
			tagsJSON = string(b)
		}
	}

	row := &AccountRow{
		ID:               acc.ID,
		Email:            acc.Email,
		UserID:           acc.UserID,
		Nickname:         acc.Nickname,
		IDP:              string(acc.IDP),
		Status:           string(acc.Status),
		GroupID:          acc.GroupID,
		Tags:             tagsJSON,
		CredAccessToken:  r.encryptCred(acc.Credentials.AccessToken),
		CredRefreshToken: r.encryptCred(acc.Credentials.RefreshToken),
		CredClientID:     acc.Credentials.ClientID,
		CredClientIDHash: acc.Credentials.ClientIDHash,
		CredClientSecret: r.encryptCred(acc.Credentials.ClientSecret),
		CredRegion:       acc.Credentials.Region,
		CredExpiresAt:    acc.Credentials.ExpiresAt,
		CredAuthMethod:   string(acc.Credentials.AuthMethod),
		CredProvider:     acc.Credentials.Provider,
		HeaderVersion:    acc.Header.Version,
		AmzInvocationID:  acc.Header.AmzInvocationID,
		KiroDeviceHash:   acc.Header.KiroDeviceHash,
		SdkJsVersion:     acc.Header.SdkJsVersion,
		IdeVersion:       acc.Header.IdeVersion,
		UsageCurrent:     acc.Usage.Current,
		UsageLimit:       acc.Usage.Limit,
		UsagePercentUsed: acc.Usage.PercentUsed,
		Subscription:     string(acc.Subscription),
		ResourceDetail:   string(acc.ResourceDetail),
		APICallCount:     acc.APICallCount,
		APITotalTokens:   acc.APITotalTokens,
		APILastCallAt:    acc.APILastCallAt,
		LastError:        acc.LastError,
		Version:          acc.Version,
		UpdatedAt:        acc.UpdatedAt,
		IsDel:            acc.IsDel,
		DeletedAt:        acc.DeletedAt,
	}
	return row
}

// ---- header defaults ----

// defaultHeaderVersion picks the header generation for a new account:
// explicit value > per-IDP override > built-in per-IDP default > global.
func (r *AccountRepo) defaultHeaderVersion(idp model.IDP) int32 {
	if r.vendor != nil {
		switch idp {
		case model.IDPAwsIdc:
			if r.vendor.HeaderVersionAwsIdc > 0 {
				return r.vendor.HeaderVersionAwsIdc
			}
		case model.IDPBuilderID:
			if r.vendor.HeaderVersionBuilderId > 0 {
				return r.vendor.HeaderVersionBuilderId
			}
		case model.IDPGithub:
			if r.vendor.HeaderVersionGithub > 0 {
				return r.vendor.HeaderVersionGithub
			}
		case model.IDPGoogle:
			if r.vendor.HeaderVersionGoogle > 0 {
				return r.vendor.HeaderVersionGoogle
			}
		}
	}
	switch idp {
	case model.IDPAwsIdc, model.IDPBuilderID:
		return 2
	case model.IDPGithub, model.IDPGoogle:
		return 1
	}
	if r.vendor != nil && r.vendor.DefaultHeaderVersion > 0 {
		return r.vendor.DefaultHeaderVersion
	}
	return 1
}

// FillHeaderDefaults completes missing header-generation parameters on a
// domain account: version per IDP, pinned SDK/IDE strings, fresh invocation
// id (UUIDv4) and device hash (32 random bytes hex).
func (r *AccountRepo) FillHeaderDefaults(acc *model.Account) {
	if acc.Header.Version == 0 {
		acc.Header.Version = r.defaultHeaderVersion(acc.IDP)
	}
	sdk, ide := model.DefaultVersionsFor(acc.Header.Version)
	if acc.Header.SdkJsVersion == "" {
		acc.Header.SdkJsVersion = sdk
	}
	if acc.Header.IdeVersion == "" {
		acc.Header.IdeVersion = ide
	}
	if acc.Header.AmzInvocationID == "" {
		acc.Header.AmzInvocationID = uuid.New().String()
	}
	if acc.Header.KiroDeviceHash == "" {
		acc.Header.KiroDeviceHash = newDeviceHash()
	}
}

// newDeviceHash generates a 64-hex-char hardware fingerprint.
func newDeviceHash() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// Deterministic fallback keeps the field non-empty.
		return hex.EncodeToString([]byte(uuid.New().String()))[:64]
	}
	return hex.EncodeToString(b)
}

func coalesce(existing, incoming string) string {
	if existing != "" {
		return existing
	}
	return incoming
}

// nowMillis is swapped in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// ---- mutations ----

// InsertAccount upserts by (email, idp) among non-deleted rows. Conflict
// policies: expiresAt keeps max(existing, incoming) so validity never
// regresses; header fingerprint fields coalesce(existing, incoming) so a
// null never overwrites a recorded hardware identity.
func (r *AccountRepo) InsertAccount(ctx context.Context, id string, acc *model.Account) (*model.Account, error) {
	if acc.Email == "" || !model.KnownIDP(acc.IDP) {
		return nil, pkgerrors.NewValidationError("account requires email and a known idp")
	}

	var out *model.Account
	err := WithRetry(ctx, r.logger, "insert account", func() error {
		return Transact(ctx, r.db, func(tx *gorm.DB) error {
			var existing AccountRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("email = ? AND idp = ? AND is_del = ?", acc.Email, string(acc.IDP), false).
				First(&existing).Error

			switch {
			case err == nil:
				merged := r.ToDomain(&existing)
				incoming := *acc

				merged.UserID = coalesce(incoming.UserID, merged.UserID)
				merged.Nickname = coalesce(incoming.Nickname, merged.Nickname)
				if incoming.Credentials.AccessToken != "" {
					merged.Credentials.AccessToken = incoming.Credentials.AccessToken
				}
				if incoming.Credentials.RefreshToken != "" {
					merged.Credentials.RefreshToken = incoming.Credentials.RefreshToken
				}
				merged.Credentials.ClientID = coalesce(incoming.Credentials.ClientID, merged.Credentials.ClientID)
				merged.Credentials.ClientIDHash = coalesce(incoming.Credentials.ClientIDHash, merged.Credentials.ClientIDHash)
				merged.Credentials.ClientSecret = coalesce(incoming.Credentials.ClientSecret, merged.Credentials.ClientSecret)
				merged.Credentials.Region = coalesce(incoming.Credentials.Region, merged.Credentials.Region)
				if incoming.Credentials.AuthMethod != "" {
					merged.Credentials.AuthMethod = incoming.Credentials.AuthMethod
				}
				merged.Credentials.Provider = coalesce(incoming.Credentials.Provider, merged.Credentials.Provider)
				// Never regress token validity.
				if incoming.Credentials.ExpiresAt > merged.Credentials.ExpiresAt {
					merged.Credentials.ExpiresAt = incoming.Credentials.ExpiresAt
				}

				// Hardware fingerprint: existing value wins over incoming.
				merged.Header.AmzInvocationID = coalesce(merged.Header.AmzInvocationID, incoming.Header.AmzInvocationID)
				merged.Header.KiroDeviceHash = coalesce(merged.Header.KiroDeviceHash, incoming.Header.KiroDeviceHash)
				merged.Header.SdkJsVersion = coalesce(merged.Header.SdkJsVersion, incoming.Header.SdkJsVersion)
				merged.Header.IdeVersion = coalesce(merged.Header.IdeVersion, incoming.Header.IdeVersion)
				if merged.Header.Version == 0 {
					merged.Header.Version = incoming.Header.Version
				}
				r.FillHeaderDefaults(merged)

				if incoming.Status != "" {
					merged.Status = incoming.Status
				}
				if incoming.Usage.Limit > 0 || incoming.Usage.Current > 0 {
					merged.Usage = incoming.Usage
				}
				if len(incoming.Subscription) > 0 {
					merged.Subscription = incoming.Subscription
				}
				if len(incoming.ResourceDetail) > 0 {
					merged.ResourceDetail = incoming.ResourceDetail
				}

				merged.Version = existing.Version + 1
				merged.UpdatedAt = nowMillis()

				row := r.FromDomain(merged)
				if err := tx.Model(&AccountRow{}).Where("id = ?", existing.ID).
					Select("*").Omit("id").Updates(row).Error; err != nil {
					return pkgerrors.ClassifyDBError(err)
				}
				merged.ID = existing.ID
				out = merged
				return nil

			case errors.Is(err, gorm.ErrRecordNotFound):
				created := *acc
				created.ID = id
				if created.ID == "" {
					created.ID = uuid.New().String()
				}
				if created.Status == "" {
					created.Status = model.StatusActive
				}
				if created.Credentials.Region == "" {
					created.Credentials.Region = "us-east-1"
				}
				r.FillHeaderDefaults(&created)
				created.Version = 1
				created.UpdatedAt = nowMillis()

				if err := tx.Create(r.FromDomain(&created)).Error; err != nil {
					return pkgerrors.ClassifyDBError(err)
				}
				out = &created
				return nil

			default:
				return pkgerrors.ClassifyDBError(err)
			}
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Infow("msg", "account upserted", "id", out.ID, "email", out.Email, "idp", out.IDP, "version", out.Version)
	return out, nil
}

// GetByID returns the non-deleted account, or a not-found error.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*model.Account, error) {
	var row AccountRow
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_del = ?", id, false).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.NewNotFoundError("account not found: %s", id)
		}
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return r.ToDomain(&row), nil
}

// availableMarginFloor 为硬过滤阈值：limit - current 必须大于该值
const availableMarginFloor = 5

// ListAvailable returns the selection candidates: non-deleted, active,
// credential-bearing accounts with usage margin above the floor, ordered by
// id ASC for stable round-robin.
func (r *AccountRepo) ListAvailable(ctx context.Context, groupID *string) ([]*model.Account, error) {
	query := r.db.WithContext(ctx).
		Where("is_del = ?", false).
		Where("status = ?", string(model.StatusActive)).
		Where("cred_access_token <> ''").
		Where("usage_limit - usage_current > ?", float64(availableMarginFloor))
	if groupID != nil {
		query = query.Where("group_id = ?", *groupID)
	}

	var rows []*AccountRow
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}

	accounts := make([]*model.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, r.ToDomain(row))
	}
	return accounts, nil
}

// ListAll returns every non-deleted account, optionally group-scoped.
func (r *AccountRepo) ListAll(ctx context.Context, groupID *string) ([]*model.Account, error) {
	query := r.db.WithContext(ctx).Where("is_del = ?", false)
	if groupID != nil {
		query = query.Where("group_id = ?", *groupID)
	}

	var rows []*AccountRow
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}

	accounts := make([]*model.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, r.ToDomain(row))
	}
	return accounts, nil
}

// ListNeedingRefresh returns active accounts whose token expires inside
// (now, now+window], excluding banned/error/deleted rows. The caller clamps
// the window; ordering is soonest-expiry first.
func (r *AccountRepo) ListNeedingRefresh(ctx context.Context, window time.Duration) ([]*model.Account, error) {
	now := nowMillis()
	upper := now + window.Milliseconds()

	var rows []*AccountRow
	err := r.db.WithContext(ctx).
		Where("is_del = ?", false).
		Where("status = ?", string(model.StatusActive)).
		Where("cred_refresh_token <> ''").
		Where("cred_expires_at > ? AND cred_expires_at <= ?", now, upper).
		Order("cred_expires_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}

	accounts := make([]*model.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, r.ToDomain(row))
	}
	return accounts, nil
}

// UpdateTokens persists rotated credentials. An empty refreshToken keeps the
// stored one. Clears lastError and bumps the version.
func (r *AccountRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error {
	updates := map[string]interface{}{
		"cred_access_token": r.encryptCred(accessToken),
		"cred_expires_at":   expiresAt,
		"last_error":        "",
		"version":           gorm.Expr("version + 1"),
		"updated_at":        nowMillis(),
	}
	if refreshToken != "" {
		updates["cred_refresh_token"] = r.encryptCred(refreshToken)
	}

	return r.updateByID(ctx, id, updates, "update tokens")
}

// UpdateStatus sets the account status and last error.
func (r *AccountRepo) UpdateStatus(ctx context.Context, id string, status model.AccountStatus, lastError string) error {
	return r.updateByID(ctx, id, map[string]interface{}{
		"status":     string(status),
		"last_error": lastError,
		"version":    gorm.Expr("version + 1"),
		"updated_at": nowMillis(),
	}, "update status")
}

// IncrementAPICall bumps the usage counters. Fire-and-forget callers ignore
// the error.
func (r *AccountRepo) IncrementAPICall(ctx context.Context, id string, tokens int64) error {
	return r.updateByID(ctx, id, map[string]interface{}{
		"api_call_count":   gorm.Expr("api_call_count + 1"),
		"api_total_tokens": gorm.Expr("api_total_tokens + ?", tokens),
		"api_last_call_at": nowMillis(),
		"version":          gorm.Expr("version + 1"),
		"updated_at":       nowMillis(),
	}, "increment api call")
}

// MarkQuotaExhausted pins usage at the limit so the margin filter excludes
// the account until the vendor resets its quota. Status stays active.
func (r *AccountRepo) MarkQuotaExhausted(ctx context.Context, id string, lastError string) error {
	return r.updateByID(ctx, id, map[string]interface{}{
		"usage_current":      gorm.Expr("usage_limit"),
		"usage_percent_used": 100.0,
		"last_error":         lastError,
		"version":            gorm.Expr("version + 1"),
		"updated_at":         nowMillis(),
	}, "mark quota exhausted")
}

func (r *AccountRepo) updateByID(ctx context.Context, id string, updates map[string]interface{}, op string) error {
	return WithRetry(ctx, r.logger, op, func() error {
		result := r.db.WithContext(ctx).Model(&AccountRow{}).
			Where("id = ? AND is_del = ?", id, false).
			Updates(updates)
		if result.Error != nil {
			return pkgerrors.ClassifyDBError(result.Error)
		}
		if result.RowsAffected == 0 {
			return pkgerrors.NewNotFoundError("account not found: %s", id)
		}
		return nil
	})
}

// UpdateWithVersion applies the client's field changes under optimistic
// locking: the row is FOR UPDATE'd, the stored version compared against
// clientVersion, and on mismatch a CONFLICT error carrying the winner's
// version and full representation is returned.
func (r *AccountRepo) UpdateWithVersion(ctx context.Context, id string, clientVersion int64, apply func(acc *model.Account) error) (*model.Account, error) {
	var out *model.Account
	err := Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row AccountRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND is_del = ?", id, false).
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.NewNotFoundError("account not found: %s", id)
			}
			return pkgerrors.ClassifyDBError(err)
		}

		if row.Version != clientVersion {
			server := r.ToDomain(&row)
			return pkgerrors.NewConflictError("account version conflict", row.Version, server)
		}

		acc := r.ToDomain(&row)
		if err := apply(acc); err != nil {
			return err
		}

		acc.Version = row.Version + 1
		acc.UpdatedAt = nowMillis()
		updated := r.FromDomain(acc)
		if err := tx.Model(&AccountRow{}).Where("id = ?", id).
			Select("*").Omit("id").Updates(updated).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftDelete marks the row deleted. A clientVersion of 0 skips the version
// check (DELETE without version).
func (r *AccountRepo) SoftDelete(ctx context.Context, id string, clientVersion int64) error {
	return Transact(ctx, r.db, func(tx *gorm.DB) error {
		var row AccountRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND is_del = ?", id, false).
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.NewNotFoundError("account not found: %s", id)
			}
			return pkgerrors.ClassifyDBError(err)
		}

		if clientVersion != 0 && row.Version != clientVersion {
			return pkgerrors.NewConflictError("account version conflict", row.Version, r.ToDomain(&row))
		}

		now := nowMillis()
		if err := tx.Model(&AccountRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"is_del":     true,
			"deleted_at": now,
			"version":    row.Version + 1,
			"updated_at": now,
		}).Error; err != nil {
			return pkgerrors.ClassifyDBError(err)
		}
		return nil
	})
}

// HardDelete permanently removes rows by id. Only the guarded sync-delete
// flow reaches this.
func (r *AccountRepo) HardDelete(ctx context.Context, tx *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db := tx
	if db == nil {
		db = r.db.WithContext(ctx)
	}
	result := db.Where("id IN ?", ids).Delete(&AccountRow{})
	if result.Error != nil {
		return 0, pkgerrors.ClassifyDBError(result.Error)
	}
	return result.RowsAffected, nil
}

// ListChangedSince groups rows mutated after the watermark for incremental
// sync: created (version 1), updated, deleted.
func (r *AccountRepo) ListChangedSince(ctx context.Context, sinceMillis int64) (created, updated, deleted []*model.Account, err error) {
	var rows []*AccountRow
	if err := r.db.WithContext(ctx).
		Where("updated_at > ?", sinceMillis).
		Order("updated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, nil, nil, pkgerrors.ClassifyDBError(err)
	}

	for _, row := range rows {
		acc := r.ToDomain(row)
		switch {
		case row.IsDel:
			deleted = append(deleted, acc)
		case row.Version == 1:
			created = append(created, acc)
		default:
			updated = append(updated, acc)
		}
	}
	return created, updated, deleted, nil
}

// ListNonDeletedIDs returns the ids of all visible rows, the baseline the
// sync-delete reconciliation prunes against.
func (r *AccountRepo) ListNonDeletedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&AccountRow{}).
		Where("is_del = ?", false).Pluck("id", &ids).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return ids, nil
}

// CountNonDeleted returns the number of visible rows.
func (r *AccountRepo) CountNonDeleted(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&AccountRow{}).
		Where("is_del = ?", false).Count(&count).Error; err != nil {
		return 0, pkgerrors.ClassifyDBError(err)
	}
	return count, nil
}

// StatusCounts aggregates non-deleted accounts per status for health scoring.
func (r *AccountRepo) StatusCounts(ctx context.Context) (map[model.AccountStatus]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	err := r.db.WithContext(ctx).Model(&AccountRow{}).
		Select("status, COUNT(*) as count").
		Where("is_del = ?", false).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}

	counts := make(map[model.AccountStatus]int64, len(rows))
	for _, row := range rows {
		counts[model.AccountStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// DB exposes the underlying handle for batch transactions owned by biz.
func (r *AccountRepo) DB() *gorm.DB {
	return r.db
}

// WithTx returns a copy of the repository bound to tx, so batch operations
// can run repository methods inside one caller-owned transaction.
func (r *AccountRepo) WithTx(tx *gorm.DB) *AccountRepo {
	clone := *r
	clone.db = tx
	return &clone
}
