package service

import (
	"net/http"
	"strconv"

	"KiroGate/internal/biz"
	"KiroGate/internal/model"
	"KiroGate/internal/server/middleware"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// AdminService 承载 /api/v2 管理面与遗留的 /api/data 批量同步。
// 所有写路径走乐观并发：客户端带 version，409 响应携带
// currentVersion 与 serverData 供自动重试。
type AdminService struct {
	admin     *biz.AdminUsecase
	auth      *biz.AuthUsecase
	refresher *biz.TokenRefresher
	logger    *log.Helper
}

// NewAdminService wires the admin surface.
func NewAdminService(admin *biz.AdminUsecase, auth *biz.AuthUsecase, refresher *biz.TokenRefresher, logger log.Logger) *AdminService {
	return &AdminService{admin: admin, auth: auth, refresher: refresher, logger: log.NewHelper(logger)}
}

// writeAdminError renders the taxonomy in the admin envelope. Conflicts carry
// the winner's version and row so clients can retry.
func writeAdminError(w http.ResponseWriter, err error, requestID string) {
	apiErr := asAPIError(err, requestID)
	body := map[string]interface{}{
		"error":     apiErr.Message,
		"type":      string(apiErr.Type),
		"requestId": apiErr.RequestID,
	}
	if apiErr.Type == pkgerrors.TypeConflict {
		body["currentVersion"] = apiErr.CurrentVersion
		body["serverData"] = apiErr.ServerData
		body["retryable"] = apiErr.Retryable
	}
	writeJSON(w, apiErr.HTTPStatus(), body)
}

// versionParam reads the optional ?version= assertion (0 skips the check).
func versionParam(ctx khttp.Context) int64 {
	v, _ := strconv.ParseInt(ctx.Query().Get("version"), 10, 64)
	return v
}

// --- Accounts ---

// ListAccounts handles GET /api/v2/accounts.
func (s *AdminService) ListAccounts(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var groupID *string
	if g := ctx.Query().Get("groupId"); g != "" {
		groupID = &g
	}
	accounts, err := s.admin.ListAccounts(r.Context(), groupID)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{"accounts": accounts})
	return nil
}

// CreateAccount handles POST /api/v2/accounts.
func (s *AdminService) CreateAccount(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var acc model.Account
	if err := decodeJSON(r, &acc); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	created, err := s.admin.CreateAccount(r.Context(), &acc)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusCreated, created)
	return nil
}

// GetAccount handles GET /api/v2/accounts/{id}.
func (s *AdminService) GetAccount(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	acc, err := s.admin.GetAccount(r.Context(), ctx.Vars().Get("id"))
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, acc)
	return nil
}

// UpdateAccount handles PUT /api/v2/accounts/{id}. The body is a partial
// account carrying the asserted version; zero fields stay untouched.
func (s *AdminService) UpdateAccount(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var patch model.Account
	if err := decodeJSON(r, &patch); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	updated, err := s.admin.PatchAccount(r.Context(), ctx.Vars().Get("id"), patch.Version, &patch)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, updated)
	return nil
}

// DeleteAccount handles DELETE /api/v2/accounts/{id}.
func (s *AdminService) DeleteAccount(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	if err := s.admin.DeleteAccount(r.Context(), ctx.Vars().Get("id"), versionParam(ctx)); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]bool{"deleted": true})
	return nil
}

// Batch handles POST /api/v2/accounts/batch.
func (s *AdminService) Batch(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var req struct {
		Operations       []biz.BatchOperation `json:"operations"`
		RollbackStrategy biz.RollbackStrategy `json:"rollbackStrategy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	result, err := s.admin.ExecuteBatch(r.Context(), req.Operations, req.RollbackStrategy)
	if err != nil {
		// Aborted batches still report which operation failed.
		apiErr := asAPIError(err, requestID)
		writeJSON(ctx.Response(), apiErr.HTTPStatus(), map[string]interface{}{
			"error":     apiErr.Message,
			"type":      string(apiErr.Type),
			"requestId": apiErr.RequestID,
			"result":    result,
		})
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, result)
	return nil
}

// RefreshAccount handles POST /api/v2/accounts/{id}/refresh: forces a token
// refresh under the per-account lock.
func (s *AdminService) RefreshAccount(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	tokens, err := s.refresher.RefreshAccountNow(r.Context(), ctx.Vars().Get("id"))
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{
		"refreshed": true,
		"expiresAt": tokens.ExpiresAt,
	})
	return nil
}

// --- Machine IDs ---

// GetMachineID handles GET /api/v2/accounts/{id}/machine-id.
func (s *AdminService) GetMachineID(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	binding, err := s.admin.GetMachineID(r.Context(), ctx.Vars().Get("id"))
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, binding)
	return nil
}

// BindMachineID handles PUT /api/v2/accounts/{id}/machine-id.
func (s *AdminService) BindMachineID(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var req struct {
		MachineID string `json:"machineId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	if req.MachineID == "" {
		writeAdminError(ctx.Response(), pkgerrors.NewValidationError("machineId is required"), requestID)
		return nil
	}
	binding, err := s.admin.BindMachineID(r.Context(), ctx.Vars().Get("id"), req.MachineID)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, binding)
	return nil
}

// MachineIDHistory handles GET /api/v2/accounts/{id}/machine-id/history.
func (s *AdminService) MachineIDHistory(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	limit, _ := strconv.Atoi(ctx.Query().Get("limit"))
	history, err := s.admin.MachineIDHistory(r.Context(), ctx.Vars().Get("id"), limit)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{"history": history})
	return nil
}

// --- Groups ---

// ListGroups handles GET /api/v2/groups.
func (s *AdminService) ListGroups(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	groups, err := s.admin.ListGroups(r.Context())
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{"groups": groups})
	return nil
}

// CreateGroup handles POST /api/v2/groups.
func (s *AdminService) CreateGroup(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var g model.Group
	if err := decodeJSON(r, &g); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	created, err := s.admin.CreateGroup(r.Context(), &g)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusCreated, created)
	return nil
}

// UpdateGroup handles PUT /api/v2/groups/{id}. A rotated API key drops the
// cached SK resolution for both the old and new key.
func (s *AdminService) UpdateGroup(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var patch model.Group
	if err := decodeJSON(r, &patch); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}

	var oldKey string
	if existing, err := s.admin.GetGroup(r.Context(), ctx.Vars().Get("id")); err == nil && existing.APIKey != nil {
		oldKey = *existing.APIKey
	}

	updated, err := s.admin.UpdateGroup(r.Context(), ctx.Vars().Get("id"), patch.Version, func(g *model.Group) error {
		if patch.Name != "" {
			g.Name = patch.Name
		}
		if patch.APIKey != nil {
			g.APIKey = patch.APIKey
		}
		if patch.Color != "" {
			g.Color = patch.Color
		}
		if patch.Order != 0 {
			g.Order = patch.Order
		}
		if patch.Description != "" {
			g.Description = patch.Description
		}
		return nil
	})
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}

	if oldKey != "" {
		s.auth.InvalidateGroupKey(r.Context(), oldKey)
	}
	if updated.APIKey != nil && *updated.APIKey != oldKey {
		s.auth.InvalidateGroupKey(r.Context(), *updated.APIKey)
	}
	writeJSON(ctx.Response(), http.StatusOK, updated)
	return nil
}

// DeleteGroup handles DELETE /api/v2/groups/{id}.
func (s *AdminService) DeleteGroup(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())
	id := ctx.Vars().Get("id")

	var oldKey string
	if existing, err := s.admin.GetGroup(r.Context(), id); err == nil && existing.APIKey != nil {
		oldKey = *existing.APIKey
	}
	if err := s.admin.DeleteGroup(r.Context(), id, versionParam(ctx)); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	if oldKey != "" {
		s.auth.InvalidateGroupKey(r.Context(), oldKey)
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]bool{"deleted": true})
	return nil
}

// --- Tags ---

// ListTags handles GET /api/v2/tags.
func (s *AdminService) ListTags(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	tags, err := s.admin.ListTags(r.Context())
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{"tags": tags})
	return nil
}

// CreateTag handles POST /api/v2/tags.
func (s *AdminService) CreateTag(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var t model.Tag
	if err := decodeJSON(r, &t); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	created, err := s.admin.CreateTag(r.Context(), &t)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusCreated, created)
	return nil
}

// UpdateTag handles PUT /api/v2/tags/{id}.
func (s *AdminService) UpdateTag(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var patch model.Tag
	if err := decodeJSON(r, &patch); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	updated, err := s.admin.UpdateTag(r.Context(), ctx.Vars().Get("id"), patch.Version, func(t *model.Tag) error {
		if patch.Name != "" {
			t.Name = patch.Name
		}
		if patch.Color != "" {
			t.Color = patch.Color
		}
		return nil
	})
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, updated)
	return nil
}

// DeleteTag handles DELETE /api/v2/tags/{id}.
func (s *AdminService) DeleteTag(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	if err := s.admin.DeleteTag(r.Context(), ctx.Vars().Get("id"), versionParam(ctx)); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]bool{"deleted": true})
	return nil
}

// --- Settings ---

// ListSettings handles GET /api/v2/settings.
func (s *AdminService) ListSettings(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	settings, err := s.admin.ListSettings(r.Context())
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{"settings": settings})
	return nil
}

// GetSetting handles GET /api/v2/settings/{key}.
func (s *AdminService) GetSetting(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	setting, err := s.admin.GetSetting(r.Context(), ctx.Vars().Get("key"))
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, setting)
	return nil
}

// UpsertSetting handles PUT /api/v2/settings/{key}.
func (s *AdminService) UpsertSetting(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var setting model.Setting
	if err := decodeJSON(r, &setting); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	setting.Key = ctx.Vars().Get("key")
	updated, err := s.admin.UpsertSetting(r.Context(), &setting, setting.Version)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, updated)
	return nil
}

// DeleteSetting handles DELETE /api/v2/settings/{key}.
func (s *AdminService) DeleteSetting(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	if err := s.admin.DeleteSetting(r.Context(), ctx.Vars().Get("key"), versionParam(ctx)); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, map[string]bool{"deleted": true})
	return nil
}

// --- Sync ---

// SyncChanges handles GET /api/v2/sync/changes?modifiedSince=.
func (s *AdminService) SyncChanges(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	since, err := strconv.ParseInt(ctx.Query().Get("modifiedSince"), 10, 64)
	if err != nil {
		writeAdminError(ctx.Response(), pkgerrors.NewValidationError("modifiedSince must be epoch milliseconds"), requestID)
		return nil
	}
	changes, err := s.admin.GetSyncChanges(r.Context(), since)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}
	writeJSON(ctx.Response(), http.StatusOK, changes)
	return nil
}

// legacySyncRequest is the POST /api/data body. accountIds lists every id
// the client retains; server rows outside that set get pruned.
type legacySyncRequest struct {
	Accounts   []*model.Account `json:"accounts"`
	SyncDelete *struct {
		AccountIDs        []string `json:"accountIds"`
		ConfirmSyncDelete bool     `json:"confirmSyncDelete"`
		ForceSync         bool     `json:"forceSync"`
	} `json:"syncDelete,omitempty"`
}

// LegacySync handles POST /api/data: bulk import plus the guarded
// reconciling hard delete. The delete portion demands the
// X-Confirm-Sync-Delete header on top of the body confirmation.
func (s *AdminService) LegacySync(ctx khttp.Context) error {
	r := ctx.Request()
	requestID := middleware.RequestIDFromContext(r.Context())

	var req legacySyncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}

	imported, err := s.admin.ImportAccounts(r.Context(), req.Accounts)
	if err != nil {
		writeAdminError(ctx.Response(), err, requestID)
		return nil
	}

	var deleted int64
	if req.SyncDelete != nil {
		deleted, err = s.admin.SyncDelete(r.Context(), &biz.SyncDeleteRequest{
			AccountIDs:    req.SyncDelete.AccountIDs,
			ConfirmHeader: r.Header.Get("X-Confirm-Sync-Delete") == "true",
			ConfirmBody:   req.SyncDelete.ConfirmSyncDelete,
			ForceSync:     req.SyncDelete.ForceSync,
			ClientIP:      clientIP(r),
		})
		if err != nil {
			// Report the import that did land alongside the refusal.
			apiErr := asAPIError(err, requestID)
			writeJSON(ctx.Response(), apiErr.HTTPStatus(), map[string]interface{}{
				"error":     apiErr.Message,
				"type":      string(apiErr.Type),
				"requestId": apiErr.RequestID,
				"imported":  imported,
			})
			return nil
		}
	}

	writeJSON(ctx.Response(), http.StatusOK, map[string]interface{}{
		"imported": imported,
		"deleted":  deleted,
	})
	return nil
}
