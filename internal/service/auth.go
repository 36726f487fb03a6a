package service

import (
	"net/http"
	"time"

	"KiroGate/internal/biz"
	"KiroGate/internal/server/middleware"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// AuthService 提供管理面的口令登录：校验 WEB_LOGIN_PASSWORD，
// 签发 30 天 JWT 并写入 HttpOnly cookie。
type AuthService struct {
	auth   *biz.AuthUsecase
	logger *log.Helper
}

// NewAuthService wires the auth surface.
func NewAuthService(auth *biz.AuthUsecase, logger log.Logger) *AuthService {
	return &AuthService{auth: auth, logger: log.NewHelper(logger)}
}

func writeAuthError(w http.ResponseWriter, err error, requestID string) {
	apiErr := asAPIError(err, requestID)
	writeJSON(w, apiErr.HTTPStatus(), map[string]interface{}{
		"error": map[string]interface{}{
			"message": apiErr.Message,
			"type":    "authentication_error",
			"code":    apiErr.Code,
		},
		"requestId": apiErr.RequestID,
	})
}

// Login handles POST /api/auth/login.
func (s *AuthService) Login(ctx khttp.Context) error {
	r := ctx.Request()
	w := ctx.Response()
	requestID := middleware.RequestIDFromContext(r.Context())

	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, err, requestID)
		return nil
	}

	token, expiresAt, err := s.auth.Login(r.Context(), req.Password)
	if err != nil {
		s.logger.Warnw("msg", "web login rejected", "request_id", requestID, "ip", clientIP(r))
		writeAuthError(w, err, requestID)
		return nil
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expiresAt.UnixMilli(),
	})
	return nil
}

// Logout handles POST /api/auth/logout.
func (s *AuthService) Logout(ctx khttp.Context) error {
	w := ctx.Response()
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
	return nil
}

// Check handles GET /api/auth/check: introspects the session cookie.
func (s *AuthService) Check(ctx khttp.Context) error {
	r := ctx.Request()
	w := ctx.Response()
	requestID := middleware.RequestIDFromContext(r.Context())

	cookie, err := r.Cookie(middleware.SessionCookie)
	if err != nil || cookie.Value == "" {
		writeAuthError(w, pkgerrors.NewAuthError(pkgerrors.CodeMissingAuthorization, "no session cookie"), requestID)
		return nil
	}
	if _, err := s.auth.VerifySession(cookie.Value); err != nil {
		writeAuthError(w, err, requestID)
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"loginEnabled":  s.auth.WebLoginEnabled(),
	})
	return nil
}
