// Package middleware provides the HTTP filters shared by every route group:
// request-id stamping, structured access logging and the two authentication
// schemes (Bearer SK for the chat surfaces, JWT session for the admin API).
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"KiroGate/internal/biz"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
)

// SessionCookie is the web session cookie name.
const SessionCookie = "auth_token"

type contextKey string

const (
	principalKey contextKey = "principal"
	requestIDKey contextKey = "request_id"
)

// PrincipalFromContext returns the authenticated caller, or nil on
// unauthenticated routes.
func PrincipalFromContext(ctx context.Context) *biz.Principal {
	p, _ := ctx.Value(principalKey).(*biz.Principal)
	return p
}

// RequestIDFromContext returns the request id stamped by the logging filter,
// minting one for contexts that bypassed it.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return NewRequestID()
}

func withPrincipal(r *http.Request, p *biz.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey, p))
}

// writeUnauthorized renders the 401 envelope shared by both auth schemes.
func writeUnauthorized(w http.ResponseWriter, err error, requestID string) {
	apiErr, ok := pkgerrors.AsAPIError(err)
	if !ok {
		apiErr = pkgerrors.NewAuthError(pkgerrors.CodeInvalidAPIKey, "authentication failed")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiErr.HTTPStatus())
	body := `{"error":{"message":` + jsonString(apiErr.Message) +
		`,"type":"authentication_error","code":` + jsonString(apiErr.Code) +
		`},"requestId":` + jsonString(requestID) + `}`
	_, _ = w.Write([]byte(body))
}

// jsonString quotes s as a JSON string, escaping the characters that can
// appear in error messages.
func jsonString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// bearerKey extracts the Bearer credential, reporting a format error for a
// malformed Authorization header.
func bearerKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// X-API-Key is accepted as a fallback for clients that cannot set
		// Authorization.
		return r.Header.Get("X-API-Key"), nil
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", pkgerrors.NewAuthError(pkgerrors.CodeInvalidAuthorizationFormat,
			"Authorization header must use the Bearer scheme")
	}
	return strings.TrimSpace(token), nil
}

// APIKeyAuth authenticates the chat surfaces: Bearer SK first, JWT session
// cookie as a fallback for web clients.
func APIKeyAuth(auth *biz.AuthUsecase, logger log.Logger) khttp.FilterFunc {
	helper := log.NewHelper(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := RequestIDFromContext(r.Context())

			key, err := bearerKey(r)
			if err != nil {
				writeUnauthorized(w, err, requestID)
				return
			}

			if key == "" {
				// Web clients reach the chat surfaces with their session.
				if cookie, cerr := r.Cookie(SessionCookie); cerr == nil && cookie.Value != "" {
					principal, verr := auth.VerifySession(cookie.Value)
					if verr != nil {
						writeUnauthorized(w, verr, requestID)
						return
					}
					next.ServeHTTP(w, withPrincipal(r, principal))
					return
				}
				writeUnauthorized(w,
					pkgerrors.NewAuthError(pkgerrors.CodeMissingAuthorization, "missing API key"), requestID)
				return
			}

			principal, err := auth.AuthenticateAPIKey(r.Context(), key)
			if err != nil {
				helper.Infow("msg", "API key rejected", "request_id", requestID, "path", r.URL.Path)
				writeUnauthorized(w, err, requestID)
				return
			}
			next.ServeHTTP(w, withPrincipal(r, principal))
		})
	}
}

// WebAuth authenticates the admin API: session cookie first, then a Bearer
// session JWT for non-browser admin clients.
func WebAuth(auth *biz.AuthUsecase, logger log.Logger) khttp.FilterFunc {
	helper := log.NewHelper(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := RequestIDFromContext(r.Context())

			token := ""
			if cookie, err := r.Cookie(SessionCookie); err == nil {
				token = cookie.Value
			}
			if token == "" {
				if bearer, err := bearerKey(r); err == nil {
					token = bearer
				}
			}
			if token == "" {
				writeUnauthorized(w,
					pkgerrors.NewAuthError(pkgerrors.CodeMissingAuthorization, "admin session required"), requestID)
				return
			}

			principal, err := auth.VerifySession(token)
			if err != nil {
				helper.Infow("msg", "admin session rejected", "request_id", requestID, "path", r.URL.Path)
				writeUnauthorized(w, err, requestID)
				return
			}
			next.ServeHTTP(w, withPrincipal(r, principal))
		})
	}
}
