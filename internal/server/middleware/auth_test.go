package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"KiroGate/internal/biz"
	"KiroGate/internal/conf"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T) *biz.AuthUsecase {
	t.Helper()
	return biz.NewAuthUsecase(nil, nil, &conf.Auth{
		DefaultApiKey:    "sk-test-default",
		WebLoginPassword: "hunter2",
		Jwt:              &conf.Auth_JWT{Secret: "test-secret"},
	}, log.DefaultLogger)
}

func okHandler(t *testing.T, wantPrincipal bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if wantPrincipal {
			assert.NotNil(t, p)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, strings.Split(id, "_"), 3)
	assert.NotEqual(t, id, NewRequestID())
}

func TestRequestIDFromContext_MintsFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	id := RequestIDFromContext(r.Context())
	assert.True(t, strings.HasPrefix(id, "req_"))
}

func TestBearerKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer sk-abc")
	key, err := bearerKey(r)
	require.NoError(t, err)
	assert.Equal(t, "sk-abc", key)

	// 非 Bearer 形式按格式错误处理。
	r = httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = bearerKey(r)
	require.Error(t, err)
	apiErr, ok := pkgerrors.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, pkgerrors.CodeInvalidAuthorizationFormat, apiErr.Code)

	// X-API-Key fallback
	r = httptest.NewRequest("POST", "/", nil)
	r.Header.Set("X-API-Key", "sk-header")
	key, err = bearerKey(r)
	require.NoError(t, err)
	assert.Equal(t, "sk-header", key)
}

func TestAPIKeyAuth(t *testing.T) {
	auth := newTestAuth(t)
	filter := APIKeyAuth(auth, log.DefaultLogger)

	t.Run("default_key_passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set("Authorization", "Bearer sk-test-default")
		filter(okHandler(t, true)).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing_key_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		filter(okHandler(t, false)).ServeHTTP(rec, r)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var body struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    string `json:"code"`
			} `json:"error"`
			RequestID string `json:"requestId"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "authentication_error", body.Error.Type)
		assert.Equal(t, pkgerrors.CodeMissingAuthorization, body.Error.Code)
		assert.True(t, strings.HasPrefix(body.RequestID, "req_"))
	})

	t.Run("malformed_authorization_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set("Authorization", "Token sk-abc")
		filter(okHandler(t, false)).ServeHTTP(rec, r)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), pkgerrors.CodeInvalidAuthorizationFormat)
	})

	t.Run("session_cookie_fallback", func(t *testing.T) {
		token, _, err := auth.Login(httptest.NewRequest("GET", "/", nil).Context(), "hunter2")
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
		filter(okHandler(t, true)).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("garbage_cookie_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "not-a-jwt"})
		filter(okHandler(t, false)).ServeHTTP(rec, r)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), pkgerrors.CodeTokenExpired)
	})
}

func TestWebAuth(t *testing.T) {
	auth := newTestAuth(t)
	filter := WebAuth(auth, log.DefaultLogger)

	token, _, err := auth.Login(httptest.NewRequest("GET", "/", nil).Context(), "hunter2")
	require.NoError(t, err)

	t.Run("cookie_session", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/v2/accounts", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
		filter(okHandler(t, true)).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bearer_session", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/v2/accounts", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		filter(okHandler(t, true)).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no_session_401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/v2/accounts", nil)
		filter(okHandler(t, false)).ServeHTTP(rec, r)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), pkgerrors.CodeMissingAuthorization)
	})
}

func TestJSONString(t *testing.T) {
	assert.Equal(t, `"plain"`, jsonString("plain"))
	assert.Equal(t, `"a\"b\\c"`, jsonString(`a"b\c`))
	assert.Equal(t, `"line\nbreak"`, jsonString("line\nbreak"))
}

func TestRequestLog_StampsRequestID(t *testing.T) {
	filter := RequestLog(log.DefaultLogger)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/v1/models", nil)
	var seen string
	filter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, r)

	assert.True(t, strings.HasPrefix(seen, "req_"))
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))

	// 透传调用方自带的 X-Request-Id。
	rec = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/v1/models", nil)
	r.Header.Set("X-Request-Id", "req_upstream_1")
	filter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})).ServeHTTP(rec, r)
	assert.Equal(t, "req_upstream_1", seen)
	assert.Equal(t, "req_upstream_1", rec.Header().Get("X-Request-Id"))
}
