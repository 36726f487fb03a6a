package biz

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"KiroGate/internal/conf"
	"KiroGate/internal/data"
	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Auth defaults.
const (
	defaultJWTExpiry = 30 * 24 * time.Hour
	groupLRUSize     = 256
	groupLRUTTL      = 60 * time.Second
)

// Principal is the authenticated caller identity flowing through the request
// context. GroupID nil means unscoped (default key or web session).
type Principal struct {
	GroupID   *string
	GroupName string
	Web       bool
}

// groupCacheEntry is the in-process LRU value. Miss is cached too so an
// invalid key does not hammer Redis and the store on every request.
type groupCacheEntry struct {
	group *model.Group
	found bool
}

// AuthUsecase 负责两类认证：API 面的 Bearer SK（默认 key 或组级
// key，经 进程内 LRU → Redis → 存储 三级解析）和管理面的
// JWT 会话 cookie。
type AuthUsecase struct {
	groups *data.GroupRepo
	cache  data.CacheClient
	logger *log.Helper

	defaultAPIKey    string
	webLoginPassword string
	jwtSecret        []byte
	jwtExpiry        time.Duration

	lru *expirable.LRU[string, groupCacheEntry]
}

// NewAuthUsecase wires the auth usecase.
func NewAuthUsecase(groups *data.GroupRepo, cache data.CacheClient, ac *conf.Auth, logger log.Logger) *AuthUsecase {
	uc := &AuthUsecase{
		groups:    groups,
		cache:     cache,
		logger:    log.NewHelper(logger),
		jwtExpiry: defaultJWTExpiry,
		lru:       expirable.NewLRU[string, groupCacheEntry](groupLRUSize, nil, groupLRUTTL),
	}
	if ac != nil {
		uc.defaultAPIKey = ac.DefaultApiKey
		uc.webLoginPassword = ac.WebLoginPassword
		if ac.Jwt != nil {
			uc.jwtSecret = []byte(ac.Jwt.Secret)
			if ac.Jwt.Expires != nil && ac.Jwt.Expires.AsDuration() > 0 {
				uc.jwtExpiry = ac.Jwt.Expires.AsDuration()
			}
		}
	}
	return uc
}

// AuthenticateAPIKey resolves a Bearer SK to a principal. The default key
// grants the whole pool; otherwise the key must belong to a group.
func (uc *AuthUsecase) AuthenticateAPIKey(ctx context.Context, key string) (*Principal, error) {
	if key == "" {
		return nil, pkgerrors.NewAuthError(pkgerrors.CodeMissingAuthorization, "missing API key")
	}
	if uc.defaultAPIKey != "" &&
		subtle.ConstantTimeCompare([]byte(key), []byte(uc.defaultAPIKey)) == 1 {
		return &Principal{}, nil
	}

	group, err := uc.resolveGroup(ctx, key)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, pkgerrors.NewAuthError(pkgerrors.CodeInvalidAPIKey, "invalid API key")
	}
	gid := group.ID
	return &Principal{GroupID: &gid, GroupName: group.Name}, nil
}

// resolveGroup looks the key up through LRU, Redis and finally the store.
func (uc *AuthUsecase) resolveGroup(ctx context.Context, key string) (*model.Group, error) {
	if entry, ok := uc.lru.Get(key); ok {
		if !entry.found {
			return nil, nil
		}
		return entry.group, nil
	}

	cacheKey := data.BuildCacheKey(data.CacheKeyGroupByKey, key)
	if uc.cache != nil {
		var cached model.Group
		if err := uc.cache.Get(ctx, cacheKey, &cached); err == nil {
			uc.lru.Add(key, groupCacheEntry{group: &cached, found: true})
			return &cached, nil
		}
	}

	group, err := uc.groups.GetByAPIKey(ctx, key)
	if err != nil {
		if apiErr, ok := pkgerrors.AsAPIError(err); ok && apiErr.Type == pkgerrors.TypeNotFound {
			uc.lru.Add(key, groupCacheEntry{found: false})
			return nil, nil
		}
		return nil, err
	}

	uc.lru.Add(key, groupCacheEntry{group: group, found: true})
	if uc.cache != nil {
		if err := uc.cache.Set(ctx, cacheKey, group, data.TTLGroupByKey); err != nil {
			uc.logger.Debugw("msg", "failed to cache group lookup", "error", err.Error())
		}
	}
	return group, nil
}

// InvalidateGroupKey drops the cached resolution after a group key rotates.
func (uc *AuthUsecase) InvalidateGroupKey(ctx context.Context, key string) {
	uc.lru.Remove(key)
	if uc.cache != nil {
		_ = uc.cache.Delete(ctx, data.BuildCacheKey(data.CacheKeyGroupByKey, key))
	}
}

// WebLoginEnabled reports whether the password login surface is configured.
func (uc *AuthUsecase) WebLoginEnabled() bool {
	return uc.webLoginPassword != "" && len(uc.jwtSecret) > 0
}

// Login 验证口令并签发会话 JWT；未配置口令时整个登录面关闭。
func (uc *AuthUsecase) Login(ctx context.Context, password string) (token string, expiresAt time.Time, err error) {
	if !uc.WebLoginEnabled() {
		return "", time.Time{}, pkgerrors.NewNotFoundError("web login is disabled")
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(uc.webLoginPassword)) != 1 {
		return "", time.Time{}, pkgerrors.NewAuthError(pkgerrors.CodeInvalidAPIKey, "invalid password")
	}

	expiresAt = time.Now().Add(uc.jwtExpiry)
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(uc.jwtSecret)
	if err != nil {
		return "", time.Time{}, pkgerrors.NewInternalError("sign session token", err)
	}
	return token, expiresAt, nil
}

// VerifySession validates a session JWT from the auth cookie.
func (uc *AuthUsecase) VerifySession(tokenString string) (*Principal, error) {
	if len(uc.jwtSecret) == 0 {
		return nil, pkgerrors.NewAuthError(pkgerrors.CodeInvalidAPIKey, "session auth is disabled")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return uc.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, pkgerrors.NewAuthError(pkgerrors.CodeTokenExpired, "invalid or expired session")
	}
	return &Principal{Web: true}, nil
}
