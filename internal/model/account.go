// Package model holds the domain entities shared by the biz and data layers.
// Rows live in internal/data; everything above works with these types.
package model

import (
	"encoding/json"
	"time"

	"KiroGate/pkg/metadata"
)

// IDP 标识上游身份提供方。不同 IDP 决定默认的 header 版本与刷新端点。
type IDP string

// Known identity providers.
const (
	IDPAwsIdc    IDP = "AWSIdC"
	IDPBuilderID IDP = "BuilderId"
	IDPGithub    IDP = "Github"
	IDPGoogle    IDP = "Google"
)

// KnownIDP reports whether s is one of the supported identity providers.
func KnownIDP(s IDP) bool {
	switch s {
	case IDPAwsIdc, IDPBuilderID, IDPGithub, IDPGoogle:
		return true
	}
	return false
}

// AccountStatus is the lifecycle state of an upstream account.
type AccountStatus string

// Account status values.
const (
	StatusActive     AccountStatus = "active"
	StatusError      AccountStatus = "error"
	StatusExpired    AccountStatus = "expired"
	StatusRefreshing AccountStatus = "refreshing"
	StatusBanned     AccountStatus = "banned"
)

// KnownStatus reports whether s is a recognized account status.
func KnownStatus(s AccountStatus) bool {
	switch s {
	case StatusActive, StatusError, StatusExpired, StatusRefreshing, StatusBanned:
		return true
	}
	return false
}

// AuthMethod selects the vendor refresh endpoint for an account.
type AuthMethod string

// Auth methods.
const (
	AuthMethodSocial AuthMethod = "social"
	AuthMethodOIDC   AuthMethod = "oidc"
	AuthMethodIdC    AuthMethod = "IdC"
)

// TokenValidityMargin 是 token 的安全余量：expiresAt 距当前时间不足
// 15 分钟的 token 视为不可用，由刷新器提前轮换。
const TokenValidityMargin = 15 * time.Minute

// Credentials 为账户持有的 OAuth 凭据，仅由刷新器与登录流程修改。
type Credentials struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ClientID     string     `json:"clientId,omitempty"`
	ClientIDHash string     `json:"clientIdHash,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
	Region       string     `json:"region"`
	ExpiresAt    int64      `json:"expiresAt"` // epoch ms
	AuthMethod   AuthMethod `json:"authMethod"`
	Provider     string     `json:"provider,omitempty"`
}

// HeaderParams 控制出站请求的指纹。V1 走 codewhisperer 旧域名，
// V2 走 q 新域名；升级 V1→V2 必须同时重置 invocation id / device hash
// 并钉住新的 SDK/IDE 版本串。
type HeaderParams struct {
	Version         int32  `json:"headerVersion"`
	AmzInvocationID string `json:"amzInvocationId,omitempty"` // UUIDv4
	KiroDeviceHash  string `json:"kiroDeviceHash,omitempty"`  // 64 hex chars
	SdkJsVersion    string `json:"sdkJsVersion,omitempty"`
	IdeVersion      string `json:"ideVersion,omitempty"`
}

// Default pinned version strings per header generation.
const (
	SdkVersionV1 = "1.0.0"
	IdeVersionV1 = "0.6.18"
	SdkVersionV2 = "1.0.27"
	IdeVersionV2 = "0.8.0"
)

// DefaultVersionsFor returns the pinned SDK/IDE version strings for a header
// generation.
func DefaultVersionsFor(headerVersion int32) (sdk, ide string) {
	if headerVersion >= 2 {
		return SdkVersionV2, IdeVersionV2
	}
	return SdkVersionV1, IdeVersionV1
}

// Account is the dominant entity of the pool. Identity is the opaque ID;
// (Email, IDP) is unique among non-deleted rows.
type Account struct {
	ID       string        `json:"id"`
	Email    string        `json:"email"`
	UserID   string        `json:"userId,omitempty"`
	Nickname string        `json:"nickname,omitempty"`
	IDP      IDP           `json:"idp"`
	Status   AccountStatus `json:"status"`

	GroupID *string  `json:"groupId,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	Credentials Credentials  `json:"credentials"`
	Header      HeaderParams `json:"header"`

	// Usage drives selection (percentUsed ordering, margin filter); the
	// subscription / resource detail blobs are vendor-reported and opaque.
	Usage          metadata.AccountUsage `json:"usage"`
	Subscription   json.RawMessage       `json:"subscription,omitempty"`
	ResourceDetail json.RawMessage       `json:"resourceDetail,omitempty"`

	APICallCount   int64 `json:"apiCallCount"`
	APITotalTokens int64 `json:"apiTotalTokens"`
	APILastCallAt  int64 `json:"apiLastCallAt,omitempty"` // epoch ms

	LastError string `json:"lastError,omitempty"`

	Version   int64 `json:"version"`
	UpdatedAt int64 `json:"updatedAt"` // epoch ms
	IsDel     bool  `json:"isDel,omitempty"`
	DeletedAt int64 `json:"deletedAt,omitempty"`
}

// TokenValid reports whether the access token is still usable at now,
// honoring the 15-minute safety margin.
func (a *Account) TokenValid(now time.Time) bool {
	return a.Credentials.ExpiresAt > now.Add(TokenValidityMargin).UnixMilli()
}

// HasCredentials reports whether the account carries an access token at all.
func (a *Account) HasCredentials() bool {
	return a.Credentials.AccessToken != ""
}

// Region returns the credential region, defaulting to us-east-1.
func (a *Account) Region() string {
	if a.Credentials.Region == "" {
		return "us-east-1"
	}
	return a.Credentials.Region
}
