package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"KiroGate/internal/model"
)

const (
	// refreshSocialTemplate is the desktop refresh endpoint for social logins.
	refreshSocialTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// refreshOIDCTemplate is the AWS OIDC endpoint for IdC / oidc accounts.
	refreshOIDCTemplate = "https://oidc.%s.amazonaws.com/token"

	refreshTimeout = 15 * time.Second

	// refreshUserAgent 是 social 刷新端点校验的 UA，改了会被拒。
	refreshUserAgent = "KiroBatchLoginCLI/1.0.0"
)

type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type oidcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grantType"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	ProfileARN   string `json:"profileArn,omitempty"`
}

// RefreshTokens rotates the account's access token against the endpoint its
// auth method dictates. Returned expiry is absolute epoch ms.
func (c *Client) RefreshTokens(ctx context.Context, acc *model.Account) (*model.RefreshedTokens, error) {
	if acc.Credentials.RefreshToken == "" {
		return nil, fmt.Errorf("account %s has no refresh token", acc.ID)
	}

	var (
		url      string
		reqBody  interface{}
		isSocial = acc.Credentials.AuthMethod == "" || acc.Credentials.AuthMethod == model.AuthMethodSocial
	)
	if isSocial {
		url = fmt.Sprintf(refreshSocialTemplate, acc.Region())
		reqBody = socialRefreshRequest{RefreshToken: acc.Credentials.RefreshToken}
	} else {
		url = fmt.Sprintf(refreshOIDCTemplate, acc.Region())
		reqBody = oidcRefreshRequest{
			ClientID:     acc.Credentials.ClientID,
			ClientSecret: acc.Credentials.ClientSecret,
			RefreshToken: acc.Credentials.RefreshToken,
			GrantType:    "refresh_token",
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if isSocial {
		req.Header.Set("User-Agent", refreshUserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warnw("msg", "token refresh rejected",
			"account_id", acc.ID, "status", resp.StatusCode, "body", string(body))
		// Body text flows into the error so the refresher can recognize
		// terminal rejections ("Bad credentials", suspension markers).
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("refresh response carried no access token")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &model.RefreshedTokens{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli(),
	}, nil
}
