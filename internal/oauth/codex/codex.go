// Package codex implements the Codex (ChatGPT backend) OAuth token refresh
// call used by the refresh pipeline.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pollux-proxy/pollux/internal/oauth"
)

const (
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	TokenURL = "https://auth.openai.com/oauth/token"
)

// RefreshResult mirrors the fields the refresh pipeline needs, plus the
// ChatGPT account id and plan type Codex requires on every upstream call.
type RefreshResult struct {
	AccessToken     string
	RefreshToken    string
	Expiry          time.Time
	IDToken         string
	AccountID       string
	Email           string
	ChatGPTPlanType string
}

// Refresh exchanges refreshToken for a new access token against Codex's
// OAuth endpoint and decodes the id_token to recover the ChatGPT account id.
func Refresh(ctx context.Context, httpClient *http.Client, refreshToken string) (*RefreshResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("codex: refresh token is required")
	}
	data := url.Values{
		"client_id":     {ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {"openid profile email"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("codex: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex: refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("codex: read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &oauth.ServerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("codex: parse refresh response: %w", err)
	}

	rt := parsed.RefreshToken
	if rt == "" {
		rt = refreshToken
	}
	result := &RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: rt,
		Expiry:       time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		IDToken:      parsed.IDToken,
	}

	if claims, err := oauth.DecodeIDToken(parsed.IDToken); err == nil {
		result.Email = claims.Email
	}
	if extra, err := decodeCodexAuthInfo(parsed.IDToken); err == nil {
		result.AccountID = extra.ChatgptAccountID
		result.ChatGPTPlanType = extra.ChatgptPlanType
	}

	return result, nil
}

// codexAuthInfo is the Codex-specific namespaced claim carried inside the
// id_token, decoded separately from the generic oauth.IDTokenClaims because
// its key is a URL rather than a plain field name.
type codexAuthInfo struct {
	ChatgptAccountID string `json:"chatgpt_account_id"`
	ChatgptPlanType  string `json:"chatgpt_plan_type"`
}

func decodeCodexAuthInfo(idToken string) (*codexAuthInfo, error) {
	raw, err := oauth.DecodeIDTokenPayload(idToken)
	if err != nil {
		return nil, err
	}
	var claims struct {
		Auth codexAuthInfo `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, err
	}
	return &claims.Auth, nil
}
