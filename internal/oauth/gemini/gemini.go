// Package gemini implements the GeminiCLI OAuth token refresh and
// companion-project onboarding calls used by the refresh pipeline.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pollux-proxy/pollux/internal/oauth"
)

const (
	ClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	ClientSecret = "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"

	apiEndpoint  = "https://cloudcode-pa.googleapis.com"
	apiVersion   = "v1internal"
	apiUserAgent = "GeminiCLI/0.1.0 (linux; x64)"
)

var scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

func oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}
}

// RefreshResult mirrors the fields the refresh pipeline needs to build a
// credential patch, independent of how the token was obtained.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	IDToken      string
}

// Refresh exchanges refreshToken for a new access token using the
// golang.org/x/oauth2 TokenSource machinery (GeminiCLI's auth flow already
// depends on x/oauth2 for its interactive login, so the refresh path reuses
// the same client instead of hand-rolling a form POST).
func Refresh(ctx context.Context, httpClient *http.Client, refreshToken string) (*RefreshResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("gemini: refresh token is required")
	}
	cfg := oauthConfig()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, &oauth.ServerError{StatusCode: retrieveErr.Response.StatusCode, Body: string(retrieveErr.Body)}
		}
		return nil, fmt.Errorf("gemini: refresh token: %w", err)
	}
	rt := tok.RefreshToken
	if rt == "" {
		rt = refreshToken
	}
	result := &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: rt,
		Expiry:       tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		result.IDToken = raw
	}
	return result, nil
}

// FetchProjectID retrieves (or provisions, via onboardUser) the companion
// project id associated with accessToken.
func FetchProjectID(ctx context.Context, httpClient *http.Client, accessToken string) (string, error) {
	loadResp, err := callCloudCode(ctx, httpClient, accessToken, "loadCodeAssist", map[string]any{
		"metadata": map[string]string{"pluginType": "GEMINI"},
	})
	if err != nil {
		return "", err
	}

	if id, ok := loadResp["cloudaicompanionProject"].(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	if projectMap, ok := loadResp["cloudaicompanionProject"].(map[string]any); ok {
		if id, ok := projectMap["id"].(string); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id), nil
		}
	}

	tierID := "legacy-tier"
	if tiers, ok := loadResp["allowedTiers"].([]any); ok {
		for _, raw := range tiers {
			tier, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if isDefault, _ := tier["isDefault"].(bool); isDefault {
				if id, ok := tier["id"].(string); ok && strings.TrimSpace(id) != "" {
					tierID = strings.TrimSpace(id)
					break
				}
			}
		}
	}
	return onboardUser(ctx, httpClient, accessToken, tierID)
}

func onboardUser(ctx context.Context, httpClient *http.Client, accessToken, tierID string) (string, error) {
	const maxAttempts = 5
	body := map[string]any{
		"tierId":   tierID,
		"metadata": map[string]string{"pluginType": "GEMINI"},
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := callCloudCode(ctx, httpClient, accessToken, "onboardUser", body)
		if err != nil {
			return "", err
		}
		done, _ := resp["done"].(bool)
		if !done {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		responseData, _ := resp["response"].(map[string]any)
		switch project := responseData["cloudaicompanionProject"].(type) {
		case map[string]any:
			if id, ok := project["id"].(string); ok && strings.TrimSpace(id) != "" {
				return strings.TrimSpace(id), nil
			}
		case string:
			if strings.TrimSpace(project) != "" {
				return strings.TrimSpace(project), nil
			}
		}
		return "", fmt.Errorf("gemini: onboardUser completed without a project id")
	}
	return "", fmt.Errorf("gemini: onboardUser did not complete after %d attempts", maxAttempts)
}

func callCloudCode(ctx context.Context, httpClient *http.Client, accessToken, method string, body any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal %s body: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/%s:%s", apiEndpoint, apiVersion, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("gemini: build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", apiUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: %s request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gemini: %s failed with status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var decoded map[string]any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("gemini: decode %s response: %w", method, err)
	}
	return decoded, nil
}
