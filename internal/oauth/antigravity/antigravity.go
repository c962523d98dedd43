// Package antigravity implements the Antigravity OAuth token refresh and
// companion-project onboarding calls used by the refresh pipeline, and the
// literal system-preamble string Antigravity's upstream requires.
package antigravity

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
	ClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	ClientSecret = "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"
	tokenEndpoint = "https://oauth2.googleapis.com/token"

	apiEndpoint    = "https://cloudcode-pa.googleapis.com"
	apiVersion     = "v1internal"
	apiUserAgent   = "google-api-nodejs-client/9.15.1"
	apiClient      = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	clientMetadata = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

	// SystemPreamble must prefix every Antigravity system instruction
	// verbatim; any whitespace drift triggers an upstream 429.
	SystemPreamble = "You are Antigravity, an AI coding assistant built by Google."
)

// RefreshResult mirrors the fields the refresh pipeline needs.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	IDToken      string
}

// Refresh exchanges refreshToken for a fresh access token via Google's
// token endpoint, following the same manual form-POST shape as the
// authorization-code exchange.
func Refresh(ctx context.Context, httpClient *http.Client, refreshToken string) (*RefreshResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("antigravity: refresh token is required")
	}
	data := url.Values{}
	data.Set("client_id", ClientID)
	data.Set("client_secret", ClientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("antigravity: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("antigravity: refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("antigravity: read refresh response: %w", err)
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
		return nil, fmt.Errorf("antigravity: parse refresh response: %w", err)
	}

	rt := parsed.RefreshToken
	if rt == "" {
		rt = refreshToken
	}
	return &RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: rt,
		Expiry:       time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		IDToken:      parsed.IDToken,
	}, nil
}

// FetchProjectID retrieves the companion project id for accessToken,
// provisioning one via onboardUser if loadCodeAssist doesn't already
// return an assigned project.
func FetchProjectID(ctx context.Context, httpClient *http.Client, accessToken string) (string, error) {
	loadResp, err := callCloudCode(ctx, httpClient, accessToken, "loadCodeAssist", map[string]any{
		"metadata": map[string]string{
			"ideType":    "ANTIGRAVITY",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
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
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "ANTIGRAVITY",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := callCloudCode(ctx, httpClient, accessToken, "onboardUser", body)
		if err != nil {
			return "", err
		}
		if done, _ := resp["done"].(bool); done {
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
			return "", fmt.Errorf("antigravity: onboardUser completed without a project id")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return "", fmt.Errorf("antigravity: onboardUser did not complete after %d attempts", maxAttempts)
}

func callCloudCode(ctx context.Context, httpClient *http.Client, accessToken, method string, body any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("antigravity: marshal %s body: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/%s:%s", apiEndpoint, apiVersion, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("antigravity: build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", apiUserAgent)
	req.Header.Set("X-Goog-Api-Client", apiClient)
	req.Header.Set("Client-Metadata", clientMetadata)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("antigravity: %s request: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("antigravity: read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("antigravity: %s failed with status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var decoded map[string]any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("antigravity: decode %s response: %w", method, err)
	}
	return decoded, nil
}
