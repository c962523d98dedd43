// Package oauth holds identity decoding shared by every provider's OAuth
// adapter. Per-provider token exchange and onboarding logic lives in the
// gemini, antigravity and codex subpackages.
package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ServerError is returned by a provider's OAuth adapter when the token
// endpoint itself responded with a structured 4xx error body — a permanent
// failure for that credential (spec.md §4.3/§7: OauthServerResponse). Any
// other failure (transport, timeout, decode) is a plain error and is
// treated as transient by the refresh pipeline.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("oauth: server responded %d: %s", e.StatusCode, e.Body)
}

// IDTokenClaims is the subset of a Google/OpenAI ID token's claims Pollux
// needs to build a Credential identity. The core decodes id_token itself
// rather than trusting a provider SDK, per the inbound OAuth contract.
type IDTokenClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// DecodeIDToken extracts the claims segment of a JWT without verifying its
// signature — the issuer has already validated it by the time it reaches
// the OAuth callback.
func DecodeIDToken(token string) (*IDTokenClaims, error) {
	raw, err := DecodeIDTokenPayload(token)
	if err != nil {
		return nil, err
	}
	var claims IDTokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("oauth: unmarshal id_token claims: %w", err)
	}
	return &claims, nil
}

// DecodeIDTokenPayload returns the raw JSON claims segment of a JWT. It is
// exported so provider packages can unmarshal their own namespaced claims
// (e.g. Codex's "https://api.openai.com/auth") without duplicating the
// base64url padding logic.
func DecodeIDTokenPayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("oauth: invalid id_token format: expected 3 parts, got %d", len(parts))
	}
	raw, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("oauth: decode id_token claims: %w", err)
	}
	return raw, nil
}

func base64URLDecode(data string) ([]byte, error) {
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	return base64.URLEncoding.DecodeString(data)
}
