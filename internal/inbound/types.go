// Package inbound holds the plain boundary structs the HTTP layer (out of
// scope for this module, per spec.md's Deliberately-excluded list) hands to
// the core. None of these types carry behavior.
package inbound

import "encoding/json"

// GeminiInboundRequest is handed in for both GeminiCLI and Antigravity
// routes; ModelMask is resolved by the HTTP layer against the provider's
// registry before the core ever sees the request.
type GeminiInboundRequest struct {
	Model     string
	ModelMask uint64
	Stream    bool
	Body      json.RawMessage
}

// CodexInboundRequest is handed in for the OpenAI-Responses-shaped route.
type CodexInboundRequest struct {
	Model     string
	ModelMask uint64
	Stream    bool
	Body      json.RawMessage
}

// TokenResponse is the result of an OAuth callback, handed to the core for
// SubmitTrustedOauth. IDToken, when present, is decoded by the core itself.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}
