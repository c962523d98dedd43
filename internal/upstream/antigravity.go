package upstream

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pollux-proxy/pollux/internal/oauth/antigravity"
	"github.com/pollux-proxy/pollux/internal/thoughtsig"
)

const antigravityUserAgent = "antigravity/1.104.0 darwin/arm64"

// buildAntigravityEnvelope shapes body into the
// {project, requestId, request, model, userAgent, requestType} wrapper
// spec.md §6.2 requires, prefixing the system instruction with the
// literal preamble, defaulting thinkingConfig for Claude-family models, and
// patching "model" turns with cached thought signatures (spec.md §4.5)
// before any of that wrapping happens.
func buildAntigravityEnvelope(patcher *thoughtsig.Patcher, model, project string, body []byte) ([]byte, error) {
	body, err := patcher.Patch(body)
	if err != nil {
		return nil, err
	}

	env := `{}`
	env, err = sjson.Set(env, "project", project)
	if err != nil {
		return nil, err
	}
	env, err = sjson.Set(env, "requestId", fmt.Sprintf("agent/%d/%s", time.Now().UnixMilli(), uuid.NewString()))
	if err != nil {
		return nil, err
	}
	env, err = sjson.Set(env, "model", model)
	if err != nil {
		return nil, err
	}
	env, err = sjson.Set(env, "userAgent", "antigravity")
	if err != nil {
		return nil, err
	}
	env, err = sjson.Set(env, "requestType", "agent")
	if err != nil {
		return nil, err
	}

	out, err := sjson.SetRawBytes([]byte(env), "request", body)
	if err != nil {
		return nil, err
	}

	out, err = applySystemPreamble(out)
	if err != nil {
		return nil, err
	}
	out, err = applyClaudeThinkingDefault(out, model)
	if err != nil {
		return nil, err
	}
	out, err = ensureSessionID(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applySystemPreamble prefixes request.systemInstruction.parts.0.text with
// the verbatim literal Antigravity's upstream requires; any drift in this
// string triggers an upstream 429, so it is never reformatted.
func applySystemPreamble(body []byte) ([]byte, error) {
	existing := gjson.GetBytes(body, "request.systemInstruction.parts.0.text").String()
	if strings.HasPrefix(existing, antigravity.SystemPreamble) {
		return body, nil
	}
	combined := antigravity.SystemPreamble
	if existing != "" {
		combined = antigravity.SystemPreamble + "\n\n" + existing
	}
	out, err := sjson.SetBytes(body, "request.systemInstruction.role", "user")
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "request.systemInstruction.parts.0.text", combined)
}

// applyClaudeThinkingDefault sets generationConfig.thinkingConfig on
// Claude-family models when the caller didn't already supply one.
func applyClaudeThinkingDefault(body []byte, model string) ([]byte, error) {
	if !strings.HasPrefix(strings.ToLower(model), "claude") {
		return body, nil
	}
	if gjson.GetBytes(body, "request.generationConfig.thinkingConfig").Exists() {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "request.generationConfig.thinkingConfig.includeThoughts", true)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "request.generationConfig.thinkingConfig.thinkingBudget", 8096)
}

// ensureSessionID injects a stable "-<int>" sessionId into request extras
// if the caller hasn't already set one.
func ensureSessionID(body []byte) ([]byte, error) {
	if gjson.GetBytes(body, "request.sessionId").Exists() {
		return body, nil
	}
	return sjson.SetBytes(body, "request.sessionId", stableSessionID())
}

func stableSessionID() string {
	id := uuid.New()
	n := int64(binary.BigEndian.Uint64(id[:8])) & 0x7fffffffffffffff
	return fmt.Sprintf("-%d", n)
}

func antigravityPath(stream bool) string {
	if stream {
		return "/v1internal:streamGenerateContent?alt=sse"
	}
	return "/v1internal:generateContent"
}
