package upstream

import (
	"github.com/tidwall/sjson"

	"github.com/pollux-proxy/pollux/internal/thoughtsig"
)

// geminiBaseURL is GeminiCLI's companion-project API host, the same host
// oauth/gemini uses for loadCodeAssist/onboardUser.
const geminiBaseURL = "https://cloudcode-pa.googleapis.com"

const geminiUserAgent = "google-api-nodejs-client/9.15.1"

// buildGeminiEnvelope wraps body inside {model, project, request:{...}}
// per spec.md §6.2, patching the request's "model" turns with cached
// thought signatures first per spec.md §4.5/§6.2.
func buildGeminiEnvelope(patcher *thoughtsig.Patcher, model, project string, body []byte) ([]byte, error) {
	patched, err := patcher.Patch(body)
	if err != nil {
		return nil, err
	}

	env := `{}`
	env, err = sjson.Set(env, "model", model)
	if err != nil {
		return nil, err
	}
	env, err = sjson.Set(env, "project", project)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetRawBytes([]byte(env), "request", patched)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func geminiPath(stream bool) string {
	if stream {
		return "/v1internal:streamGenerateContent?alt=sse"
	}
	return "/v1internal:generateContent"
}
