package thoughtsig

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Policy selects the divergent behavior spec.md §4.5 and §9 call out
// deliberately: what to do with an uncached "thought" part.
type Policy int

const (
	// PolicyKeepSentinel is GeminiCLI's behavior: attach the fallback
	// signature and keep the part.
	PolicyKeepSentinel Policy = iota
	// PolicyDropPart is Antigravity's behavior: drop the part entirely on
	// a cache miss.
	PolicyDropPart
)

// Patcher attaches cached thought signatures to an outbound request's
// "model" turns. One instance is bound to one policy, so construct a
// separate Patcher per provider.
type Patcher struct {
	cache  *Cache
	policy Policy
}

// NewPatcher builds a Patcher over cache using policy.
func NewPatcher(cache *Cache, policy Policy) *Patcher {
	return &Patcher{cache: cache, policy: policy}
}

// Cache returns the cache backing this Patcher, so a caller can build a
// Sniffer (NewSniffer) that learns signatures into the same cache this
// Patcher reads from.
func (p *Patcher) Cache() *Cache {
	return p.cache
}

// Patch rewrites every content whose role is "model" in body's
// "contents" (or "request.contents" when nested inside an envelope,
// detected by trying both paths), attaching signatures per spec.md §4.5.
func (p *Patcher) Patch(body []byte) ([]byte, error) {
	path := "contents"
	if !gjson.GetBytes(body, path).Exists() {
		path = "request.contents"
	}
	contents := gjson.GetBytes(body, path)
	if !contents.IsArray() {
		return body, nil
	}

	out := body
	for ci, content := range contents.Array() {
		if content.Get("role").String() != "model" {
			continue
		}
		patched, err := p.patchParts(content.Get("parts"))
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(patched)
		if err != nil {
			return nil, err
		}
		if out, err = sjson.SetRawBytes(out, itemPath(path, ci, "parts"), raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func itemPath(base string, idx int, field string) string {
	return base + "." + itoa(idx) + "." + field
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (p *Patcher) patchParts(parts gjson.Result) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(parts.Array()))
	for _, part := range parts.Array() {
		var m map[string]any
		if err := json.Unmarshal([]byte(part.Raw), &m); err != nil {
			return nil, err
		}

		if fc, ok := m["functionCall"].(map[string]any); ok {
			sig, hit := p.cache.Get(FingerprintFunctionCall(fc))
			if !hit {
				sig = FallbackSignature
			}
			m["thoughtSignature"] = sig
			out = append(out, m)
			continue
		}

		if thought, _ := m["thought"].(bool); thought {
			text, _ := m["text"].(string)
			if sig, hit := p.cache.Get(FingerprintText(text)); hit {
				m["thoughtSignature"] = sig
				out = append(out, m)
				continue
			}
			if p.policy == PolicyKeepSentinel {
				m["thoughtSignature"] = FallbackSignature
				out = append(out, m)
			}
			// PolicyDropPart: omit this part entirely.
			continue
		}

		out = append(out, m)
	}
	return out, nil
}
