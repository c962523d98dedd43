// Package thoughtsig implements spec.md §4.5: a content-addressed cache
// mapping thought/function-call fingerprints to opaque upstream signature
// tokens, a sniffer that learns signatures from streaming responses, and a
// patcher that attaches them to outbound requests. Grounded on the
// teacher's antigravity_executor.go part-classification state machine
// (pendingKind/pendingThoughtSig/normalizePart), generalized into a
// standalone, provider-agnostic cache instead of a one-shot stream buffer.
package thoughtsig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// FallbackSignature is attached to a patchable part when its fingerprint
// has no cached signature. Carried verbatim from spec.md §4.5; never
// reformat this literal.
const FallbackSignature = "skip_thought_signature_validator"

// FingerprintText returns the stable fingerprint for a thought's text, or
// "" if text is empty/whitespace-only (per spec.md §4.5, such parts are
// never keyed).
func FingerprintText(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	return stableHash(trimmed)
}

// FingerprintFunctionCall returns the stable fingerprint for a function-call
// object, canonicalizing key order first so fingerprints are independent of
// the upstream's field ordering.
func FingerprintFunctionCall(obj map[string]any) string {
	if len(obj) == 0 {
		return ""
	}
	canon := canonicalJSON(obj)
	return stableHash(canon)
}

func stableHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders obj as JSON with object keys sorted at every
// nesting level, so two objects that differ only in key order fingerprint
// identically (spec.md §4.5 invariant).
func canonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		vb, _ := json.Marshal(t)
		b.Write(vb)
	}
}
