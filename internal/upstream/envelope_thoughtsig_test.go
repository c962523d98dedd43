package upstream

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/pollux-proxy/pollux/internal/thoughtsig"
)

func TestBuildGeminiEnvelope_PatchesModelTurnThoughtSignature(t *testing.T) {
	cache := thoughtsig.NewCache(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity, nil)
	cache.Put(thoughtsig.FingerprintText("earlier reasoning"), "sig_cached")
	patcher := thoughtsig.NewPatcher(cache, thoughtsig.PolicyKeepSentinel)

	body := []byte(`{"contents":[{"role":"model","parts":[{"thought":true,"text":"earlier reasoning"}]}]}`)
	out, err := buildGeminiEnvelope(patcher, "gemini-2.5-pro", "project-1", body)
	if err != nil {
		t.Fatalf("buildGeminiEnvelope() error = %v", err)
	}

	sig := gjson.GetBytes(out, "request.contents.0.parts.0.thoughtSignature").String()
	if sig != "sig_cached" {
		t.Fatalf("thoughtSignature = %q, want sig_cached", sig)
	}
}

func TestBuildAntigravityEnvelope_PatchesModelTurnWithFallbackOnMiss(t *testing.T) {
	cache := thoughtsig.NewCache(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity, nil)
	patcher := thoughtsig.NewPatcher(cache, thoughtsig.PolicyKeepSentinel)

	body := []byte(`{"contents":[{"role":"model","parts":[{"thought":true,"text":"never seen before"}]}]}`)
	out, err := buildAntigravityEnvelope(patcher, "gemini-2.5-pro", "project-1", body)
	if err != nil {
		t.Fatalf("buildAntigravityEnvelope() error = %v", err)
	}

	sig := gjson.GetBytes(out, "request.contents.0.parts.0.thoughtSignature").String()
	if sig != thoughtsig.FallbackSignature {
		t.Fatalf("thoughtSignature = %q, want fallback sentinel", sig)
	}
}

func TestBuildAntigravityEnvelope_DropPartPolicyOmitsUncachedThought(t *testing.T) {
	cache := thoughtsig.NewCache(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity, nil)
	patcher := thoughtsig.NewPatcher(cache, thoughtsig.PolicyDropPart)

	body := []byte(`{"contents":[{"role":"model","parts":[{"thought":true,"text":"never seen before"},{"text":"kept"}]}]}`)
	out, err := buildAntigravityEnvelope(patcher, "claude-sonnet-4.5", "project-1", body)
	if err != nil {
		t.Fatalf("buildAntigravityEnvelope() error = %v", err)
	}

	parts := gjson.GetBytes(out, "request.contents.0.parts").Array()
	if len(parts) != 1 {
		t.Fatalf("parts = %d, want 1 (uncached thought dropped)", len(parts))
	}
	if parts[0].Get("text").String() != "kept" {
		t.Fatalf("remaining part = %s, want the non-thought part", parts[0].Raw)
	}
}
