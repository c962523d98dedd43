package thoughtsig

import "testing"

// TestSniffer_BuffersThoughtTextAcrossChunksAndFlushesOnFinish covers
// scenario S6: chunks "alpha " then "beta" at candidate index 0, final
// chunk carries the signature and finishReason.
func TestSniffer_BuffersThoughtTextAcrossChunksAndFlushesOnFinish(t *testing.T) {
	cache := NewCache(0, 0, nil)
	s := NewSniffer(cache)

	s.Observe([]byte(`{"candidates":[{"index":0,"content":{"parts":[{"thought":true,"text":"alpha "}]}}]}`))
	s.Observe([]byte(`{"candidates":[{"index":0,"content":{"parts":[{"thought":true,"text":"beta","thoughtSignature":"sig_001"}]},"finishReason":"STOP"}]}`))

	sig, ok := cache.Get(FingerprintText("alpha beta"))
	if !ok || sig != "sig_001" {
		t.Fatalf("cache.Get(fingerprint) = (%q, %v), want (sig_001, true)", sig, ok)
	}
}

func TestSniffer_WrappedResponseEnvelope(t *testing.T) {
	cache := NewCache(0, 0, nil)
	s := NewSniffer(cache)

	s.Observe([]byte(`{"response":{"candidates":[{"index":0,"content":{"parts":[{"thought":true,"text":"hello"}]},"finishReason":"STOP"}]}}`))

	// No signature was ever observed, so nothing should be cached.
	if _, ok := cache.Get(FingerprintText("hello")); ok {
		t.Fatal("cache.Get = true, want false when no signature observed")
	}
}

func TestSniffer_FunctionCallFingerprinted(t *testing.T) {
	cache := NewCache(0, 0, nil)
	s := NewSniffer(cache)

	s.Observe([]byte(`{"candidates":[{"index":0,"content":{"parts":[{"functionCall":{"name":"search","args":{"q":"go"}},"thoughtSignature":"sig_fc"}]},"finishReason":"STOP"}]}`))

	fp := FingerprintFunctionCall(map[string]any{"name": "search", "args": map[string]any{"q": "go"}})
	sig, ok := cache.Get(fp)
	if !ok || sig != "sig_fc" {
		t.Fatalf("cache.Get(functionCall fingerprint) = (%q, %v), want (sig_fc, true)", sig, ok)
	}
}

func TestSniffer_FlushWithoutFinishReason(t *testing.T) {
	cache := NewCache(0, 0, nil)
	s := NewSniffer(cache)

	s.Observe([]byte(`{"candidates":[{"index":0,"content":{"parts":[{"thought":true,"text":"partial","thoughtSignature":"sig_eof"}]}}]}`))
	s.Flush()

	sig, ok := cache.Get(FingerprintText("partial"))
	if !ok || sig != "sig_eof" {
		t.Fatalf("cache.Get after Flush() = (%q, %v), want (sig_eof, true)", sig, ok)
	}
}

func TestSniffer_NoSignatureMeansNoFlush(t *testing.T) {
	cache := NewCache(0, 0, nil)
	s := NewSniffer(cache)

	s.Observe([]byte(`{"candidates":[{"index":0,"content":{"parts":[{"thought":true,"text":"no sig here"}]},"finishReason":"STOP"}]}`))

	if cache.Len() != 0 {
		t.Fatalf("cache.Len() = %d, want 0 when no signature was ever observed", cache.Len())
	}
}

func TestSniffer_IndependentCandidateIndexes(t *testing.T) {
	cache := NewCache(0, 0, nil)
	s := NewSniffer(cache)

	s.Observe([]byte(`{"candidates":[
		{"index":0,"content":{"parts":[{"thought":true,"text":"zero","thoughtSignature":"sig0"}]},"finishReason":"STOP"},
		{"index":1,"content":{"parts":[{"thought":true,"text":"one","thoughtSignature":"sig1"}]},"finishReason":"STOP"}
	]}`))

	if sig, ok := cache.Get(FingerprintText("zero")); !ok || sig != "sig0" {
		t.Fatalf("candidate 0 = (%q, %v), want (sig0, true)", sig, ok)
	}
	if sig, ok := cache.Get(FingerprintText("one")); !ok || sig != "sig1" {
		t.Fatalf("candidate 1 = (%q, %v), want (sig1, true)", sig, ok)
	}
}
