package thoughtsig

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// candidateState buffers the reasoning observed so far for one candidate
// index within a single streaming session, mirroring the teacher's
// pendingKind/pendingText/pendingThoughtSig bookkeeping in
// convertStreamToNonStream, generalized to span an entire stream instead of
// being flushed line-by-line into a single buffer.
type candidateState struct {
	thoughtText  string
	functionCall map[string]any
	signature    string
}

// Sniffer is threaded through every chunk of one streaming response. It is
// not safe for concurrent use — one Sniffer belongs to exactly one
// in-flight stream.
type Sniffer struct {
	cache      *Cache
	candidates map[int]*candidateState
}

// NewSniffer builds a Sniffer that will flush learned signatures into cache.
func NewSniffer(cache *Cache) *Sniffer {
	return &Sniffer{cache: cache, candidates: make(map[int]*candidateState)}
}

// Observe processes one raw Gemini-shaped streaming chunk (a `candidates[]`
// response, either bare or wrapped in {"response": ...} as Antigravity's
// upstream does). It buffers thought text and the latest function-call per
// candidate index, and flushes to the cache when that candidate's
// finishReason is present or when a later chunk reports a different index.
func (s *Sniffer) Observe(chunk []byte) {
	root := gjson.ParseBytes(chunk)
	respNode := root
	if wrapped := root.Get("response"); wrapped.Exists() {
		respNode = wrapped
	}

	for _, cand := range respNode.Get("candidates").Array() {
		idx := int(cand.Get("index").Int())
		st := s.candidates[idx]
		if st == nil {
			st = &candidateState{}
			s.candidates[idx] = st
		}

		for _, part := range cand.Get("content.parts").Array() {
			sig := part.Get("thoughtSignature").String()
			if sig == "" {
				sig = part.Get("thought_signature").String()
			}
			if sig != "" {
				st.signature = sig
			}
			if fc := part.Get("functionCall"); fc.Exists() {
				var obj map[string]any
				if err := json.Unmarshal([]byte(fc.Raw), &obj); err == nil {
					st.functionCall = obj
				}
				continue
			}
			if part.Get("thought").Bool() {
				st.thoughtText += part.Get("text").String()
			}
		}

		if finish := cand.Get("finishReason"); finish.Exists() && finish.String() != "" {
			s.flush(idx)
		}
	}
}

// Flush forces every buffered candidate to be committed to the cache; call
// it when the stream ends without an explicit finishReason (e.g. EOF).
func (s *Sniffer) Flush() {
	for idx := range s.candidates {
		s.flush(idx)
	}
}

func (s *Sniffer) flush(idx int) {
	st, ok := s.candidates[idx]
	if !ok {
		return
	}
	delete(s.candidates, idx)
	if st.signature == "" {
		return
	}
	if fp := FingerprintText(st.thoughtText); fp != "" {
		s.cache.Put(fp, st.signature)
	}
	if fp := FingerprintFunctionCall(st.functionCall); fp != "" {
		s.cache.Put(fp, st.signature)
	}
}
