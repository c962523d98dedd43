package upstream

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pollux-proxy/pollux/internal/thoughtsig"
)

func TestSniffingReader_PassesBytesThroughUnchanged(t *testing.T) {
	const chunk = "data: {\"candidates\":[{\"index\":0,\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n"
	src := io.NopCloser(strings.NewReader(chunk))
	cache := thoughtsig.NewCache(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity, nil)
	sniffer := thoughtsig.NewSniffer(cache)

	reader := newSniffingReader(src, sniffer)
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != chunk {
		t.Fatalf("ReadAll() = %q, want unchanged %q", got, chunk)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSniffingReader_LearnsSignatureIntoCache(t *testing.T) {
	sse := "" +
		"data: {\"candidates\":[{\"index\":0,\"content\":{\"parts\":[{\"thought\":true,\"text\":\"reasoning\"}]}}]}\n\n" +
		"data: {\"candidates\":[{\"index\":0,\"content\":{\"parts\":[{\"thoughtSignature\":\"sig_learned\"}]},\"finishReason\":\"STOP\"}]}\n\n"
	src := io.NopCloser(strings.NewReader(sse))
	cache := thoughtsig.NewCache(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity, nil)
	sniffer := thoughtsig.NewSniffer(cache)

	reader := newSniffingReader(src, sniffer)
	if _, err := io.ReadAll(reader); err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if sig, ok := cache.Get(thoughtsig.FingerprintText("reasoning")); ok {
			if sig != "sig_learned" {
				t.Fatalf("cached signature = %q, want sig_learned", sig)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("signature never landed in cache after stream completion")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
