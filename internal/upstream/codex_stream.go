package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"
)

// codexScannerBuffer mirrors the teacher's streamScannerBuffer (gemini_executor.go):
// Codex's response.completed event can carry a large accumulated payload.
const codexScannerBuffer = 52_428_800

var codexDataPrefix = []byte("data: ")
var codexDoneSentinel = []byte("[DONE]")

// bufferCodexNonStream implements spec.md's Codex non-stream funnel: Codex's
// responses API is always called with stream forced true (buildCodexEnvelope),
// so an inbound non-stream request still gets an SSE response upstream; this
// reads it to completion and returns the response.completed event's payload
// as a single JSON body, the way the teacher's convertStreamToNonStream
// buffers a stream before handing it back as a non-stream Response.
func (c *Client) bufferCodexNonStream(resp *http.Response) (*Result, error) {
	defer resp.Body.Close()
	reader := newIdleTimeoutReader(resp.Body, idleTimeout)

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(nil, codexScannerBuffer)

	var final []byte
	for scanner.Scan() {
		data, ok := sseData(scanner.Bytes())
		if !ok {
			continue
		}
		if gjson.GetBytes(data, "type").String() != "response.completed" {
			continue
		}
		if payload := gjson.GetBytes(data, "response"); payload.Exists() {
			final = []byte(payload.Raw)
		}
		break
	}
	if err := scanner.Err(); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return nil, statusErr
		}
		return nil, &StatusError{Kind: KindStreamProtocol, Status: 502, Message: err.Error()}
	}
	if final == nil {
		return nil, &StatusError{Kind: KindStreamProtocol, Status: 502, Message: "codex stream ended without a response.completed event"}
	}
	return &Result{Body: final, Headers: resp.Header.Clone()}, nil
}

// sseData strips the "data: " prefix from an SSE line, reporting false for
// non-data lines and the "[DONE]" sentinel.
func sseData(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, codexDataPrefix) {
		return nil, false
	}
	data := bytes.TrimPrefix(line, codexDataPrefix)
	if bytes.Equal(data, codexDoneSentinel) {
		return nil, false
	}
	return data, true
}
