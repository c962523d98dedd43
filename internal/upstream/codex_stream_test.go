package upstream

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func fakeCodexResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestBufferCodexNonStream_ReturnsCompletedResponsePayload(t *testing.T) {
	sse := "" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"hi\"}\n\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"output\":[{\"type\":\"message\"}]}}\n\n" +
		"data: [DONE]\n\n"

	client := New(ProviderCodex, &fakeActor{}, http.DefaultClient, nil, nil)
	result, err := client.bufferCodexNonStream(fakeCodexResponse(sse))
	if err != nil {
		t.Fatalf("bufferCodexNonStream() error = %v", err)
	}
	if got := string(result.Body); !strings.Contains(got, `"id":"resp_1"`) {
		t.Fatalf("Body = %s, want response.completed's response payload", got)
	}
}

func TestBufferCodexNonStream_NoCompletedEventIsStreamProtocolError(t *testing.T) {
	sse := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"hi\"}\n\n"

	client := New(ProviderCodex, &fakeActor{}, http.DefaultClient, nil, nil)
	_, err := client.bufferCodexNonStream(fakeCodexResponse(sse))
	statusErr, ok := err.(*StatusError)
	if !ok || statusErr.Kind != KindStreamProtocol {
		t.Fatalf("bufferCodexNonStream() error = %+v, want KindStreamProtocol", err)
	}
}

func TestSSEData_StripsPrefixAndSkipsDoneSentinel(t *testing.T) {
	if _, ok := sseData([]byte("data: [DONE]")); ok {
		t.Fatal("sseData([DONE]) ok = true, want false")
	}
	if _, ok := sseData([]byte("event: ping")); ok {
		t.Fatal("sseData(non-data line) ok = true, want false")
	}
	data, ok := sseData([]byte(`data: {"a":1}`))
	if !ok || string(data) != `{"a":1}` {
		t.Fatalf("sseData() = %q, %v, want {\"a\":1}, true", data, ok)
	}
}
