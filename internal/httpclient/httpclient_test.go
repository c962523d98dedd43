package httpclient

import "testing"

func TestNew_MultiplexingDisabledForcesConnectionClose(t *testing.T) {
	client := New("", false)
	if client.Timeout != defaultTimeout {
		t.Fatalf("Timeout = %v, want %v", client.Timeout, defaultTimeout)
	}
}

func TestNew_HTTPProxyConfigured(t *testing.T) {
	client := New("http://127.0.0.1:8080", true)
	if client.Transport == nil {
		t.Fatal("Transport = nil, want configured transport")
	}
}

func TestNew_InvalidProxyURLFallsBackToDirect(t *testing.T) {
	client := New("://not-a-url", true)
	if client == nil {
		t.Fatal("New() = nil")
	}
}
