package upstream

import (
	"io"
	"testing"
	"time"
)

func TestIdleTimeoutReader_PassesBytesThroughWhenActive(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		pw.Write([]byte("hello"))
		pw.Close()
	}()

	reader := newIdleTimeoutReader(pr, time.Second)
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadAll() = %q, want %q", got, "hello")
	}
}

func TestIdleTimeoutReader_StalledStreamReturnsStreamProtocolError(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	reader := newIdleTimeoutReader(pr, 10*time.Millisecond)
	_, err := reader.Read(make([]byte, 16))
	statusErr, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("Read() error type = %T, want *StatusError", err)
	}
	if statusErr.Kind != KindStreamProtocol {
		t.Fatalf("Read() error kind = %v, want KindStreamProtocol", statusErr.Kind)
	}
}

func TestIdleTimeoutReader_CloseClosesUnderlyingBody(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	reader := newIdleTimeoutReader(pr, time.Second)
	if err := reader.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := pr.Read(make([]byte, 1)); err != io.ErrClosedPipe {
		t.Fatalf("underlying pipe read after Close() error = %v, want io.ErrClosedPipe", err)
	}
}
