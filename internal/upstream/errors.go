package upstream

import (
	"fmt"
	"time"
)

// ErrorKind is the taxonomy from spec.md §7: not a Go error interface
// hierarchy, just a tag carried on the one concrete StatusError type so a
// caller can type-switch without parsing strings.
type ErrorKind int

const (
	KindNoAvailableCredential ErrorKind = iota
	KindUpstreamMapped
	KindUpstreamFallback
	KindStreamProtocol
	KindTransport
	KindInternal
)

// previewLimit bounds how much of an upstream error body is ever echoed in
// logs or in a StatusError's Error() string.
const previewLimit = 200

// StatusError is the one error type the Upstream Client returns to its
// caller, carrying enough for an HTTP boundary to pick a response code
// without re-deriving it from scratch. Grounded on the teacher's
// executor.statusErr (code + msg + optional retryAfter).
type StatusError struct {
	Kind       ErrorKind
	Status     int // upstream HTTP status, 0 if none applies
	Message    string
	RetryAfter time.Duration // meaningful only when Action was RateLimit
}

func (e *StatusError) Error() string {
	msg := e.Message
	if len(msg) > previewLimit {
		msg = msg[:previewLimit] + "..."
	}
	return fmt.Sprintf("upstream: status=%d kind=%d: %s", e.Status, e.Kind, msg)
}

// StatusCode implements the teacher's executor.StatusError-style contract
// so an HTTP boundary can type-switch on it directly.
func (e *StatusError) StatusCode() int {
	return e.Status
}

// NoAvailableCredential is returned when the scheduler has nothing to lease
// for the requested model.
func NoAvailableCredential() *StatusError {
	return &StatusError{Kind: KindNoAvailableCredential, Status: 503, Message: "no available credential"}
}
