package provideractor

import (
	"time"

	"github.com/pollux-proxy/pollux/internal/refresh"
)

// TokenResponse is the inbound OAuth callback payload the core decodes
// itself, per spec.md §6.1.
type TokenResponse struct {
	AccessToken  string
	ExpiresIn    int64
	RefreshToken string
	IDToken      string
}

// UpsertRecord is what the actor asks the Persistence Actor to write when a
// credential is created or replaced. ProjectOrAccount and Sub form the
// idempotency key (spec.md §4.6).
type UpsertRecord struct {
	Sub              string
	ProjectOrAccount string
	Email            string
	RefreshToken     string
	AccessToken      string
	Expiry           time.Time
	ChatGPTPlanType  string
}

// Patch applies COALESCE-style partial updates to a persisted row; zero
// values mean "leave untouched" (spec.md §4.6).
type Patch struct {
	ID           int64
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Persistence is the subset of the Persistence Actor's mailbox the
// Provider Actor needs. Calls are made from background goroutines spawned
// by message handlers so actor processing never blocks on SQLite I/O.
type Persistence interface {
	Upsert(rec UpsertRecord) (int64, error)
	Patch(p Patch) error
	SetInactive(id int64) error
}

// Dispatcher is the subset of the refresh pipeline's API the actor needs,
// narrowed to avoid a hard dependency on *refresh.Pipeline's concurrency
// internals.
type Dispatcher interface {
	Dispatch(task refresh.Task) bool
}
