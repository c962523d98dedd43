// Package refresh drains OAuth refresh and onboarding tasks off a bounded
// channel, throttled by a token-bucket limiter and a semaphore-bounded
// worker pool, and reports outcomes back to whoever dispatched the task.
package refresh

import "time"

// Provider identifies which OAuth adapter a task should use.
type Provider int

const (
	ProviderGeminiCLI Provider = iota
	ProviderAntigravity
	ProviderCodex
)

func (p Provider) String() string {
	switch p {
	case ProviderGeminiCLI:
		return "gemini-cli"
	case ProviderAntigravity:
		return "antigravity"
	case ProviderCodex:
		return "codex"
	default:
		return "unknown"
	}
}

// Task is a unit of work submitted to the pipeline. Exactly one of the two
// kinds applies, distinguished by Onboard.
type Task struct {
	Provider Provider

	// RefreshCredential fields: refresh an existing, previously-persisted
	// credential identified by ID.
	ID           int64
	RefreshToken string

	// OnboardSeed fields: a bare 0-trust refresh-token seed with no prior
	// identity; Onboard is true for this kind.
	Onboard bool
}

// CredentialPatch is applied to an existing in-memory credential on a
// successful RefreshCredential task.
type CredentialPatch struct {
	ID           int64
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// NewCredential is produced by a successful OnboardSeed task: a brand new
// identity discovered from a bare refresh-token seed.
type NewCredential struct {
	Sub              string
	ProjectOrAccount string
	Email            string
	RefreshToken     string
	AccessToken      string
	Expiry           time.Time
	ChatGPTPlanType  string
}

// OutcomeKind distinguishes the three ways a task can resolve, per
// spec.md §4.3/§7: success, a permanent OAuth server error, or a
// transient error worth retrying on the credential's next lease.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeServerResponse
	OutcomeTransient
)

// Outcome is delivered back to the dispatcher (the Provider Actor) once a
// task completes.
type Outcome struct {
	Task  Task
	Kind  OutcomeKind
	Err   error
	Patch *CredentialPatch  // set when Kind==OutcomeSuccess and !Task.Onboard
	New   *NewCredential    // set when Kind==OutcomeSuccess and Task.Onboard
}
