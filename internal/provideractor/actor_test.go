package provideractor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pollux-proxy/pollux/internal/refresh"
	"github.com/pollux-proxy/pollux/internal/registry"
	"github.com/pollux-proxy/pollux/internal/scheduler"
)

type fakePersistence struct {
	mu      sync.Mutex
	upserts []UpsertRecord
	patches []Patch
	banned  []int64
	nextID  int64
}

func (f *fakePersistence) Upsert(rec UpsertRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.upserts = append(f.upserts, rec)
	return f.nextID, nil
}

func (f *fakePersistence) Patch(p Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, p)
	return nil
}

func (f *fakePersistence) SetInactive(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned = append(f.banned, id)
	return nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []refresh.Task
}

func (f *fakeDispatcher) Dispatch(t refresh.Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return true
}

func newTestActor(t *testing.T) (*Actor, *fakePersistence, *fakeDispatcher, context.CancelFunc) {
	t.Helper()
	reg, err := registry.New([]string{"model-a"})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	persist := &fakePersistence{}
	dispatcher := &fakeDispatcher{}
	actor := New("test-provider", refresh.ProviderGeminiCLI, reg, persist, dispatcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	return actor, persist, dispatcher, cancel
}

func TestGetCredential_NoneWhenEmpty(t *testing.T) {
	actor, _, _, cancel := newTestActor(t)
	defer cancel()

	if lease := actor.GetCredential(1); lease != nil {
		t.Fatalf("GetCredential() = %+v, want nil", lease)
	}
}

func TestSubmitTrustedOauth_ActivatesCredential(t *testing.T) {
	actor, persist, _, cancel := newTestActor(t)
	defer cancel()

	actor.SubmitTrustedOauth(TokenResponse{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		ExpiresIn:    3600,
		IDToken:      fakeIDToken("sub-1", "user@example.com"),
	}, "project-1")

	deadline := time.After(2 * time.Second)
	for {
		if lease := actor.GetCredential(1); lease != nil {
			if lease.AccessToken != "at1" {
				t.Fatalf("lease.AccessToken = %q, want at1", lease.AccessToken)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("credential never activated; upserts=%+v", persist.upserts)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReportInvalid_DispatchesRefreshTaskOnce(t *testing.T) {
	actor, _, dispatcher, cancel := newTestActor(t)
	defer cancel()

	actor.SubmitTrustedOauth(TokenResponse{
		AccessToken:  "stale",
		RefreshToken: "rt1",
		ExpiresIn:    -3600, // already expired
		IDToken:      fakeIDToken("sub-2", "user2@example.com"),
	}, "project-2")

	deadline := time.After(2 * time.Second)
	for {
		actor.GetCredential(1)
		dispatcher.mu.Lock()
		n := len(dispatcher.tasks)
		dispatcher.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("refresh task never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}

	actor.ReportInvalid(1)
	actor.ReportInvalid(1)
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.tasks) != 1 {
		t.Fatalf("dispatched tasks = %d, want exactly 1 (idempotent while refreshing)", len(dispatcher.tasks))
	}
}

// saturatedDispatcher always refuses to dispatch, simulating a full refresh
// pipeline, and counts every attempt.
type saturatedDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *saturatedDispatcher) Dispatch(refresh.Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return false
}

func (d *saturatedDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// TestReportInvalid_DispatchFailureClearsRefreshingMark guards against the
// credential getting stuck in the refreshing set forever when the refresh
// pipeline is saturated: if reportInvalidLocked didn't clear the mark on a
// failed Dispatch, only the very first lease attempt would ever retry it.
func TestReportInvalid_DispatchFailureClearsRefreshingMark(t *testing.T) {
	reg, err := registry.New([]string{"model-a"})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	persist := &fakePersistence{}
	dispatcher := &saturatedDispatcher{}
	actor := New("test-provider", refresh.ProviderGeminiCLI, reg, persist, dispatcher, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	actor.SubmitTrustedOauth(TokenResponse{
		AccessToken:  "stale",
		RefreshToken: "rt1",
		ExpiresIn:    -3600, // already expired
		IDToken:      fakeIDToken("sub-3", "user3@example.com"),
	}, "project-3")

	deadline := time.After(2 * time.Second)
	for dispatcher.callCount() < 2 {
		actor.GetCredential(1)
		select {
		case <-deadline:
			t.Fatalf("dispatch only retried %d time(s); refreshing mark never cleared", dispatcher.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLoadExisting_MakesCredentialLeasable(t *testing.T) {
	actor, _, _, cancel := newTestActor(t)
	defer cancel()

	actor.LoadExisting(scheduler.Credential{
		ID:           42,
		Sub:          "sub-recovered",
		AccessToken:  "at-recovered",
		RefreshToken: "rt-recovered",
		Expiry:       time.Now().Add(time.Hour),
	})

	lease := actor.GetCredential(1)
	if lease == nil || lease.ID != 42 || lease.AccessToken != "at-recovered" {
		t.Fatalf("GetCredential() = %+v, want recovered credential 42", lease)
	}
}

// fakeIDToken builds a minimal unsigned JWT with only the claims this
// package reads; signature verification is out of scope (the OAuth
// provider already validated it before the callback).
func fakeIDToken(sub, email string) string {
	header := base64URL(`{"alg":"none"}`)
	payload := base64URL(`{"sub":"` + sub + `","email":"` + email + `"}`)
	return header + "." + payload + ".sig"
}

func base64URL(s string) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	data := []byte(s)
	var out []byte
	for i := 0; i < len(data); i += 3 {
		var b [3]byte
		n := copy(b[:], data[i:min(i+3, len(data))])
		out = append(out, alphabet[b[0]>>2])
		out = append(out, alphabet[(b[0]&0x03)<<4|b[1]>>4])
		if n > 1 {
			out = append(out, alphabet[(b[1]&0x0f)<<2|b[2]>>6])
		}
		if n > 2 {
			out = append(out, alphabet[b[2]&0x3f])
		}
	}
	return string(out)
}
