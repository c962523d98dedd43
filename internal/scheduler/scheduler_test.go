package scheduler

import (
	"testing"
	"time"

	"github.com/pollux-proxy/pollux/internal/registry"
)

func newTestScheduler(t *testing.T, models []string, now time.Time) (*Scheduler, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(models)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	clock := now
	s := New(reg, func() time.Time { return clock })
	return s, reg
}

// S1: Basic lease — a single eligible credential is returned repeatedly.
func TestLease_BasicSingleCredential(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a"}, now)
	mask := reg.Mask("model-a")

	s.Add(1, Credential{ID: 1, ProjectOrAccount: "p1", AccessToken: "at1", Expiry: now.Add(10 * time.Minute)}, mask)

	res := s.Lease(mask)
	if res.Assigned == nil || res.Assigned.ID != 1 || res.Assigned.AccessToken != "at1" || res.Assigned.ProjectOrAccount != "p1" {
		t.Fatalf("Lease() = %+v, want assigned id=1", res)
	}

	res2 := s.Lease(mask)
	if res2.Assigned == nil || res2.Assigned.ID != 1 {
		t.Fatalf("Lease() second call = %+v, want assigned id=1 again", res2)
	}
}

// S2: rate-limit cooldown is per-model.
func TestReportRateLimit_IsPerModel(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a", "model-b"}, now)
	maskA := reg.Mask("model-a")
	maskB := reg.Mask("model-b")

	s.Add(1, Credential{ID: 1, AccessToken: "at1", Expiry: now.Add(time.Hour)}, maskA|maskB)

	s.ReportRateLimit(1, maskA, 60*time.Second)

	if res := s.Lease(maskA); res.Assigned != nil {
		t.Fatalf("Lease(model-a) = %+v, want no assignment while cooling down", res)
	}
	if res := s.Lease(maskB); res.Assigned == nil || res.Assigned.ID != 1 {
		t.Fatalf("Lease(model-b) = %+v, want immediate assignment of id=1", res)
	}
}

// S5: expired token triggers refresh instead of assignment.
func TestLease_ExpiredCredentialYieldsRefreshID(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a"}, now)
	mask := reg.Mask("model-a")

	s.Add(1, Credential{ID: 1, AccessToken: "stale", Expiry: now.Add(-10 * time.Minute)}, mask)

	res := s.Lease(mask)
	if res.Assigned != nil {
		t.Fatalf("Lease() assigned = %+v, want none", res.Assigned)
	}
	if len(res.RefreshIDs) != 1 || res.RefreshIDs[0] != 1 {
		t.Fatalf("Lease() refreshIDs = %v, want [1]", res.RefreshIDs)
	}

	s.MarkRefreshing(1)
	if res := s.Lease(mask); res.Assigned != nil || len(res.RefreshIDs) != 0 {
		t.Fatalf("Lease() while refreshing = %+v, want empty", res)
	}

	s.Add(1, Credential{ID: 1, AccessToken: "fresh", Expiry: now.Add(time.Hour)}, mask)
	res = s.Lease(mask)
	if res.Assigned == nil || res.Assigned.AccessToken != "fresh" {
		t.Fatalf("Lease() after refresh = %+v, want fresh token", res)
	}
}

// Invariant 1 + 4: round-robin fairness across N eligible credentials.
func TestLease_RoundRobinFairness(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a"}, now)
	mask := reg.Mask("model-a")

	for id := int64(1); id <= 3; id++ {
		s.Add(id, Credential{ID: id, AccessToken: "at", Expiry: now.Add(time.Hour)}, mask)
	}

	var order []int64
	for i := 0; i < 6; i++ {
		res := s.Lease(mask)
		if res.Assigned == nil {
			t.Fatalf("Lease() #%d returned no assignment", i)
		}
		order = append(order, res.Assigned.ID)
	}
	want := []int64{1, 2, 3, 1, 2, 3}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("Lease() order = %v, want %v", order, want)
		}
	}
}

// Invariant 3: mark_model_unsupported permanently removes eligibility
// until an explicit Add restores the bit.
func TestMarkModelUnsupported_BlocksUntilExplicitAdd(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a"}, now)
	mask := reg.Mask("model-a")

	s.Add(1, Credential{ID: 1, AccessToken: "at", Expiry: now.Add(time.Hour)}, mask)

	before, after := s.MarkModelUnsupported(1, mask)
	if before&mask == 0 || after&mask != 0 {
		t.Fatalf("MarkModelUnsupported() before=%#x after=%#x, want bit cleared", before, after)
	}

	if res := s.Lease(mask); res.Assigned != nil {
		t.Fatalf("Lease() = %+v, want none after unsupported mark", res)
	}

	s.Add(1, Credential{ID: 1, AccessToken: "at", Expiry: now.Add(time.Hour)}, mask)
	if res := s.Lease(mask); res.Assigned == nil || res.Assigned.ID != 1 {
		t.Fatalf("Lease() after restoring caps = %+v, want id=1", res)
	}
}

// Invariant 5: cooldown monotonicity — a later, longer report_rate_limit
// call extends the cooldown even though an earlier deadline already fired
// a stale ticket.
func TestReportRateLimit_Monotonic(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a"}, now)
	mask := reg.Mask("model-a")
	s.Add(1, Credential{ID: 1, AccessToken: "at", Expiry: now.Add(time.Hour)}, mask)

	s.ReportRateLimit(1, mask, 10*time.Second)
	s.ReportRateLimit(1, mask, 60*time.Second)

	// Advance the clock past the first (superseded) deadline but before
	// the second.
	clockSetter(s, now.Add(30*time.Second))
	if res := s.Lease(mask); res.Assigned != nil {
		t.Fatalf("Lease() = %+v, want still cooling down at t+30s", res)
	}

	clockSetter(s, now.Add(61*time.Second))
	if res := s.Lease(mask); res.Assigned == nil {
		t.Fatalf("Lease() = %+v, want assignment once the extended cooldown elapses", res)
	}
}

// clockSetter rebinds the scheduler's now() func to a fixed instant. It
// exists because the tests above construct the scheduler with a mutable
// closure over a local variable; this helper captures that pattern once.
func clockSetter(s *Scheduler, t time.Time) {
	s.now = func() time.Time { return t }
}

// Invariant 2: at most one refresh task in flight per credential.
func TestMarkRefreshing_ClearsCooldowns(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a"}, now)
	mask := reg.Mask("model-a")
	s.Add(1, Credential{ID: 1, AccessToken: "at", Expiry: now.Add(time.Hour)}, mask)
	s.ReportRateLimit(1, mask, time.Minute)

	s.MarkRefreshing(1)
	if !s.IsRefreshing(1) {
		t.Fatalf("IsRefreshing(1) = false, want true")
	}
	if s.hasActiveCooldown(1, 0) {
		t.Fatalf("hasActiveCooldown(1, 0) = true, want false after MarkRefreshing clears it")
	}
}

func TestDelete_RemovesCredentialPermanently(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"model-a"}, now)
	mask := reg.Mask("model-a")
	s.Add(1, Credential{ID: 1, AccessToken: "at", Expiry: now.Add(time.Hour)}, mask)
	s.Add(2, Credential{ID: 2, AccessToken: "at", Expiry: now.Add(time.Hour)}, mask)

	s.Delete(1)

	for i := 0; i < 4; i++ {
		res := s.Lease(mask)
		if res.Assigned == nil {
			t.Fatalf("Lease() #%d returned none", i)
		}
		if res.Assigned.ID == 1 {
			t.Fatalf("Lease() #%d returned deleted credential 1", i)
		}
	}
}

func TestLease_RejectsNonSingleBitMask(t *testing.T) {
	now := time.Now()
	s, reg := newTestScheduler(t, []string{"a", "b"}, now)
	s.Add(1, Credential{ID: 1, AccessToken: "at", Expiry: now.Add(time.Hour)}, reg.FullMask())

	if res := s.Lease(reg.FullMask()); res.Assigned != nil {
		t.Fatalf("Lease() with multi-bit mask = %+v, want empty result", res)
	}
	if res := s.Lease(0); res.Assigned != nil {
		t.Fatalf("Lease() with zero mask = %+v, want empty result", res)
	}
}
