// Package scheduler implements the pure, in-memory, single-owner credential
// scheduler described in spec.md §4.1. It performs no I/O and is never
// shared across goroutines directly — callers (the provider actor) must
// serialize access.
package scheduler

import (
	"container/list"
	"time"

	"github.com/pollux-proxy/pollux/internal/registry"
)

// Credential is the persisted, provider-specific identity leased out by the
// scheduler. It mirrors spec.md §3's Credential shape.
type Credential struct {
	// ID is the stable identifier allocated by persistence.
	ID int64
	// Sub and ProjectOrAccount together form the idempotency key.
	Sub              string
	ProjectOrAccount string
	// RefreshToken is the long-lived OAuth refresh token.
	RefreshToken string
	// AccessToken is the current short-lived bearer token, if any.
	AccessToken string
	// Expiry is the absolute UTC instant the access token stops being valid.
	Expiry time.Time
	// Email is an optional human-readable identity label.
	Email string
	// ChatGPTPlanType is Codex-specific informational metadata (never used
	// for routing decisions; carried per the original_source supplement).
	ChatGPTPlanType string
}

// expiryBuffer is the early-expiry window from spec.md §3: a credential
// within this margin of its expiry is treated as already expired so that
// in-flight requests don't race a token that dies mid-call.
const expiryBuffer = 5 * time.Minute

// Expired reports whether the credential's access token is unusable: either
// missing outright, or within expiryBuffer of its recorded expiry.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return true
	}
	return c.Expiry.Sub(now) <= expiryBuffer
}

// RuntimeCredential augments a Credential with the in-memory capability
// bitmask and bookkeeping the scheduler needs to keep queue membership
// idempotent.
type RuntimeCredential struct {
	Credential
	// Caps has one bit set per model this credential is still believed to
	// support.
	Caps uint64
	// queuedMask has bit m set while the credential's id sits in queues[m].
	// It exists purely so Add() can skip re-enqueuing an id that is
	// already present, per spec.md §4.1.
	queuedMask uint64
}

// Clone returns a deep-enough copy for safe handoff across actor boundaries.
func (rc *RuntimeCredential) Clone() *RuntimeCredential {
	if rc == nil {
		return nil
	}
	cp := *rc
	return &cp
}

type cooldownKey struct {
	id    int64
	model int
}

// ticket is a waiting-room entry in the cooldown min-heap. Stale tickets
// (superseded by a later report_rate_limit call) are tolerated and
// discarded lazily, per spec.md §4.1.
type ticket struct {
	deadline time.Time
	id       int64
	model    int
}

// Scheduler is the pure in-memory state machine from spec.md §4.1. It must
// only ever be owned and mutated by a single goroutine (the provider actor).
type Scheduler struct {
	reg *registry.Registry

	creds map[int64]*RuntimeCredential

	// queues[m] is the FIFO eligibility ring for model index m.
	queues []*list.List
	// elems[id][m] is the queue element backing id's presence in queues[m],
	// so Delete/lazy-pop can locate and unlink it without a linear scan.
	elems map[int64]map[int]*list.Element

	cooldownMap map[cooldownKey]time.Time
	waitingRoom ticketHeap

	refreshing map[int64]struct{}

	now func() time.Time
}

// New builds an empty Scheduler bound to reg. now defaults to time.Now if nil.
func New(reg *registry.Registry, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	modelCount := reg.Len()
	queues := make([]*list.List, modelCount)
	for i := range queues {
		queues[i] = list.New()
	}
	return &Scheduler{
		reg:         reg,
		creds:       make(map[int64]*RuntimeCredential),
		queues:      queues,
		elems:       make(map[int64]map[int]*list.Element),
		cooldownMap: make(map[cooldownKey]time.Time),
		refreshing:  make(map[int64]struct{}),
		now:         now,
	}
}

// Add inserts or replaces a credential (spec.md §4.1 `add`).
//
// If id already existed, its current capability bits are preserved (so
// models disabled earlier by MarkModelUnsupported stay disabled across a
// refresh); otherwise initialCapsBits seeds the new entry. Any refreshing
// mark on id is cleared. id is appended to the tail of every model queue
// whose capability bit is set and where it isn't already enqueued.
func (s *Scheduler) Add(id int64, cred Credential, initialCapsBits uint64) {
	existing, had := s.creds[id]
	caps := initialCapsBits
	queuedMask := uint64(0)
	if had {
		caps = existing.Caps
		queuedMask = existing.queuedMask
	}
	rc := &RuntimeCredential{Credential: cred, Caps: caps, queuedMask: queuedMask}
	rc.ID = id
	s.creds[id] = rc
	delete(s.refreshing, id)

	for m := 0; m < len(s.queues); m++ {
		bit := uint64(1) << uint(m)
		if caps&bit == 0 {
			continue
		}
		if rc.queuedMask&bit != 0 {
			continue
		}
		s.enqueue(id, m)
	}
}

func (s *Scheduler) enqueue(id int64, model int) {
	elem := s.queues[model].PushBack(id)
	if s.elems[id] == nil {
		s.elems[id] = make(map[int]*list.Element)
	}
	s.elems[id][model] = elem
	if rc, ok := s.creds[id]; ok {
		rc.queuedMask |= uint64(1) << uint(model)
	}
}

func (s *Scheduler) dequeueElement(id int64, model int, elem *list.Element) {
	s.queues[model].Remove(elem)
	if byModel, ok := s.elems[id]; ok {
		delete(byModel, model)
		if len(byModel) == 0 {
			delete(s.elems, id)
		}
	}
	if rc, ok := s.creds[id]; ok {
		rc.queuedMask &^= uint64(1) << uint(model)
	}
}

// AssignmentResult is the outcome of a Lease call.
type AssignmentResult struct {
	// Assigned is non-nil when a credential was successfully leased.
	Assigned *Lease
	// RefreshIDs lists credential ids that were skipped because they are
	// expired or missing an access token; the caller (provider actor) is
	// responsible for marking them refreshing and dispatching a refresh task.
	RefreshIDs []int64
}

// Lease is a short-lived assignment of one credential's access token to a
// single in-flight upstream request.
type Lease struct {
	ID               int64
	AccessToken      string
	ProjectOrAccount string
}

// Lease implements spec.md §4.1 `lease`. modelMask must have exactly one bit
// set; any other mask returns an empty AssignmentResult.
func (s *Scheduler) Lease(modelMask uint64) AssignmentResult {
	m, ok := registry.SingleBit(modelMask)
	if !ok || m >= len(s.queues) {
		return AssignmentResult{}
	}

	s.drainExpiredCooldowns()

	var refreshIDs []int64
	q := s.queues[m]
	// Bound the scan to the queue's starting length: cooldown-blocked
	// heads get popped and pushed back to the tail to stay in rotation,
	// so an unbounded loop would spin forever if every credential for
	// this model is currently cooling down.
	for remaining := q.Len(); remaining > 0; remaining-- {
		front := q.Front()
		if front == nil {
			return AssignmentResult{RefreshIDs: refreshIDs}
		}
		id := front.Value.(int64)
		s.dequeueElement(id, m, front)

		rc, ok := s.creds[id]
		if !ok {
			continue
		}
		if rc.Caps&modelMask == 0 {
			continue
		}
		if _, refreshing := s.refreshing[id]; refreshing {
			continue
		}
		if s.hasActiveCooldown(id, m) {
			// Rate-limit cooldowns do not remove the credential from
			// rotation (spec.md §4.1 report_rate_limit): it keeps
			// circulating and becomes eligible again as soon as its
			// deadline passes, without requiring an explicit Add().
			s.enqueue(id, m)
			continue
		}

		if rc.Expired(s.now()) || rc.AccessToken == "" {
			refreshIDs = append(refreshIDs, id)
			continue
		}

		s.enqueue(id, m)
		return AssignmentResult{
			Assigned: &Lease{
				ID:               id,
				AccessToken:      rc.AccessToken,
				ProjectOrAccount: rc.ProjectOrAccount,
			},
			RefreshIDs: refreshIDs,
		}
	}
	return AssignmentResult{RefreshIDs: refreshIDs}
}

func (s *Scheduler) hasActiveCooldown(id int64, model int) bool {
	deadline, ok := s.cooldownMap[cooldownKey{id: id, model: model}]
	if !ok {
		return false
	}
	return deadline.After(s.now())
}

// drainExpiredCooldowns pops waiting-room tickets whose deadline has
// passed and reconciles them against the authoritative cooldownMap,
// discarding stale tickets superseded by a later report_rate_limit call.
func (s *Scheduler) drainExpiredCooldowns() {
	now := s.now()
	for s.waitingRoom.Len() > 0 {
		t := s.waitingRoom.Peek()
		if t.deadline.After(now) {
			return
		}
		s.waitingRoom.Pop()
		key := cooldownKey{id: t.id, model: t.model}
		if current, ok := s.cooldownMap[key]; ok && current.Equal(t.deadline) {
			delete(s.cooldownMap, key)
		}
		// If the map holds a strictly later deadline, the ticket is stale
		// and is simply discarded; the later ticket will fire in its turn.
	}
}

// ReportRateLimit implements spec.md §4.1 `report_rate_limit`. The
// credential is not removed from its queue; eligibility is decided lazily
// at lease time.
func (s *Scheduler) ReportRateLimit(id int64, modelMask uint64, cooldown time.Duration) {
	m, ok := registry.SingleBit(modelMask)
	if !ok {
		return
	}
	if _, exists := s.creds[id]; !exists {
		return
	}
	deadline := s.now().Add(cooldown)
	s.cooldownMap[cooldownKey{id: id, model: m}] = deadline
	s.waitingRoom.Push(ticket{deadline: deadline, id: id, model: m})
}

// MarkModelUnsupported implements spec.md §4.1 `mark_model_unsupported` and
// returns (before, after) capability bits for the caller to log.
func (s *Scheduler) MarkModelUnsupported(id int64, modelMask uint64) (before uint64, after uint64) {
	rc, ok := s.creds[id]
	if !ok {
		return 0, 0
	}
	before = rc.Caps
	rc.Caps &^= modelMask
	after = rc.Caps
	return before, after
}

// MarkRefreshing implements spec.md §4.1 `mark_refreshing`: adds id to the
// refreshing set and clears any pending cooldown entries for it, since the
// upcoming refresh supersedes them.
func (s *Scheduler) MarkRefreshing(id int64) {
	s.refreshing[id] = struct{}{}
	for key := range s.cooldownMap {
		if key.id == id {
			delete(s.cooldownMap, key)
		}
	}
}

// IsRefreshing reports whether id currently has a refresh task in flight.
func (s *Scheduler) IsRefreshing(id int64) bool {
	_, ok := s.refreshing[id]
	return ok
}

// Delete implements spec.md §4.1 `delete`: removes id from creds,
// refreshing, and all cooldown entries. Queue entries are left for lazy
// cleanup on the next pop, matching spec.md's stale-entry tolerance.
func (s *Scheduler) Delete(id int64) {
	delete(s.creds, id)
	delete(s.refreshing, id)
	delete(s.elems, id)
	for key := range s.cooldownMap {
		if key.id == id {
			delete(s.cooldownMap, key)
		}
	}
}

// Get returns a copy of the runtime credential for id, or nil if unknown.
func (s *Scheduler) Get(id int64) *RuntimeCredential {
	rc, ok := s.creds[id]
	if !ok {
		return nil
	}
	return rc.Clone()
}

// Len returns the number of credentials currently tracked.
func (s *Scheduler) Len() int {
	return len(s.creds)
}
