// Package provideractor implements the single-consumer message queue that
// owns one provider's Scheduler, per spec.md §4.2. It is the idiomatic-Go
// rendition of the spec's actor: a buffered channel of closures drained by
// one goroutine, grounded on the teacher's sdk/cliproxy/auth.Manager
// (executor registration, serialized mutation) but using a mailbox instead
// of a mutex since the spec explicitly calls for a message queue.
package provideractor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pollux-proxy/pollux/internal/oauth"
	"github.com/pollux-proxy/pollux/internal/refresh"
	"github.com/pollux-proxy/pollux/internal/registry"
	"github.com/pollux-proxy/pollux/internal/scheduler"
)

// mailboxCapacity matches spec.md §5's bounded-channel capacity for actor
// message queues.
const mailboxCapacity = 1000

// Actor is the serialized owner of one provider's Scheduler.
type Actor struct {
	name     string
	provider refresh.Provider
	fullMask uint64

	sched      *scheduler.Scheduler
	reg        *registry.Registry
	persist    Persistence
	dispatcher Dispatcher

	mailbox chan func()
	log     *logrus.Entry
}

// New builds an Actor bound to reg's full mask for this provider. Call Run
// in its own goroutine to start processing, and DrainOutcomes (in its own
// goroutine) to apply refresh pipeline results.
func New(name string, provider refresh.Provider, reg *registry.Registry, persist Persistence, dispatcher Dispatcher, log *logrus.Logger) *Actor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Actor{
		name:       name,
		provider:   provider,
		fullMask:   reg.FullMask(),
		sched:      scheduler.New(reg, nil),
		reg:        reg,
		persist:    persist,
		dispatcher: dispatcher,
		mailbox:    make(chan func(), mailboxCapacity),
		log:        log.WithField("provider", name),
	}
}

// Run drains the mailbox until ctx is cancelled. Every closure runs to
// completion before the next is dequeued, which is what serializes
// Scheduler mutation without a lock.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-a.mailbox:
			fn()
		}
	}
}

// DrainOutcomes applies refresh pipeline results as they arrive. Run it in
// its own goroutine alongside Run.
func (a *Actor) DrainOutcomes(ctx context.Context, outcomes <-chan refresh.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-outcomes:
			a.post(func() { a.handleRefreshComplete(o) })
		}
	}
}

func (a *Actor) post(fn func()) {
	a.mailbox <- fn
}

// LoadExisting adds a credential recovered from the Persistence Actor at
// startup straight into the scheduler, with full capability over this
// provider's registered models. Not part of spec.md §4.2's message set
// (which only covers runtime submissions); it is how persistence actually
// survives a restart.
func (a *Actor) LoadExisting(cred scheduler.Credential) {
	a.post(func() { a.sched.Add(cred.ID, cred, a.fullMask) })
}

// GetCredential implements spec.md §4.2 GetCredential: lease a credential
// for modelMask, kicking off report-invalid handling for every id the
// scheduler flagged as needing a refresh.
func (a *Actor) GetCredential(modelMask uint64) *scheduler.Lease {
	reply := make(chan *scheduler.Lease, 1)
	a.post(func() {
		res := a.sched.Lease(modelMask)
		for _, id := range res.RefreshIDs {
			a.reportInvalidLocked(id)
		}
		reply <- res.Assigned
	})
	return <-reply
}

// ReportRateLimit implements spec.md §4.2 ReportRateLimit.
func (a *Actor) ReportRateLimit(id int64, modelMask uint64, cooldown time.Duration) {
	a.post(func() { a.sched.ReportRateLimit(id, modelMask, cooldown) })
}

// ReportModelUnsupported implements spec.md §4.2 ReportModelUnsupported.
func (a *Actor) ReportModelUnsupported(id int64, modelMask uint64) {
	a.post(func() {
		before, after := a.sched.MarkModelUnsupported(id, modelMask)
		a.log.WithFields(logrus.Fields{"id": id, "before": before, "after": after}).Info("model capability revoked")
		if after == 0 {
			a.log.WithField("id", id).Warn("credential has no remaining supported models")
		}
	})
}

// ReportInvalid implements spec.md §4.2 ReportInvalid: marks id refreshing
// (idempotently) and dispatches a refresh task.
func (a *Actor) ReportInvalid(id int64) {
	a.post(func() { a.reportInvalidLocked(id) })
}

func (a *Actor) reportInvalidLocked(id int64) {
	if a.sched.IsRefreshing(id) {
		return
	}
	rc := a.sched.Get(id)
	if rc == nil {
		return
	}
	a.sched.MarkRefreshing(id)
	if !a.dispatcher.Dispatch(refresh.Task{Provider: a.provider, ID: id, RefreshToken: rc.RefreshToken}) {
		// Pipeline saturated; re-add clears the refreshing mark (scheduler.Add
		// always resets it), so the next lease attempt retries dispatch
		// instead of leaving id stuck forever.
		a.sched.Add(id, rc.Credential, rc.Caps)
		a.log.WithField("id", id).Warn("refresh pipeline saturated, will retry on next lease")
	}
}

// ReportBanned implements spec.md §4.2 ReportBanned.
func (a *Actor) ReportBanned(id int64) {
	a.post(func() {
		a.sched.Delete(id)
		go func() {
			if err := a.persist.SetInactive(id); err != nil {
				a.log.WithError(err).WithField("id", id).Error("persist ban")
			}
		}()
	})
}

// SubmitTrustedOauth implements spec.md §4.2 SubmitTrustedOauth: decode
// identity from the token response, persist, and self-post an activation.
func (a *Actor) SubmitTrustedOauth(tok TokenResponse, projectOrAccount string) {
	a.post(func() {
		claims, err := oauth.DecodeIDToken(tok.IDToken)
		sub := ""
		email := ""
		if err == nil && claims != nil {
			sub = claims.Sub
			email = claims.Email
		}
		rec := UpsertRecord{
			Sub:              sub,
			ProjectOrAccount: projectOrAccount,
			Email:            email,
			RefreshToken:     tok.RefreshToken,
			AccessToken:      tok.AccessToken,
			Expiry:           time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
		}
		go a.persistAndActivate(rec)
	})
}

// SubmitUntrustedSeeds implements spec.md §4.2 SubmitUntrustedSeeds: each
// bare refresh token is dispatched as an OnboardSeed task; activation only
// happens after a successful refresh + project discovery + upsert.
func (a *Actor) SubmitUntrustedSeeds(refreshTokens []string) {
	a.post(func() {
		for _, rt := range refreshTokens {
			a.dispatcher.Dispatch(refresh.Task{Provider: a.provider, RefreshToken: rt, Onboard: true})
		}
	})
}

// persistAndActivate upserts rec off the actor goroutine and posts the
// resulting ActivateCredential message back to self on success.
func (a *Actor) persistAndActivate(rec UpsertRecord) {
	id, err := a.persist.Upsert(rec)
	if err != nil {
		a.log.WithError(err).Error("persist trusted oauth submission")
		return
	}
	a.post(func() {
		a.sched.Add(id, scheduler.Credential{
			ID:               id,
			Sub:              rec.Sub,
			ProjectOrAccount: rec.ProjectOrAccount,
			RefreshToken:     rec.RefreshToken,
			AccessToken:      rec.AccessToken,
			Expiry:           rec.Expiry,
			Email:            rec.Email,
			ChatGPTPlanType:  rec.ChatGPTPlanType,
		}, a.fullMask)
	})
}

// handleRefreshComplete implements spec.md §4.2 RefreshComplete.
func (a *Actor) handleRefreshComplete(o refresh.Outcome) {
	switch o.Kind {
	case refresh.OutcomeSuccess:
		if o.Task.Onboard {
			a.activateOnboarded(o.New)
			return
		}
		a.applyRefreshPatch(o.Patch)
	case refresh.OutcomeServerResponse:
		if o.Task.Onboard {
			a.log.WithError(o.Err).Warn("onboard seed rejected by oauth server")
			return
		}
		a.sched.Delete(o.Task.ID)
		go func(id int64) {
			if err := a.persist.SetInactive(id); err != nil {
				a.log.WithError(err).WithField("id", id).Error("persist permanent oauth failure")
			}
		}(o.Task.ID)
	case refresh.OutcomeTransient:
		if o.Task.Onboard {
			a.log.WithError(o.Err).Warn("onboard seed transient failure, not retried automatically")
			return
		}
		// Keep the credential in memory; clearing refreshing lets the next
		// lease attempt retry the refresh.
		if rc := a.sched.Get(o.Task.ID); rc != nil {
			a.sched.Add(o.Task.ID, rc.Credential, rc.Caps)
		}
	}
}

func (a *Actor) applyRefreshPatch(patch *refresh.CredentialPatch) {
	if patch == nil {
		return
	}
	rc := a.sched.Get(patch.ID)
	if rc == nil {
		return
	}
	cred := rc.Credential
	cred.AccessToken = patch.AccessToken
	cred.Expiry = patch.Expiry
	if patch.RefreshToken != "" {
		cred.RefreshToken = patch.RefreshToken
	}
	a.sched.Add(patch.ID, cred, rc.Caps)
	go func() {
		if err := a.persist.Patch(Patch{ID: patch.ID, AccessToken: patch.AccessToken, RefreshToken: patch.RefreshToken, Expiry: patch.Expiry}); err != nil {
			a.log.WithError(err).WithField("id", patch.ID).Error("persist refresh patch")
		}
	}()
}

func (a *Actor) activateOnboarded(nc *refresh.NewCredential) {
	if nc == nil {
		return
	}
	rec := UpsertRecord{
		Sub:              nc.Sub,
		ProjectOrAccount: nc.ProjectOrAccount,
		Email:            nc.Email,
		RefreshToken:     nc.RefreshToken,
		AccessToken:      nc.AccessToken,
		Expiry:           nc.Expiry,
		ChatGPTPlanType:  nc.ChatGPTPlanType,
	}
	go a.persistAndActivate(rec)
}
