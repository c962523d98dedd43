package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pollux-proxy/pollux/internal/oauth"
	"github.com/pollux-proxy/pollux/internal/oauth/antigravity"
	"github.com/pollux-proxy/pollux/internal/oauth/codex"
	"github.com/pollux-proxy/pollux/internal/oauth/gemini"
)

// Pipeline is the bounded, rate-limited async worker described in
// spec.md §4.3. It owns its own HTTP client and never touches a
// Scheduler directly; outcomes are delivered on Outcomes for the
// Provider Actor to apply.
type Pipeline struct {
	tasks    chan Task
	outcomes chan Outcome

	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	concurrency int64

	client *http.Client
}

// NewPipeline builds a Pipeline throttled to oauthTPS refresh/onboard calls
// per second (burst 2×oauthTPS) with bounded concurrency of 2×oauthTPS,
// per spec.md §4.3.
func NewPipeline(oauthTPS int, client *http.Client) *Pipeline {
	if oauthTPS <= 0 {
		oauthTPS = 5
	}
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	concurrency := int64(2 * oauthTPS)
	return &Pipeline{
		tasks:       make(chan Task, 1000),
		outcomes:    make(chan Outcome, 1000),
		limiter:     rate.NewLimiter(rate.Limit(oauthTPS), 2*oauthTPS),
		sem:         semaphore.NewWeighted(concurrency),
		concurrency: concurrency,
		client:      client,
	}
}

// Dispatch enqueues t without blocking. It reports false if the task
// channel is full (capacity 1000, per spec.md §5), in which case the
// caller should treat the credential as still refreshing and retry later.
func (p *Pipeline) Dispatch(t Task) bool {
	select {
	case p.tasks <- t:
		return true
	default:
		return false
	}
}

// Outcomes returns the channel the Provider Actor should drain to receive
// RefreshComplete deliveries.
func (p *Pipeline) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Run drains tasks until ctx is cancelled, spawning one goroutine per task
// bounded by the pipeline's semaphore. It blocks until ctx is done and all
// in-flight tasks have finished.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = p.sem.Acquire(context.Background(), p.concurrency)
			return
		case t := <-p.tasks:
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(task Task) {
				defer p.sem.Release(1)
				p.execute(ctx, task)
			}(t)
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, t Task) {
	var outcome Outcome
	outcome.Task = t

	if t.Onboard {
		newCred, err := p.onboard(ctx, t)
		if err != nil {
			outcome.Kind, outcome.Err = classify(err)
			p.deliver(outcome)
			return
		}
		outcome.Kind = OutcomeSuccess
		outcome.New = newCred
		p.deliver(outcome)
		return
	}

	patch, err := p.refresh(ctx, t)
	if err != nil {
		outcome.Kind, outcome.Err = classify(err)
		p.deliver(outcome)
		return
	}
	outcome.Kind = OutcomeSuccess
	outcome.Patch = patch
	p.deliver(outcome)
}

func (p *Pipeline) deliver(o Outcome) {
	select {
	case p.outcomes <- o:
	default:
		// Outcomes channel is sized generously (1000); a full channel means
		// the actor has stalled. Block rather than drop a refresh result.
		p.outcomes <- o
	}
}

// refresh performs the deterministic internal retry policy from
// spec.md §4.3: up to 3 attempts, ~1-3s jittered backoff, transient
// transport errors only. A ServerError from the OAuth endpoint is never
// retried — it is the permanent signal.
func (p *Pipeline) refresh(ctx context.Context, t Task) (*CredentialPatch, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		patch, err := p.refreshOnce(ctx, t)
		if err == nil {
			return patch, nil
		}
		lastErr = err
		var serverErr *oauth.ServerError
		if errors.As(err, &serverErr) {
			return nil, err
		}
		if attempt < maxAttempts {
			if sleepErr := backoff(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, lastErr
}

func (p *Pipeline) refreshOnce(ctx context.Context, t Task) (*CredentialPatch, error) {
	switch t.Provider {
	case ProviderGeminiCLI:
		res, err := gemini.Refresh(ctx, p.client, t.RefreshToken)
		if err != nil {
			return nil, err
		}
		return &CredentialPatch{ID: t.ID, AccessToken: res.AccessToken, RefreshToken: res.RefreshToken, Expiry: res.Expiry}, nil
	case ProviderAntigravity:
		res, err := antigravity.Refresh(ctx, p.client, t.RefreshToken)
		if err != nil {
			return nil, err
		}
		return &CredentialPatch{ID: t.ID, AccessToken: res.AccessToken, RefreshToken: res.RefreshToken, Expiry: res.Expiry}, nil
	case ProviderCodex:
		res, err := codex.Refresh(ctx, p.client, t.RefreshToken)
		if err != nil {
			return nil, err
		}
		return &CredentialPatch{ID: t.ID, AccessToken: res.AccessToken, RefreshToken: res.RefreshToken, Expiry: res.Expiry}, nil
	default:
		return nil, errUnknownProvider
	}
}

// onboard implements spec.md §4.3's OnboardSeed task: refresh, then
// discover (or provision) a companion project id, for the two providers
// that support 0-trust refresh-token seeds.
func (p *Pipeline) onboard(ctx context.Context, t Task) (*NewCredential, error) {
	switch t.Provider {
	case ProviderGeminiCLI:
		res, err := gemini.Refresh(ctx, p.client, t.RefreshToken)
		if err != nil {
			return nil, err
		}
		projectID, err := gemini.FetchProjectID(ctx, p.client, res.AccessToken)
		if err != nil {
			return nil, err
		}
		claims, _ := oauth.DecodeIDToken(res.IDToken)
		return &NewCredential{
			Sub:              subOrHash(claims, t.RefreshToken),
			ProjectOrAccount: projectID,
			Email:            emailOf(claims),
			RefreshToken:     res.RefreshToken,
			AccessToken:      res.AccessToken,
			Expiry:           res.Expiry,
		}, nil
	case ProviderAntigravity:
		res, err := antigravity.Refresh(ctx, p.client, t.RefreshToken)
		if err != nil {
			return nil, err
		}
		projectID, err := antigravity.FetchProjectID(ctx, p.client, res.AccessToken)
		if err != nil {
			return nil, err
		}
		claims, _ := oauth.DecodeIDToken(res.IDToken)
		return &NewCredential{
			Sub:              subOrHash(claims, t.RefreshToken),
			ProjectOrAccount: projectID,
			Email:            emailOf(claims),
			RefreshToken:     res.RefreshToken,
			AccessToken:      res.AccessToken,
			Expiry:           res.Expiry,
		}, nil
	case ProviderCodex:
		res, err := codex.Refresh(ctx, p.client, t.RefreshToken)
		if err != nil {
			return nil, err
		}
		sub := res.AccountID
		if sub == "" {
			sub = hashSeed(t.RefreshToken)
		}
		return &NewCredential{
			Sub:              sub,
			ProjectOrAccount: res.AccountID,
			Email:            res.Email,
			RefreshToken:     res.RefreshToken,
			AccessToken:      res.AccessToken,
			Expiry:           res.Expiry,
			ChatGPTPlanType:  res.ChatGPTPlanType,
		}, nil
	default:
		return nil, errUnknownProvider
	}
}

func subOrHash(claims *oauth.IDTokenClaims, seed string) string {
	if claims != nil && claims.Sub != "" {
		return claims.Sub
	}
	return hashSeed(seed)
}

func emailOf(claims *oauth.IDTokenClaims) string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// hashSeed synthesizes a stable sub for Antigravity's 0-trust seed path
// (spec.md §4.6) when the id_token doesn't carry one.
func hashSeed(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return "seed-" + hex.EncodeToString(sum[:16])
}

var errUnknownProvider = errors.New("refresh: unknown provider")

func classify(err error) (OutcomeKind, error) {
	var serverErr *oauth.ServerError
	if errors.As(err, &serverErr) {
		return OutcomeServerResponse, err
	}
	return OutcomeTransient, err
}

// backoff sleeps roughly 1-3s with jitter, honoring ctx cancellation.
func backoff(ctx context.Context, attempt int) error {
	base := time.Duration(attempt) * time.Second
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}
