// Package upstream implements spec.md §4.4: it leases a credential from a
// Provider Actor, builds the provider-specific upstream envelope, executes
// the HTTP call with a small bounded retry policy, and on failure classifies
// the response and reports it back to the actor before surfacing a typed
// error. Grounded on the teacher's antigravity_executor.go request-building
// and retry-loop shape, generalized across the three providers.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pollux-proxy/pollux/internal/scheduler"
	"github.com/pollux-proxy/pollux/internal/thoughtsig"
)

// Provider identifies which envelope/auth shape a request uses.
type Provider int

const (
	ProviderGeminiCLI Provider = iota
	ProviderAntigravity
	ProviderCodex
)

func (p Provider) classifyKind() ProviderKind {
	if p == ProviderCodex {
		return KindCodex
	}
	return KindGemini
}

// Actor is the subset of provideractor.Actor the client needs. Declared
// locally so this package never imports provideractor.
type Actor interface {
	GetCredential(modelMask uint64) *scheduler.Lease
	ReportRateLimit(id int64, modelMask uint64, cooldown time.Duration)
	ReportModelUnsupported(id int64, modelMask uint64)
	ReportInvalid(id int64)
	ReportBanned(id int64)
}

// Request is one inbound call translated into the core's provider-neutral
// shape; ModelMask must be a single bit (the registry index of Model).
type Request struct {
	Provider  Provider
	Model     string
	ModelMask uint64
	Stream    bool
	Body      []byte
}

// Result is either a streaming body (Stream==true, caller must Close it) or
// a fully-buffered JSON payload.
type Result struct {
	Stream  io.ReadCloser
	Body    []byte
	Headers http.Header
}

// maxTransportRetries bounds the client's own 5xx/transport retry loop,
// separate from the outer per-classification retry the caller performs
// against a freshly-leased credential.
const maxTransportRetries = 2

// idleTimeout implements spec.md invariant 8: an SSE stream that goes
// silent this long surfaces a stream-protocol error instead of hanging.
const idleTimeout = 60 * time.Second

// Client executes upstream calls for one provider.
type Client struct {
	provider Provider
	actor    Actor
	http     *http.Client
	patcher  *thoughtsig.Patcher // nil for Codex, which has no thought-signature wire contract
	log      *logrus.Entry
}

// New builds a Client. httpClient should already be configured per
// spec.md §4.3's connection policy (connect timeout 5s, overall 15-30s,
// HTTP/1 + Connection:close unless multiplexing is enabled). patcher is the
// Thought-Signature Engine (spec.md §4.5) binding for this provider; pass
// nil for Codex, which never patches or sniffs thought signatures.
func New(provider Provider, actor Actor, httpClient *http.Client, patcher *thoughtsig.Patcher, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{provider: provider, actor: actor, http: httpClient, patcher: patcher, log: log.WithField("component", "upstream")}
}

// Do implements spec.md §4.4 steps 1-5. On a classified failure it sends
// exactly one Report… message to the actor before returning the typed error.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	lease := c.actor.GetCredential(req.ModelMask)
	if lease == nil {
		return nil, NoAvailableCredential()
	}

	httpReq, err := c.buildRequest(ctx, req, lease)
	if err != nil {
		return nil, &StatusError{Kind: KindInternal, Status: 500, Message: err.Error()}
	}

	resp, err := c.doWithRetry(httpReq)
	if err != nil {
		return nil, &StatusError{Kind: KindTransport, Status: 502, Message: err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req.Stream {
			stream := io.ReadCloser(resp.Body)
			if c.patcher != nil {
				stream = newSniffingReader(stream, thoughtsig.NewSniffer(c.patcher.Cache()))
			}
			return &Result{Stream: newIdleTimeoutReader(stream, idleTimeout), Headers: resp.Header.Clone()}, nil
		}
		if req.Provider == ProviderCodex {
			// buildCodexEnvelope always forces "stream": true upstream, so a
			// non-stream request still receives an SSE response here.
			return c.bufferCodexNonStream(resp)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &StatusError{Kind: KindTransport, Status: 502, Message: err.Error()}
		}
		return &Result{Body: body, Headers: resp.Header.Clone()}, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return nil, c.classifyAndReport(lease.ID, req.ModelMask, resp.StatusCode, body)
}

// doWithRetry retries the request up to maxTransportRetries times on a
// transport-level error or a 5xx response, with small exponential backoff.
func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	var lastErr error
	for attempt := 0; attempt <= maxTransportRetries; attempt++ {
		if attempt > 0 {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 && attempt < maxTransportRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("upstream: transient status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) buildRequest(ctx context.Context, req Request, lease *scheduler.Lease) (*http.Request, error) {
	var (
		url, userAgent string
		body           []byte
		err            error
	)
	switch req.Provider {
	case ProviderGeminiCLI:
		body, err = buildGeminiEnvelope(c.patcher, req.Model, lease.ProjectOrAccount, req.Body)
		url = geminiBaseURL + geminiPath(req.Stream)
		userAgent = geminiUserAgent
	case ProviderAntigravity:
		body, err = buildAntigravityEnvelope(c.patcher, req.Model, lease.ProjectOrAccount, req.Body)
		url = geminiBaseURL + antigravityPath(req.Stream)
		userAgent = antigravityUserAgent
	case ProviderCodex:
		body, err = buildCodexEnvelope(req.Body)
		url = codexEndpoint
		userAgent = "codex_cli_rs"
	default:
		return nil, fmt.Errorf("upstream: unknown provider %d", req.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: build envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+lease.AccessToken)
	if req.Provider == ProviderCodex {
		httpReq.Header.Set("Chatgpt-Account-Id", lease.ProjectOrAccount)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	return httpReq, nil
}

// classifyAndReport derives an Action from the failed response and sends
// exactly one Report… message for it, then returns the typed error the
// caller surfaces. Codex Ban from a 402 is excluded from the outer retry
// story (spec.md §4.4): it's surfaced directly as a 4xx.
func (c *Client) classifyAndReport(id int64, modelMask uint64, status int, body []byte) error {
	action := Classify(c.provider.classifyKind(), status, body)
	preview := body
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}

	switch action.Kind {
	case ActionRateLimit:
		c.actor.ReportRateLimit(id, modelMask, action.Cooldown)
		return &StatusError{Kind: KindUpstreamMapped, Status: status, Message: string(preview), RetryAfter: action.Cooldown}
	case ActionInvalid:
		c.actor.ReportInvalid(id)
		return &StatusError{Kind: KindUpstreamMapped, Status: status, Message: string(preview)}
	case ActionModelUnsupported:
		c.actor.ReportModelUnsupported(id, modelMask)
		return &StatusError{Kind: KindUpstreamMapped, Status: status, Message: string(preview)}
	case ActionBan:
		c.actor.ReportBanned(id)
		if c.provider == ProviderCodex && status == 402 {
			return &StatusError{Kind: KindUpstreamFallback, Status: status, Message: string(preview)}
		}
		return &StatusError{Kind: KindUpstreamMapped, Status: status, Message: string(preview)}
	default:
		c.log.WithFields(logrus.Fields{"id": id, "status": status}).Debug("upstream error did not match any classification rule")
		return &StatusError{Kind: KindUpstreamFallback, Status: status, Message: string(preview)}
	}
}
