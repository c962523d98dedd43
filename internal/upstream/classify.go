// Package upstream builds outbound provider requests from a leased
// credential and classifies non-2xx responses into the Action taxonomy
// from spec.md §4.4, grounded on the teacher's antigravity_executor.go
// error-body handling (gjson-based, tolerant of partial/odd payloads).
package upstream

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ActionKind is what the Upstream Client should tell the Provider Actor to
// do in response to a classified upstream error.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionRateLimit
	ActionInvalid
	ActionBan
	ActionModelUnsupported
)

// Action is the outcome of classifying one non-2xx upstream response.
type Action struct {
	Kind     ActionKind
	Cooldown time.Duration // meaningful only when Kind==ActionRateLimit
}

// ProviderKind distinguishes the two classification tables in spec.md §4.4.
type ProviderKind int

const (
	KindGemini ProviderKind = iota
	KindCodex
)

// Classify derives an Action from a non-2xx status and response body,
// following the per-provider table in spec.md §4.4 with its Fallback rows.
func Classify(kind ProviderKind, status int, body []byte) Action {
	if kind == KindGemini {
		if a, ok := classifyGemini(status, body); ok {
			return a
		}
		return geminiFallback(status)
	}
	if a, ok := classifyCodex(status, body); ok {
		return a
	}
	return codexFallback(status)
}

func classifyGemini(status int, body []byte) (Action, bool) {
	root := gjson.GetBytes(body, "error")
	if !root.Exists() {
		return Action{}, false
	}
	reason := ""
	for _, d := range root.Get("details").Array() {
		if d.Get("reason").String() != "" {
			reason = d.Get("reason").String()
		}
		if d.Get("@type").String() != "" && strings.Contains(d.Get("@type").String(), "ErrorInfo") && reason == "" {
			reason = d.Get("reason").String()
		}
	}
	statusField := root.Get("status").String()

	switch {
	case status == 429 && (statusField == "RESOURCE_EXHAUSTED" || reason != ""):
		if resetTS := findQuotaReset(root); resetTS != "" {
			if t, err := time.Parse(time.RFC3339, resetTS); err == nil {
				d := time.Until(t) + time.Second
				if d < time.Second {
					d = time.Second
				}
				return Action{Kind: ActionRateLimit, Cooldown: d}, true
			}
		}
		if reason == "MODEL_CAPACITY_EXHAUSTED" {
			return Action{Kind: ActionRateLimit, Cooldown: time.Hour}, true
		}
		return Action{Kind: ActionRateLimit, Cooldown: 90 * time.Second}, true
	case status == 401 && statusField == "UNAUTHENTICATED":
		return Action{Kind: ActionInvalid}, true
	case status == 403 && statusField == "PERMISSION_DENIED":
		return Action{Kind: ActionBan}, true
	case status == 404 && statusField == "NOT_FOUND":
		return Action{Kind: ActionModelUnsupported}, true
	}
	return Action{}, false
}

func findQuotaReset(errRoot gjson.Result) string {
	for _, d := range errRoot.Get("details").Array() {
		if ts := d.Get("metadata.quotaResetTimeStamp").String(); ts != "" {
			return ts
		}
	}
	return ""
}

func geminiFallback(status int) Action {
	switch status {
	case 401:
		return Action{Kind: ActionInvalid}
	case 403:
		// Likely a WAF block rather than a real permission failure;
		// preserve the credential.
		return Action{Kind: ActionNone}
	case 404:
		return Action{Kind: ActionModelUnsupported}
	case 429:
		return Action{Kind: ActionRateLimit, Cooldown: 60 * time.Second}
	default:
		return Action{Kind: ActionNone}
	}
}

func classifyCodex(status int, body []byte) (Action, bool) {
	root := gjson.GetBytes(body, "error")

	if status == 400 {
		detail := gjson.GetBytes(body, "detail").String()
		if detail == "" {
			detail = root.Get("message").String()
		}
		if strings.Contains(detail, "model is not supported") {
			return Action{Kind: ActionModelUnsupported}, true
		}
	}
	if status == 402 && root.Get("code").String() == "deactivated_workspace" {
		return Action{Kind: ActionBan}, true
	}
	if status == 429 {
		code := root.Get("code").String()
		switch code {
		case "usage_limit_reached":
			return Action{Kind: ActionRateLimit, Cooldown: codexUsageLimitCooldown(root)}, true
		case "usage_not_included":
			return Action{Kind: ActionBan}, true
		}
	}
	return Action{}, false
}

func codexUsageLimitCooldown(errRoot gjson.Result) time.Duration {
	if resetsAt := errRoot.Get("resets_at").String(); resetsAt != "" {
		if t, err := time.Parse(time.RFC3339, resetsAt); err == nil {
			if d := time.Until(t) + time.Second; d > 0 {
				return d
			}
		}
	}
	if secs := errRoot.Get("resets_in_seconds"); secs.Exists() {
		d := time.Duration(secs.Int())*time.Second + time.Second
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	return 10 * time.Minute
}

func codexFallback(status int) Action {
	switch status {
	case 401:
		return Action{Kind: ActionInvalid}
	case 402, 403:
		return Action{Kind: ActionBan}
	case 429:
		return Action{Kind: ActionRateLimit, Cooldown: 60 * time.Second}
	default:
		return Action{Kind: ActionNone}
	}
}
