package upstream

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
)

// verdict is the dispatcher's decision after one upstream attempt fails.
type verdict int

const (
	verdictRetry verdict = iota // cool down and try the next target
	verdictFatal                // translate and return to the client
)

// classification describes a failed upstream attempt.
type classification struct {
	verdict    verdict
	kind       gateway.ErrorKind
	status     int           // client-facing status for fatal verdicts
	retryAfter time.Duration // 429 only; zero when absent
	modelGone  bool          // 400 that names a missing model
}

// classify inspects a non-2xx upstream response.
//
// Retryable: 429 (rate limit), 5xx and 408 (transient), and 400s that report
// an unknown model (another target may carry it). 401/403 and 404 are
// terminal: failing over would mask the real fault behind another target's
// answer. Everything else is the client's problem and surfaces immediately.
func classify(status int, header http.Header, body []byte) classification {
	switch {
	case status == http.StatusTooManyRequests:
		return classification{
			verdict:    verdictRetry,
			kind:       gateway.KindUpstreamRateLimited,
			retryAfter: parseRetryAfter(header.Get("Retry-After")),
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// The provider still cools down; the client sees a masked 502.
		return classification{
			verdict: verdictFatal,
			kind:    gateway.KindUpstreamAuth,
			status:  http.StatusBadGateway,
		}
	case status >= 500 || status == http.StatusRequestTimeout:
		return classification{verdict: verdictRetry, kind: gateway.KindUpstreamServerError}
	case status == http.StatusNotFound:
		return classification{
			verdict:   verdictFatal,
			kind:      gateway.KindUpstreamServerError,
			status:    http.StatusNotFound,
			modelGone: true,
		}
	case status == http.StatusBadRequest && mentionsMissingModel(body):
		return classification{
			verdict:   verdictRetry,
			kind:      gateway.KindUpstreamServerError,
			modelGone: true,
		}
	case status == http.StatusBadRequest && mentionsContentPolicy(body):
		return classification{
			verdict: verdictFatal,
			kind:    gateway.KindUpstreamContentPolicy,
			status:  http.StatusBadRequest,
		}
	default:
		return classification{
			verdict: verdictFatal,
			kind:    gateway.KindClientBadRequest,
			status:  status,
		}
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// mentionsMissingModel sniffs provider 400 bodies for the unknown-model case,
// which should fail over instead of surfacing: another target may carry the
// model.
func mentionsMissingModel(body []byte) bool {
	msg := strings.ToLower(errorMessage(body))
	if msg == "" {
		return false
	}
	if !strings.Contains(msg, "model") {
		return false
	}
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "unknown") ||
		strings.Contains(msg, "decommissioned")
}

func mentionsContentPolicy(body []byte) bool {
	r := gjson.ParseBytes(body)
	code := r.Get("error.code").String()
	typ := r.Get("error.type").String()
	return code == "content_policy_violation" || code == "content_filter" ||
		typ == "content_filter_error" ||
		strings.Contains(strings.ToLower(r.Get("error.message").String()), "content policy")
}

// errorMessage digs the human-readable message out of any family's error
// envelope.
func errorMessage(body []byte) string {
	r := gjson.ParseBytes(body)
	for _, path := range []string{"error.message", "message", "error"} {
		if v := r.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
