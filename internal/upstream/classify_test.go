package upstream

import (
	"net/http"
	"testing"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		header      http.Header
		body        string
		verdict     verdict
		kind        gateway.ErrorKind
		retryAfter  time.Duration
		modelGone   bool
		fatalStatus int
	}{
		{
			name:       "429 with retry-after",
			status:     429,
			header:     http.Header{"Retry-After": []string{"90"}},
			verdict:    verdictRetry,
			kind:       gateway.KindUpstreamRateLimited,
			retryAfter: 90 * time.Second,
		},
		{
			name:    "429 without header",
			status:  429,
			verdict: verdictRetry,
			kind:    gateway.KindUpstreamRateLimited,
		},
		{
			name:        "401 credential fault is terminal",
			status:      401,
			verdict:     verdictFatal,
			kind:        gateway.KindUpstreamAuth,
			fatalStatus: 502,
		},
		{
			name:        "403 credential fault is terminal",
			status:      403,
			verdict:     verdictFatal,
			kind:        gateway.KindUpstreamAuth,
			fatalStatus: 502,
		},
		{
			name:    "500 transient",
			status:  500,
			verdict: verdictRetry,
			kind:    gateway.KindUpstreamServerError,
		},
		{
			name:    "503 transient",
			status:  503,
			verdict: verdictRetry,
			kind:    gateway.KindUpstreamServerError,
		},
		{
			name:    "408 transient",
			status:  408,
			verdict: verdictRetry,
			kind:    gateway.KindUpstreamServerError,
		},
		{
			name:        "404 model gone is terminal",
			status:      404,
			verdict:     verdictFatal,
			kind:        gateway.KindUpstreamServerError,
			modelGone:   true,
			fatalStatus: 404,
		},
		{
			name:      "400 naming a missing model",
			status:    400,
			body:      `{"error":{"message":"The model gpt-9 does not exist"}}`,
			verdict:   verdictRetry,
			kind:      gateway.KindUpstreamServerError,
			modelGone: true,
		},
		{
			name:        "400 content policy",
			status:      400,
			body:        `{"error":{"code":"content_policy_violation","message":"rejected"}}`,
			verdict:     verdictFatal,
			kind:        gateway.KindUpstreamContentPolicy,
			fatalStatus: 400,
		},
		{
			name:        "400 plain validation error",
			status:      400,
			body:        `{"error":{"message":"temperature out of range"}}`,
			verdict:     verdictFatal,
			kind:        gateway.KindClientBadRequest,
			fatalStatus: 400,
		},
		{
			name:        "422 surfaces",
			status:      422,
			verdict:     verdictFatal,
			kind:        gateway.KindClientBadRequest,
			fatalStatus: 422,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			cls := classify(tt.status, h, []byte(tt.body))
			if cls.verdict != tt.verdict {
				t.Fatalf("verdict = %v, want %v", cls.verdict, tt.verdict)
			}
			if cls.kind != tt.kind {
				t.Fatalf("kind = %v, want %v", cls.kind, tt.kind)
			}
			if cls.retryAfter != tt.retryAfter {
				t.Fatalf("retryAfter = %v, want %v", cls.retryAfter, tt.retryAfter)
			}
			if cls.modelGone != tt.modelGone {
				t.Fatalf("modelGone = %v, want %v", cls.modelGone, tt.modelGone)
			}
			if tt.verdict == verdictFatal && cls.status != tt.fatalStatus {
				t.Fatalf("fatal status = %d, want %d", cls.status, tt.fatalStatus)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	if d := parseRetryAfter("30"); d != 30*time.Second {
		t.Fatalf("delta-seconds = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("empty = %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Fatalf("garbage = %v", d)
	}
	if d := parseRetryAfter("-5"); d != 0 {
		t.Fatalf("negative = %v", d)
	}

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d <= 0 || d > time.Minute {
		t.Fatalf("http-date = %v", d)
	}
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(past); d != 0 {
		t.Fatalf("past http-date = %v", d)
	}
}

func TestMentionsMissingModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"openai wording", `{"error":{"message":"The model foo does not exist"}}`, true},
		{"not found wording", `{"error":{"message":"model foo not found"}}`, true},
		{"unknown wording", `{"message":"unknown model: foo"}`, true},
		{"decommissioned wording", `{"error":{"message":"model foo has been decommissioned"}}`, true},
		{"unrelated 400", `{"error":{"message":"messages must not be empty"}}`, false},
		{"not found without model", `{"error":{"message":"resource not found"}}`, false},
		{"empty body", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := mentionsMissingModel([]byte(tt.body)); got != tt.want {
				t.Fatalf("mentionsMissingModel = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"openai envelope", `{"error":{"message":"boom"}}`, "boom"},
		{"bare message", `{"message":"boom"}`, "boom"},
		{"string error", `{"error":"boom"}`, "boom"},
		{"object error without message", `{"error":{"code":500}}`, ""},
		{"not json", `upstream exploded`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := errorMessage([]byte(tt.body)); got != tt.want {
				t.Fatalf("errorMessage = %q, want %q", got, tt.want)
			}
		})
	}
}
