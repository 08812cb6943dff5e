package server

import (
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
	"github.com/mstiller/switchboard/internal/cooldown"
	"github.com/mstiller/switchboard/internal/credential"
	"github.com/mstiller/switchboard/internal/journal"
	"github.com/mstiller/switchboard/internal/keystore"
	"github.com/mstiller/switchboard/internal/router"
	"github.com/mstiller/switchboard/internal/testutil"
	"github.com/mstiller/switchboard/internal/upstream"
)

const clientSecret = "sk-client"

const chatResponse = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "a-1",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
}`

// newGateway wires the full handler stack against chat-only httptest
// upstreams, the way run.go does minus the workers.
func newGateway(t *testing.T, upstreams ...string) (http.Handler, *cooldown.Manager) {
	t.Helper()

	chatFam := map[gateway.APIFamily]bool{gateway.FamilyChat: true}
	providers := make(map[string]*config.Provider, len(upstreams))
	var targets []gateway.Target
	names := []string{"alpha", "beta", "gamma"}
	for i, base := range upstreams {
		id := names[i]
		model := id + "-1"
		providers[id] = &config.Provider{
			ID: id, Enabled: true, APIKey: "sk-" + id,
			APIBase: map[gateway.APIFamily]string{gateway.FamilyChat: base},
			Models:  map[string]config.Model{model: {Kind: "chat", AccessVia: chatFam}},
		}
		targets = append(targets, gateway.Target{ProviderID: id, Model: model, Weight: 1})
	}

	snap := &config.Snapshot{
		Dispatch: config.DispatchConfig{MaxAttempts: 4},
		Providers: providers,
		Aliases: map[string]*config.Alias{
			"fast": {ID: "fast", Targets: targets, Selector: config.SelectorInOrder},
		},
		AliasIdx: map[string]string{"fast": "fast"},
		Keys: []config.ClientKey{
			{Name: "team-a", Secret: clientSecret, Enabled: true},
		},
	}

	source := config.NewStaticSource(snap)
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cool := cooldown.New(clock)
	jr := journal.New(testutil.NewMemStore(), nil)
	rt := router.New(cool, nil, nil, rand.New(rand.NewPCG(1, 2)))
	creds := credential.NewStore(testutil.NewMemStore(), clock)

	dispatcher := upstream.New(upstream.Options{
		Source:   source,
		Router:   rt,
		Cooldown: cool,
		Creds:    creds,
		Journal:  jr,
		Client:   &http.Client{},
	})

	h := New(Deps{
		Keys:       keystore.New(source),
		Dispatcher: dispatcher,
		Cooldown:   cool,
		Sessions:   credential.NewSessions(creds, clock),
		Creds:      creds,
		Journal:    jr,
	})
	return h, cool
}

func chatUpstream(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func authed(extra ...string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + clientSecret}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "GET", "/healthz", "", nil)
	if w.Code != 200 {
		t.Fatalf("healthz = %d", w.Code)
	}
	w = doJSON(t, h, "GET", "/readyz", "", nil)
	if w.Code != 200 {
		t.Fatalf("readyz = %d", w.Code)
	}
}

func TestChatCompletionsProxied(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`, authed())
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := gjson.ParseBytes(w.Body.Bytes())
	if body.Get("choices.0.message.content").String() != "hello" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}
}

func TestMessagesTranscodedToChatUpstream(t *testing.T) {
	t.Parallel()
	var sawChat atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/completions" {
			sawChat.Add(1)
		}
		_, _ = w.Write([]byte(chatResponse))
	}))
	t.Cleanup(srv.Close)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/v1/messages",
		`{"model":"fast","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"x-api-key": clientSecret})
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if sawChat.Load() != 1 {
		t.Fatal("provider should be reached on its chat surface")
	}
	body := gjson.ParseBytes(w.Body.Bytes())
	if body.Get("type").String() != "message" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if body.Get("content.0.text").String() != "hello" {
		t.Fatalf("content = %s", w.Body.String())
	}
	// The client sees its requested alias, never the upstream model id.
	if body.Get("model").String() != "fast" {
		t.Fatalf("model = %q", body.Get("model").String())
	}
	if body.Get("usage.input_tokens").Int() != 5 {
		t.Fatalf("usage = %s", body.Get("usage").Raw)
	}
}

func TestGeminiModelInURL(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/v1beta/models/fast:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`,
		map[string]string{"x-goog-api-key": clientSecret})
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := gjson.ParseBytes(w.Body.Bytes())
	if body.Get("candidates.0.content.parts.0.text").String() != "hello" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestGeminiUnknownVerb(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/v1beta/models/fast:countTokens",
		`{"contents":[]}`, map[string]string{"x-goog-api-key": clientSecret})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if gjson.ParseBytes(w.Body.Bytes()).Get("error.status").String() != "NOT_FOUND" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestAuthFailureShapes(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	// No credentials at all; each surface renders 401 in its own shape.
	w := doJSON(t, h, "POST", "/v1/chat/completions", `{"model":"fast"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("chat status = %d", w.Code)
	}
	if gjson.ParseBytes(w.Body.Bytes()).Get("error.code").String() != "invalid_api_key" {
		t.Fatalf("chat body = %s", w.Body.String())
	}

	w = doJSON(t, h, "POST", "/v1/messages", `{"model":"fast"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("messages status = %d", w.Code)
	}
	if gjson.ParseBytes(w.Body.Bytes()).Get("error.type").String() != "authentication_error" {
		t.Fatalf("messages body = %s", w.Body.String())
	}

	w = doJSON(t, h, "POST", "/v1beta/models/fast:generateContent", `{}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("gemini status = %d", w.Code)
	}
	if gjson.ParseBytes(w.Body.Bytes()).Get("error.status").String() != "UNAUTHENTICATED" {
		t.Fatalf("gemini body = %s", w.Body.String())
	}
}

func TestMissingModelRejected(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`, authed())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "missing model") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestUnknownAliasIs404(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/v1/chat/completions",
		`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`, authed())
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestFailoverThroughServer(t *testing.T) {
	t.Parallel()
	var alphaHits, betaHits atomic.Int32
	bad := chatUpstream(t, 503, `{"error":{"message":"overloaded"}}`, &alphaHits)
	good := chatUpstream(t, 200, chatResponse, &betaHits)
	h, cool := newGateway(t, bad.URL, good.URL)

	w := doJSON(t, h, "POST", "/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`, authed())
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if alphaHits.Load() != 1 || betaHits.Load() != 1 {
		t.Fatalf("hits alpha=%d beta=%d", alphaHits.Load(), betaHits.Load())
	}
	if !cool.IsDown(cooldown.Key{Provider: "alpha", Model: "alpha-1"}) {
		t.Fatal("failed target should cool down")
	}

	// The cooled target is skipped on the next request.
	w = doJSON(t, h, "POST", "/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`, authed())
	if w.Code != 200 {
		t.Fatalf("second status = %d", w.Code)
	}
	if alphaHits.Load() != 1 {
		t.Fatalf("cooled target was retried, hits = %d", alphaHits.Load())
	}
}

func TestStreamingThroughServer(t *testing.T) {
	t.Parallel()
	frames := []string{
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"a-1","choices":[{"index":0,"delta":{"role":"assistant","content":"hello"}}]}`,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"a-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n\n"))
		}
	}))
	t.Cleanup(srv.Close)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/v1/chat/completions",
		`{"model":"fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`, authed())
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "[DONE]") {
		t.Fatalf("stream = %q", w.Body.String())
	}
}

func TestAdminCooldowns(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, cool := newGateway(t, srv.URL)
	cool.OnAuthFailure("alpha")

	w := doJSON(t, h, "GET", "/admin/cooldowns", "", authed())
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	body := gjson.ParseBytes(w.Body.Bytes())
	if body.Get("data.#").Int() != 1 {
		t.Fatalf("body = %s", w.Body.String())
	}
	if body.Get("data.0.provider").String() != "alpha" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestAdminSessionsRequireFields(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/admin/sessions", `{}`, authed())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAdminSessionLifecycle(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "POST", "/admin/sessions",
		`{"provider_kind":"anthropic","account_id":"work"}`, authed())
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body = %s", w.Code, w.Body.String())
	}
	body := gjson.ParseBytes(w.Body.Bytes())
	id := body.Get("id").String()
	if id == "" || body.Get("state").String() != "awaiting_manual_code" {
		t.Fatalf("session = %s", w.Body.String())
	}

	w = doJSON(t, h, "GET", "/admin/sessions/"+id, "", authed())
	if w.Code != 200 {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doJSON(t, h, "POST", "/admin/sessions/"+id+"/cancel", "", authed())
	if w.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", w.Code)
	}

	w = doJSON(t, h, "GET", "/admin/sessions/"+id, "", authed())
	if gjson.ParseBytes(w.Body.Bytes()).Get("state").String() != "cancelled" {
		t.Fatalf("after cancel = %s", w.Body.String())
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	t.Parallel()
	srv := chatUpstream(t, 200, chatResponse, nil)
	h, _ := newGateway(t, srv.URL)

	w := doJSON(t, h, "GET", "/admin/sessions/nope", "", authed())
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
