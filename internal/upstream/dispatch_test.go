package upstream

import (
	"context"
	"errors"
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
	"github.com/mstiller/switchboard/internal/journal"
	"github.com/mstiller/switchboard/internal/router"
	"github.com/mstiller/switchboard/internal/testutil"
)

const chatRequest = `{"model":"fast","messages":[{"role":"user","content":"hi"}]}`

const chatResponse = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "a-1",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
}`

// harness wires a Dispatcher against two httptest chat upstreams.
type harness struct {
	dispatcher *Dispatcher
	cool       *cooldown.Manager
	store      *testutil.MemStore
	journal    *journal.Journal
}

func newHarness(t *testing.T, alphaURL, betaURL string) *harness {
	t.Helper()

	chatFam := map[gateway.APIFamily]bool{gateway.FamilyChat: true}
	snap := &config.Snapshot{
		Dispatch: config.DispatchConfig{MaxAttempts: 4},
		Providers: map[string]*config.Provider{
			"alpha": {
				ID: "alpha", Enabled: true, APIKey: "sk-alpha",
				APIBase: map[gateway.APIFamily]string{gateway.FamilyChat: alphaURL},
				Models:  map[string]config.Model{"a-1": {Kind: "chat", AccessVia: chatFam}},
			},
			"beta": {
				ID: "beta", Enabled: true, APIKey: "sk-beta",
				APIBase: map[gateway.APIFamily]string{gateway.FamilyChat: betaURL},
				Models:  map[string]config.Model{"b-1": {Kind: "chat", AccessVia: chatFam}},
			},
		},
		Aliases: map[string]*config.Alias{
			"fast": {
				ID: "fast",
				Targets: []gateway.Target{
					{ProviderID: "alpha", Model: "a-1", Weight: 1},
					{ProviderID: "beta", Model: "b-1", Weight: 1},
				},
				Selector: config.SelectorInOrder,
			},
		},
		AliasIdx: map[string]string{"fast": "fast"},
	}

	source := config.NewStaticSource(snap)
	clock := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cool := cooldown.New(clock)
	store := testutil.NewMemStore()
	jr := journal.New(store, nil)
	rt := router.New(cool, nil, nil, rand.New(rand.NewPCG(1, 2)))

	d := New(Options{
		Source:   source,
		Router:   rt,
		Cooldown: cool,
		Journal:  jr,
		Client:   &http.Client{},
	})
	return &harness{dispatcher: d, cool: cool, store: store, journal: jr}
}

func chatUpstream(t *testing.T, status int, body string, hits *atomic.Int32, header http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		for k, vs := range header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dispatchChat(t *testing.T, h *harness) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ctx := gateway.ContextWithRequestID(context.Background(), "req-1")
	err := h.dispatcher.Dispatch(ctx, w, Request{
		Family: gateway.FamilyChat,
		Model:  "fast",
		Body:   []byte(chatRequest),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return w
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	alpha := chatUpstream(t, 200, chatResponse, &hits, nil)
	beta := chatUpstream(t, 200, chatResponse, nil, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := gjson.ParseBytes(w.Body.Bytes())
	if body.Get("choices.0.message.content").String() != "hello" {
		t.Fatalf("body = %s", w.Body.String())
	}
	// Same-family responses relay the upstream body verbatim.
	if body.Get("model").String() != "a-1" {
		t.Fatalf("model = %q", body.Get("model").String())
	}
	if hits.Load() != 1 {
		t.Fatalf("alpha hits = %d", hits.Load())
	}
}

func TestDispatchFailsOver(t *testing.T) {
	t.Parallel()
	var alphaHits, betaHits atomic.Int32
	alpha := chatUpstream(t, 500, `{"error":{"message":"boom"}}`, &alphaHits, nil)
	beta := chatUpstream(t, 200, chatResponse, &betaHits, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if alphaHits.Load() != 1 || betaHits.Load() != 1 {
		t.Fatalf("hits alpha=%d beta=%d", alphaHits.Load(), betaHits.Load())
	}
	// The failed target cooled down, scoped to the model.
	if !h.cool.IsDown(cooldown.Key{Provider: "alpha", Model: "a-1"}) {
		t.Fatal("alpha/a-1 should be cooling down")
	}
	if h.cool.IsDown(cooldown.Key{Provider: "beta", Model: "b-1"}) {
		t.Fatal("beta should not be cooling down")
	}
}

func TestDispatchFatalClientErrorStopsFailover(t *testing.T) {
	t.Parallel()
	var betaHits atomic.Int32
	alpha := chatUpstream(t, 400, `{"error":{"message":"messages must not be empty"}}`, nil, nil)
	beta := chatUpstream(t, 200, chatResponse, &betaHits, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != 400 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if betaHits.Load() != 0 {
		t.Fatal("client faults must not fail over")
	}
	body := gjson.ParseBytes(w.Body.Bytes())
	if !strings.Contains(body.Get("error.message").String(), "messages must not be empty") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestDispatchExhaustionReturns502(t *testing.T) {
	t.Parallel()
	alpha := chatUpstream(t, 500, `{"error":{"message":"boom"}}`, nil, nil)
	beta := chatUpstream(t, 503, `{"error":{"message":"overloaded"}}`, nil, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	msg := gjson.ParseBytes(w.Body.Bytes()).Get("error.message").String()
	if !strings.Contains(msg, "alpha/a-1") || !strings.Contains(msg, "beta/b-1") {
		t.Fatalf("summary should name every failed target: %s", msg)
	}
}

func TestDispatchAuthFailureDoesNotFailOver(t *testing.T) {
	t.Parallel()
	var betaHits atomic.Int32
	alpha := chatUpstream(t, 403, `{"error":{"message":"key sk-alpha revoked by org admin"}}`, nil, nil)
	beta := chatUpstream(t, 200, chatResponse, &betaHits, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if betaHits.Load() != 0 {
		t.Fatal("a credential fault must not be masked by another target")
	}
	// Detail is masked; the provider's message names the key.
	msg := gjson.ParseBytes(w.Body.Bytes()).Get("error.message").String()
	if strings.Contains(msg, "sk-alpha") {
		t.Fatalf("credential detail leaked: %q", msg)
	}
	if msg != "upstream authentication failed" {
		t.Fatalf("message = %q", msg)
	}
	// The provider still leaves rotation for later requests.
	if !h.cool.IsDown(cooldown.Key{Provider: "alpha"}) {
		t.Fatal("alpha should be cooling down provider-wide")
	}
}

func TestDispatchUpstream404DoesNotFailOver(t *testing.T) {
	t.Parallel()
	var betaHits atomic.Int32
	alpha := chatUpstream(t, 404, `{"error":{"message":"model a-1 was removed"}}`, nil, nil)
	beta := chatUpstream(t, 200, chatResponse, &betaHits, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if betaHits.Load() != 0 {
		t.Fatal("404 must surface, not fail over")
	}
	if !h.cool.IsDown(cooldown.Key{Provider: "alpha", Model: "a-1"}) {
		t.Fatal("the gone model should cool down")
	}
	if h.cool.IsDown(cooldown.Key{Provider: "alpha"}) {
		t.Fatal("cooldown must stay scoped to the model")
	}
}

func TestDispatchAllRateLimitedSurfaces429(t *testing.T) {
	t.Parallel()
	alpha := chatUpstream(t, 429, `{"error":{"message":"slow down"}}`, nil,
		http.Header{"Retry-After": []string{"90"}})
	beta := chatUpstream(t, 429, `{"error":{"message":"slow down"}}`, nil,
		http.Header{"Retry-After": []string{"45"}})
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	// The longest upstream Retry-After wins.
	if ra := w.Header().Get("Retry-After"); ra != "90" {
		t.Fatalf("Retry-After = %q, want 90", ra)
	}
}

func TestDispatchMixedExhaustionStays502(t *testing.T) {
	t.Parallel()
	alpha := chatUpstream(t, 429, `{"error":{"message":"slow down"}}`, nil, nil)
	beta := chatUpstream(t, 500, `{"error":{"message":"boom"}}`, nil, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestDispatchRateLimitCooldownUsesRetryAfter(t *testing.T) {
	t.Parallel()
	alpha := chatUpstream(t, 429, `{"error":{"message":"slow down"}}`, nil,
		http.Header{"Retry-After": []string{"120"}})
	beta := chatUpstream(t, 200, chatResponse, nil, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	// 429 cools the whole provider for the advertised duration.
	remaining := h.cool.Remaining(cooldown.Key{Provider: "alpha"})
	if remaining != 2*time.Minute {
		t.Fatalf("remaining = %v, want 2m", remaining)
	}
}

func TestDispatchUnknownModelFailsOver(t *testing.T) {
	t.Parallel()
	alpha := chatUpstream(t, 400, `{"error":{"message":"The model a-1 does not exist"}}`, nil, nil)
	beta := chatUpstream(t, 200, chatResponse, nil, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := dispatchChat(t, h)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !h.cool.IsDown(cooldown.Key{Provider: "alpha", Model: "a-1"}) {
		t.Fatal("missing model should cool the scoped target")
	}
}

func TestDispatchResolveErrorReturnsToCaller(t *testing.T) {
	t.Parallel()
	alpha := chatUpstream(t, 200, chatResponse, nil, nil)
	beta := chatUpstream(t, 200, chatResponse, nil, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	w := httptest.NewRecorder()
	err := h.dispatcher.Dispatch(context.Background(), w, Request{
		Family: gateway.FamilyChat,
		Model:  "nope",
		Body:   []byte(chatRequest),
	})
	if !errors.Is(err, gateway.ErrAliasNotFound) {
		t.Fatalf("err = %v", err)
	}
	if w.Body.Len() != 0 {
		t.Fatal("nothing should be written when Dispatch errors")
	}
}

func TestDispatchRecordsUsage(t *testing.T) {
	t.Parallel()
	alpha := chatUpstream(t, 200, chatResponse, nil, nil)
	beta := chatUpstream(t, 200, chatResponse, nil, nil)
	h := newHarness(t, alpha.URL, beta.URL)

	_ = dispatchChat(t, h)

	// Flush the journal queues into the store.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.journal.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if h.store.UsageCount() != 1 {
		t.Fatalf("usage records = %d, want 1", h.store.UsageCount())
	}
	rec := h.store.Usage[0]
	if rec.ProviderID != "alpha" || rec.UpstreamModel != "a-1" || !rec.OK {
		t.Fatalf("record = %+v", rec)
	}
	if rec.PromptTokens == nil || *rec.PromptTokens != 5 {
		t.Fatalf("prompt tokens = %v", rec.PromptTokens)
	}
	if rec.CompletionTokens == nil || *rec.CompletionTokens != 2 {
		t.Fatalf("completion tokens = %v", rec.CompletionTokens)
	}
}

func TestDispatchStreamTranslatesSameFamily(t *testing.T) {
	t.Parallel()
	frames := []string{
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"a-1","choices":[{"index":0,"delta":{"role":"assistant","content":"hel"}}]}`,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"a-1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`data: {"id":"chatcmpl-1","object":"chat.completion.chunk","model":"a-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`data: [DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n\n"))
		}
	}))
	t.Cleanup(srv.Close)
	beta := chatUpstream(t, 200, chatResponse, nil, nil)
	h := newHarness(t, srv.URL, beta.URL)

	w := httptest.NewRecorder()
	ctx := gateway.ContextWithRequestID(context.Background(), "req-1")
	err := h.dispatcher.Dispatch(ctx, w, Request{
		Family: gateway.FamilyChat,
		Model:  "fast",
		Body:   []byte(`{"model":"fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
		Stream: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	out := w.Body.String()
	if !strings.Contains(out, `"content":"hel"`) || !strings.Contains(out, "[DONE]") {
		t.Fatalf("stream = %q", out)
	}
}
