package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreason-ai/ai-gateway/internal/accounting"
	"github.com/coreason-ai/ai-gateway/internal/budget"
	"github.com/coreason-ai/ai-gateway/internal/config"
	"github.com/coreason-ai/ai-gateway/internal/dispatch"
	"github.com/coreason-ai/ai-gateway/internal/identity"
	"github.com/coreason-ai/ai-gateway/internal/server"
	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

const testAccessToken = "gateway-token"

// fakeLedger backs both admission reads and accounting commits.
type fakeLedger struct {
	mu        sync.Mutex
	remaining string
	found     bool
	readErr   error
	commits   chan int64
}

func newFakeLedger(remaining string) *fakeLedger {
	return &fakeLedger{remaining: remaining, found: true, commits: make(chan int64, 8)}
}

func (f *fakeLedger) Remaining(_ context.Context, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining, f.found, f.readErr
}

func (f *fakeLedger) Commit(_ context.Context, _ string, tokens int64) error {
	f.commits <- tokens
	return nil
}

func (f *fakeLedger) waitCommit(t *testing.T) int64 {
	t.Helper()
	select {
	case n := <-f.commits:
		return n
	case <-time.After(time.Second):
		t.Fatal("no commit arrived")
		return 0
	}
}

func (f *fakeLedger) expectNoCommit(t *testing.T) {
	t.Helper()
	select {
	case n := <-f.commits:
		t.Fatalf("unexpected commit of %d", n)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeBroker struct {
	key     string
	err     error
	lastGot string
}

func (f *fakeBroker) APIKey(_ context.Context, providerPath string) (string, error) {
	f.lastGot = providerPath
	return f.key, f.err
}

// fakeUpstream is scripted per test; the factory records the injected key.
type fakeUpstream struct {
	resp   *upstream.ChatCompletionResponse
	err    error
	chunks []upstream.StreamResult
}

func (f *fakeUpstream) CreateChatCompletion(_ context.Context, _ *upstream.ChatCompletionRequest) (*upstream.ChatCompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeUpstream) StreamChatCompletion(_ context.Context, _ *upstream.ChatCompletionRequest) (<-chan upstream.StreamResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan upstream.StreamResult, len(f.chunks))
	for _, r := range f.chunks {
		ch <- r
	}
	close(ch)
	return ch, nil
}

type admissionCounter struct {
	rejects int
}

func (a *admissionCounter) IncAdmissionReject() { a.rejects++ }

type pipeline struct {
	ledger  *fakeLedger
	broker  *fakeBroker
	client  *fakeUpstream
	rejects *admissionCounter
	gotKey  string
	raw     *Handler
	handler http.Handler
}

func newPipeline(t *testing.T, remaining string, client *fakeUpstream) *pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := &pipeline{
		ledger:  newFakeLedger(remaining),
		broker:  &fakeBroker{key: "sk-jit"},
		client:  client,
		rejects: &admissionCounter{},
	}

	retry := config.RetryConfig{StopAfterAttempt: 2, StopAfterDelay: 5, Multiplier: 2}
	h := NewHandler(
		budget.NewHeuristicEstimator(),
		budget.NewController(p.ledger, logger),
		p.broker,
		dispatch.New(retry, logger, nil),
		func(apiKey string) dispatch.CompletionClient {
			p.gotKey = apiKey
			return p.client
		},
		accounting.New(p.ledger, nil, nil, logger),
		p.rejects,
		logger,
	)
	p.raw = h
	p.handler = server.AuthGateMiddleware(testAccessToken)(http.HandlerFunc(h.ChatCompletions))
	return p
}

func completionBody(t *testing.T, model string, stream bool) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(upstream.ChatCompletionRequest{
		Model:    model,
		Messages: []upstream.Message{{Role: "user", Content: "Hello"}},
		Stream:   stream,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return bytes.NewReader(body)
}

func doRequest(p *pipeline, body io.Reader, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer "+testAccessToken)
	req.Header.Set(server.ProjectIDHeader, "acme")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	p.handler.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body["detail"]
}

func TestChatCompletionsHappyPath(t *testing.T) {
	client := &fakeUpstream{resp: &upstream.ChatCompletionResponse{
		ID:    "cmpl-1",
		Model: "gpt-4o",
		Usage: &upstream.Usage{PromptTokens: 9, CompletionTokens: 12, TotalTokens: 21},
	}}
	p := newPipeline(t, "100000", client)

	rec := doRequest(p, completionBody(t, "gpt-4o", false))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"cmpl-1"`) {
		t.Errorf("response body not relayed: %s", rec.Body.String())
	}
	if p.gotKey != "sk-jit" {
		t.Errorf("upstream client got key %q, want the brokered one", p.gotKey)
	}
	if p.broker.lastGot != "infrastructure/openai" {
		t.Errorf("broker asked for %q, want infrastructure/openai", p.broker.lastGot)
	}
	if n := p.ledger.waitCommit(t); n != 21 {
		t.Errorf("committed %d tokens, want 21", n)
	}
}

func TestChatCompletionsBudgetExceeded(t *testing.T) {
	p := newPipeline(t, "1", &fakeUpstream{})

	rec := doRequest(p, completionBody(t, "gpt-4o", false))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if got := detail(t, rec); got != "Budget exceeded for Project ID acme" {
		t.Errorf("detail = %q", got)
	}
	if p.rejects.rejects != 1 {
		t.Errorf("admission rejects = %d, want 1", p.rejects.rejects)
	}
	if p.broker.lastGot != "" {
		t.Error("credential fetched for a rejected request")
	}
	p.ledger.expectNoCommit(t)
}

func TestChatCompletionsMissingBudgetCounter(t *testing.T) {
	p := newPipeline(t, "100000", &fakeUpstream{})
	p.ledger.found = false

	rec := doRequest(p, completionBody(t, "gpt-4o", false))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 for absent counter", rec.Code)
	}
}

func TestChatCompletionsLedgerReadFailureRejects(t *testing.T) {
	p := newPipeline(t, "100000", &fakeUpstream{})
	p.ledger.readErr = errors.New("connection refused")

	rec := doRequest(p, completionBody(t, "gpt-4o", false))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 when the ledger is unreadable", rec.Code)
	}
}

func TestChatCompletionsUnsupportedModel(t *testing.T) {
	p := newPipeline(t, "100000", &fakeUpstream{})

	rec := doRequest(p, completionBody(t, "llama-3-70b", false))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := detail(t, rec); got != "Unsupported model architecture" {
		t.Errorf("detail = %q", got)
	}
}

func TestChatCompletionsVaultUnavailable(t *testing.T) {
	p := newPipeline(t, "100000", &fakeUpstream{})
	p.broker.err = errors.New("sealed")

	rec := doRequest(p, completionBody(t, "gpt-4o", false))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := detail(t, rec); got != "Security subsystem unavailable" {
		t.Errorf("detail = %q", got)
	}
	if strings.Contains(rec.Body.String(), "sealed") {
		t.Error("internal vault error leaked to the client")
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		mutate []func(*http.Request)
		detail string
	}{
		{
			name:   "missing project header",
			body:   `{"model":"gpt-4o","messages":[]}`,
			mutate: []func(*http.Request){func(r *http.Request) { r.Header.Del(server.ProjectIDHeader) }},
			detail: "Missing " + server.ProjectIDHeader + " header",
		},
		{
			name:   "malformed body",
			body:   `{not json`,
			detail: "Invalid request body",
		},
		{
			name:   "missing model",
			body:   `{"messages":[{"role":"user","content":"hi"}]}`,
			detail: "Field required: model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, "100000", &fakeUpstream{})
			rec := doRequest(p, strings.NewReader(tt.body), tt.mutate...)

			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", rec.Code)
			}
			if got := detail(t, rec); got != tt.detail {
				t.Errorf("detail = %q, want %q", got, tt.detail)
			}
		})
	}
}

func TestChatCompletionsUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    *upstream.Error
		status int
		detail string
	}{
		{
			name:   "bad request carries the provider message",
			err:    &upstream.Error{Kind: upstream.KindBadRequest, Status: 400, Message: "invalid max_tokens"},
			status: http.StatusBadRequest,
			detail: "Upstream provider rejected request: invalid max_tokens",
		},
		{
			name:   "upstream auth failure is the gateway's fault",
			err:    &upstream.Error{Kind: upstream.KindAuth, Status: 401, Message: "bad key"},
			status: http.StatusBadGateway,
			detail: "Upstream authentication failed",
		},
		{
			name:   "rate limit passes through as 429",
			err:    &upstream.Error{Kind: upstream.KindRateLimit, Status: 429, Message: "slow down"},
			status: http.StatusTooManyRequests,
			detail: "Upstream provider rate limit exceeded",
		},
		{
			name:   "server error",
			err:    &upstream.Error{Kind: upstream.KindServer, Status: 503, Message: "overloaded"},
			status: http.StatusBadGateway,
			detail: "Upstream provider error: overloaded",
		},
		{
			name:   "connection failure",
			err:    &upstream.Error{Kind: upstream.KindConnection, Message: "dial tcp: refused"},
			status: http.StatusBadGateway,
			detail: "Upstream provider error: dial tcp: refused",
		},
		{
			name:   "unclassified maps to 502",
			err:    &upstream.Error{Kind: upstream.KindUnclassified, Message: "garbled body"},
			status: http.StatusBadGateway,
			detail: "Upstream provider returned an unusable response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, "100000", &fakeUpstream{err: tt.err})
			rec := doRequest(p, completionBody(t, "gpt-4o", false))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := detail(t, rec); got != tt.detail {
				t.Errorf("detail = %q, want %q", got, tt.detail)
			}
			p.ledger.expectNoCommit(t)
		})
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	client := &fakeUpstream{chunks: []upstream.StreamResult{
		{Chunk: &upstream.ChatCompletionChunk{ID: "chunk-1"}},
		{Chunk: &upstream.ChatCompletionChunk{
			ID:    "chunk-2",
			Usage: &upstream.Usage{PromptTokens: 9, CompletionTokens: 12, TotalTokens: 21},
		}},
	}}
	p := newPipeline(t, "100000", client)

	rec := doRequest(p, completionBody(t, "claude-3-opus-20240229", true))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if p.broker.lastGot != "infrastructure/anthropic" {
		t.Errorf("broker asked for %q, want infrastructure/anthropic", p.broker.lastGot)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"chunk-1"`) || !strings.Contains(body, `"chunk-2"`) {
		t.Errorf("chunks not relayed: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream did not end with the DONE sentinel: %q", body)
	}
	if n := p.ledger.waitCommit(t); n != 21 {
		t.Errorf("committed %d tokens, want 21", n)
	}
}

func TestChatCompletionsBrokenStreamSkipsAccounting(t *testing.T) {
	client := &fakeUpstream{chunks: []upstream.StreamResult{
		{Chunk: &upstream.ChatCompletionChunk{ID: "chunk-1"}},
		{Err: &upstream.Error{Kind: upstream.KindConnection, Message: "reset"}},
	}}
	p := newPipeline(t, "100000", client)

	rec := doRequest(p, completionBody(t, "gpt-4o", true))

	if strings.Contains(rec.Body.String(), "[DONE]") {
		t.Error("broken stream emitted the DONE sentinel")
	}
	// Consumption is unknown; nothing may be charged.
	p.ledger.expectNoCommit(t)
}

func TestChatCompletionsStreamEstablishmentFailure(t *testing.T) {
	p := newPipeline(t, "100000", &fakeUpstream{
		err: &upstream.Error{Kind: upstream.KindRateLimit, Status: 429, Message: "slow down"},
	})

	rec := doRequest(p, completionBody(t, "gpt-4o", true))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	p.ledger.expectNoCommit(t)
}

func TestChatCompletionsRequiresGatewayPermission(t *testing.T) {
	p := newPipeline(t, "100000", &fakeUpstream{})

	// Bypass the auth gate with an identity that carries no permissions.
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-4o", false))
	req.Header.Set(server.ProjectIDHeader, "acme")
	stripped := identity.Identity{Sub: "abc123", Project: "acme"}
	req = req.WithContext(identity.NewContext(req.Context(), stripped))
	rec := httptest.NewRecorder()

	p.raw.ChatCompletions(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := detail(t, rec); got != "Insufficient Permissions" {
		t.Errorf("detail = %q", got)
	}
	p.ledger.expectNoCommit(t)
}

func TestHealth(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}
