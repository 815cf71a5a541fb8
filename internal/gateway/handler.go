// Package gateway wires the request-lifecycle pipeline: auth context →
// budget admission → provider resolution → JIT credential → retrying
// dispatch → response relay → asynchronous accounting.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreason-ai/ai-gateway/internal/accounting"
	"github.com/coreason-ai/ai-gateway/internal/budget"
	"github.com/coreason-ai/ai-gateway/internal/dispatch"
	"github.com/coreason-ai/ai-gateway/internal/identity"
	"github.com/coreason-ai/ai-gateway/internal/relay"
	"github.com/coreason-ai/ai-gateway/internal/routing"
	"github.com/coreason-ai/ai-gateway/internal/secrets"
	"github.com/coreason-ai/ai-gateway/internal/server"
	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

// TraceIDHeader is the optional trace-correlation header. It is propagated
// into logs only, never upstream.
const TraceIDHeader = "X-Coreason-Trace-Id"

// ClientFactory builds an upstream client bound to a just-fetched
// credential. Injected so tests can point the pipeline at a fake upstream.
type ClientFactory func(apiKey string) dispatch.CompletionClient

// AdmissionObserver counts admission rejections.
type AdmissionObserver interface {
	IncAdmissionReject()
}

// Handler serves the chat-completions pipeline.
type Handler struct {
	estimator  budget.Estimator
	admission  *budget.Controller
	broker     secrets.Broker
	dispatcher *dispatch.Dispatcher
	clients    ClientFactory
	accountant *accounting.Accountant
	observer   AdmissionObserver
	logger     *slog.Logger
}

func NewHandler(
	estimator budget.Estimator,
	admission *budget.Controller,
	broker secrets.Broker,
	dispatcher *dispatch.Dispatcher,
	clients ClientFactory,
	accountant *accounting.Accountant,
	observer AdmissionObserver,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		estimator:  estimator,
		admission:  admission,
		broker:     broker,
		dispatcher: dispatcher,
		clients:    clients,
		accountant: accountant,
		observer:   observer,
		logger:     logger,
	}
}

// Health is the unauthenticated liveness probe.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ChatCompletions proxies one completion request through the pipeline.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := identity.FromContext(ctx)
	if !ok {
		// The auth gate always attaches an identity; reaching here is a
		// wiring bug, not an auth failure.
		server.WriteDetail(w, http.StatusInternalServerError, "User Context Missing")
		return
	}
	if !id.Can(identity.PermissionGateway) {
		server.WriteDetail(w, http.StatusForbidden, "Insufficient Permissions")
		return
	}

	traceID := r.Header.Get(TraceIDHeader)
	server.AddLogField(ctx, "trace_id", traceID)

	if r.Header.Get(server.ProjectIDHeader) == "" {
		server.WriteDetail(w, http.StatusUnprocessableEntity, "Missing "+server.ProjectIDHeader+" header")
		return
	}

	var req upstream.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.AddError(ctx, err)
		server.WriteDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if req.Model == "" {
		server.WriteDetail(w, http.StatusUnprocessableEntity, "Field required: model")
		return
	}

	// 1. Budget admission (fail fast, before any costly work)
	estimated := h.estimator.Estimate(req.Model, req.Messages)
	if err := h.admission.Check(ctx, id, estimated); err != nil {
		if h.observer != nil {
			h.observer.IncAdmissionReject()
		}
		server.AddError(ctx, err)
		server.WriteDetail(w, http.StatusPaymentRequired,
			fmt.Sprintf("Budget exceeded for Project ID %s", id.Project))
		return
	}

	// 2. Provider resolution
	providerPath, err := routing.ResolveProviderPath(req.Model)
	if err != nil {
		server.AddError(ctx, err)
		server.WriteDetail(w, http.StatusBadRequest, "Unsupported model architecture")
		return
	}

	// 3. JIT credential
	apiKey, err := h.broker.APIKey(ctx, providerPath)
	if err != nil {
		server.AddError(ctx, err)
		server.WriteDetail(w, http.StatusServiceUnavailable, "Security subsystem unavailable")
		return
	}

	// The credential lives only inside this client, which goes out of
	// scope when the request (or stream) ends.
	client := h.clients(apiKey)

	// Accounting runs after the response path has committed; detach it
	// from request cancellation so a client disconnect cannot void it.
	account := func(usage *upstream.Usage) {
		h.accountant.Record(context.WithoutCancel(ctx), id, req.Model, usage, traceID)
	}

	// 4. Upstream dispatch + 5. relay
	if req.Stream {
		chunks, err := h.dispatcher.Stream(ctx, client, &req)
		if err != nil {
			h.writeUpstreamError(ctx, w, err)
			return
		}
		relay.Stream(w, chunks, account, h.logger)
		return
	}

	resp, err := h.dispatcher.Completion(ctx, client, &req)
	if err != nil {
		h.writeUpstreamError(ctx, w, err)
		return
	}
	relay.Buffered(w, resp, account)
}
