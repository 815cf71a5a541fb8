// Package accounting debits budgets after upstream calls complete. It runs
// off the response path: failures here are logged with full context and
// swallowed, never surfaced to the client.
package accounting

import (
	"context"
	"log/slog"

	"github.com/coreason-ai/ai-gateway/internal/identity"
	"github.com/coreason-ai/ai-gateway/internal/ledger"
	"github.com/coreason-ai/ai-gateway/internal/storage/sqldb"
	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

// Auditor is the optional SQL audit trail.
type Auditor interface {
	Insert(ctx context.Context, rec sqldb.UsageRecord) error
}

// TokenObserver records accounted tokens, typically the metrics collector.
type TokenObserver interface {
	AddTokens(prompt, completion, total int)
}

// Accountant commits usage records against the budget ledger.
type Accountant struct {
	store    ledger.Store
	auditor  Auditor
	observer TokenObserver
	logger   *slog.Logger
}

func New(store ledger.Store, auditor Auditor, observer TokenObserver, logger *slog.Logger) *Accountant {
	return &Accountant{store: store, auditor: auditor, observer: observer, logger: logger}
}

// Record debits the identity's remaining budget and credits its cumulative
// usage by the reported total. Absent usage or a total of zero or less is a
// no-op: partial streams with unknown consumption must not be charged.
func (a *Accountant) Record(ctx context.Context, id identity.Identity, model string, usage *upstream.Usage, traceID string) {
	logger := a.logger
	if traceID != "" {
		logger = logger.With(slog.String("trace_id", traceID))
	}

	if usage == nil {
		logger.Warn("no usage data provided", slog.String("identity", id.Sub))
		return
	}
	total := usage.TotalTokens
	if total <= 0 {
		return
	}

	logger.Info("recording usage",
		slog.String("identity", id.Sub),
		slog.Int("total_tokens", total),
	)

	if err := a.store.Commit(ctx, id.Sub, int64(total)); err != nil {
		logger.Error("failed to record usage",
			slog.String("identity", id.Sub),
			slog.Int("total_tokens", total),
			slog.String("error", err.Error()),
		)
		return
	}

	if a.observer != nil {
		a.observer.AddTokens(usage.PromptTokens, usage.CompletionTokens, total)
	}

	if a.auditor != nil {
		rec := sqldb.UsageRecord{
			Identity:         id.Sub,
			Model:            model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      total,
			TraceID:          traceID,
		}
		if err := a.auditor.Insert(ctx, rec); err != nil {
			logger.Error("failed to audit usage",
				slog.String("identity", id.Sub),
				slog.String("error", err.Error()),
			)
		}
	}
}
