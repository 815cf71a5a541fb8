// Package dispatch executes upstream completion calls under the gateway's
// bounded retry policy.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coreason-ai/ai-gateway/internal/config"
	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

// CompletionClient is the upstream surface the dispatcher drives. The
// credential is already bound into the client.
type CompletionClient interface {
	CreateChatCompletion(ctx context.Context, req *upstream.ChatCompletionRequest) (*upstream.ChatCompletionResponse, error)
	StreamChatCompletion(ctx context.Context, req *upstream.ChatCompletionRequest) (<-chan upstream.StreamResult, error)
}

// RetryObserver counts retry waits, typically a metrics collector.
type RetryObserver interface {
	IncUpstreamRetry()
}

// Dispatcher retries transient upstream failures (rate limit, connection,
// server) with exponential backoff, stopping at either a maximum attempt
// count or a maximum cumulative elapsed time. Permanent failures propagate
// immediately, and on exhaustion the last observed error is returned
// unchanged so the boundary sees the true upstream error.
type Dispatcher struct {
	retry    config.RetryConfig
	logger   *slog.Logger
	observer RetryObserver
}

func New(retry config.RetryConfig, logger *slog.Logger, observer RetryObserver) *Dispatcher {
	return &Dispatcher{retry: retry, logger: logger, observer: observer}
}

// Completion runs a buffered completion call under the retry policy.
func (d *Dispatcher) Completion(ctx context.Context, client CompletionClient, req *upstream.ChatCompletionRequest) (*upstream.ChatCompletionResponse, error) {
	return retryCall(ctx, d, func() (*upstream.ChatCompletionResponse, error) {
		return client.CreateChatCompletion(ctx, req)
	})
}

// Stream opens a streaming completion under the retry policy. Only stream
// establishment is retried; once chunks are flowing, failures surface on
// the chunk channel and are never retried.
func (d *Dispatcher) Stream(ctx context.Context, client CompletionClient, req *upstream.ChatCompletionRequest) (<-chan upstream.StreamResult, error) {
	return retryCall(ctx, d, func() (<-chan upstream.StreamResult, error) {
		return client.StreamChatCompletion(ctx, req)
	})
}

func retryCall[T any](ctx context.Context, d *Dispatcher, op func() (T, error)) (T, error) {
	classified := func() (T, error) {
		res, err := op()
		if err == nil {
			return res, nil
		}
		var ue *upstream.Error
		if errors.As(err, &ue) && ue.Retryable() {
			return res, err
		}
		return res, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retry.WaitMinDuration()
	b.MaxInterval = d.retry.WaitMaxDuration()
	if d.retry.Multiplier > 0 {
		b.Multiplier = d.retry.Multiplier
	}

	return backoff.Retry(ctx, classified,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.retry.StopAfterAttempt)),
		backoff.WithMaxElapsedTime(d.retry.MaxElapsed()),
		backoff.WithNotify(d.onRetry),
	)
}

func (d *Dispatcher) onRetry(err error, wait time.Duration) {
	if d.observer != nil {
		d.observer.IncUpstreamRetry()
	}
	d.logger.Warn("retrying upstream call",
		slog.String("error", err.Error()),
		slog.Duration("wait", wait),
	)
}
