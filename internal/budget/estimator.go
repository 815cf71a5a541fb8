// Package budget implements cost estimation and budget admission control.
package budget

import (
	"encoding/json"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

// Estimator produces an estimated token cost for a message list. Estimates
// gate admission only; real usage comes from the provider response.
type Estimator interface {
	Estimate(model string, messages []upstream.Message) int
}

// HeuristicEstimator divides the serialized message length by four. It is
// deliberately approximate and model-independent: admission needs a cheap
// monotonic signal, not a tokenizer.
type HeuristicEstimator struct{}

func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

func (e *HeuristicEstimator) Estimate(_ string, messages []upstream.Message) int {
	content, err := json.Marshal(messages)
	if err != nil {
		return 0
	}
	return len(content) / 4
}

// TokenizerEstimator counts tokens with tiktoken for operators who want
// model-aware admission. Unknown models fall back to the o200k_base
// encoding.
type TokenizerEstimator struct {
	mu       sync.Mutex
	fallback tokenizer.Codec
}

func NewTokenizerEstimator() *TokenizerEstimator {
	return &TokenizerEstimator{}
}

const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPriming    = 3
)

func (e *TokenizerEstimator) Estimate(model string, messages []upstream.Message) int {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = e.fallbackCodec()
		if err != nil {
			// No codec available at all; degrade to the heuristic.
			return (&HeuristicEstimator{}).Estimate(model, messages)
		}
	}

	total := tokensPriming
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		if msg.Content != "" {
			ids, _, err := codec.Encode(msg.Content)
			if err != nil {
				continue
			}
			total += len(ids)
		}
		for _, tc := range msg.ToolCalls {
			ids, _, err := codec.Encode(tc.Function.Name + tc.Function.Arguments)
			if err != nil {
				continue
			}
			total += len(ids) + tokensPerMessage
		}
	}
	return total
}

func (e *TokenizerEstimator) fallbackCodec() (tokenizer.Codec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fallback != nil {
		return e.fallback, nil
	}
	codec, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return nil, err
	}
	e.fallback = codec
	return codec, nil
}

// ForMode returns the estimator configured by budget.estimator.
func ForMode(mode string) Estimator {
	if mode == "tokenizer" {
		return NewTokenizerEstimator()
	}
	return NewHeuristicEstimator()
}
