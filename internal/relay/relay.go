// Package relay returns upstream responses to the caller, either as one
// buffered JSON body or as a re-streamed server-sent event feed, and hands
// the final usage numbers to the accountant.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreason-ai/ai-gateway/internal/upstream"
)

// AccountFunc receives the usage captured from the response. It must be
// safe to call with nil.
type AccountFunc func(usage *upstream.Usage)

// Buffered writes the complete response body unmodified and schedules
// accounting out of band so it adds no latency to the response path. The
// caller is responsible for binding a detached context into account.
func Buffered(w http.ResponseWriter, resp *upstream.ChatCompletionResponse, account AccountFunc) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// Headers are committed; nothing to map. The client sees a
		// truncated body.
		_ = err
	}
	go account(resp.Usage)
}

// Stream relays upstream chunks as server-sent events. Usage is captured
// last-seen-wins (providers put it on the final chunk) and accounting runs
// in a deferred block on every exit path: normal exhaustion, mid-stream
// error, or client disconnect. A stream that breaks before the
// usage-bearing chunk arrives records nothing, since the true consumed
// count is unknown.
func Stream(w http.ResponseWriter, chunks <-chan upstream.StreamResult, account AccountFunc, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		account(nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var usage *upstream.Usage
	defer func() {
		account(usage)
	}()

	// An early exit must keep consuming the channel: the upstream reader
	// blocks on its unbuffered send and would otherwise hold the response
	// body and credential forever.
	drain := func() {
		for range chunks {
		}
	}

	for result := range chunks {
		if result.Err != nil {
			// Headers are committed; the client sees a truncated
			// stream and no [DONE] sentinel.
			logger.Warn("upstream stream error", slog.String("error", result.Err.Error()))
			drain()
			return
		}
		if result.Chunk.Usage != nil {
			usage = result.Chunk.Usage
		}

		data, err := json.Marshal(result.Chunk)
		if err != nil {
			logger.Error("failed to marshal chunk", slog.String("error", err.Error()))
			drain()
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}
