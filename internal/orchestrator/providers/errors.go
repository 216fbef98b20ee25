package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/clara-ai/clara/internal/orchestrator"
)

// send delivers a chunk unless the request is cancelled. The consumer
// may stop reading mid-stream (cancel, early return); a false result
// tells the producer to bail out instead of blocking forever.
func send(ctx context.Context, chunks chan<- *orchestrator.Chunk, c *orchestrator.Chunk) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// isRetryable classifies provider errors worth retrying: throttling,
// server-side failures, and network flakiness. Context cancellation is
// never retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())

	// Throttling.
	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}

	// Server-side failures.
	for _, marker := range []string{
		"500", "502", "503", "504",
		"internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	// Network flakiness.
	for _, marker := range []string{
		"timeout", "connection reset", "connection refused",
		"no such host", "broken pipe", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
