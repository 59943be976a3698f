// Package backend defines the language-model capability cells call into.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBackend marks any failure of the language-model call.
var ErrBackend = errors.New("backend error")

// #region types
// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Backend turns an ordered message list into completion text.
type Backend interface {
	Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (string, error)
}

// Func adapts a plain function to Backend.
type Func func(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (string, error) {
	return f(ctx, msgs, temperature, maxTokens)
}

// #endregion types

// #region stub
// StubText is the canned response used when no backend is configured or the
// backend call failed.
func StubText(cellID, input string) string {
	return fmt.Sprintf("STUB(%s): %s", cellID, input)
}

// #endregion stub

// #region timeout
type timeoutBackend struct {
	next Backend
	d    time.Duration
}

// WithTimeout bounds every call to next by d. The bound holds even when next
// ignores context cancellation; its late result is discarded.
func WithTimeout(next Backend, d time.Duration) Backend {
	if next == nil || d <= 0 {
		return next
	}
	return &timeoutBackend{next: next, d: d}
}

type completion struct {
	text string
	err  error
}

func (t *timeoutBackend) Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	done := make(chan completion, 1)
	go func() {
		text, err := t.next.Complete(ctx, msgs, temperature, maxTokens)
		done <- completion{text: text, err: err}
	}()

	select {
	case c := <-done:
		if c.err != nil && !errors.Is(c.err, ErrBackend) {
			return "", fmt.Errorf("%w: %w", ErrBackend, c.err)
		}
		return c.text, c.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: timed out after %s: %w", ErrBackend, t.d, ctx.Err())
	}
}

// #endregion timeout
