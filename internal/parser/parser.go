// Package parser turns raw channel text into a structured trading-signal
// payload. The only production implementation calls OpenAI; tests substitute
// fakes behind the Parser interface.
package parser

import "context"

// Parser is the inference boundary.
//
// Parse returns the structured payload for the given raw text, or an error.
// Callers own the failure policy; the worker pool converts every parse error
// into a persisted failed-status signal and never retries.
type Parser interface {
	Parse(ctx context.Context, text string) (map[string]any, error)
}
