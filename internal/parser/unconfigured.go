package parser

import (
	"context"
	"errors"
)

// Unconfigured is the Parser used when no API key is configured. Every call
// fails, so jobs still land in storage as failed-status signals with a clear
// cause instead of silently vanishing.
type Unconfigured struct{}

func (Unconfigured) Parse(context.Context, string) (map[string]any, error) {
	return nil, errors.New("openai api key is not configured")
}
