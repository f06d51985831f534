package parser

import (
	"context"
	"testing"
	"time"

	"signalpipe/pkg/logx"
)

func TestDecodePayload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		wantErr bool
		symbol  string
	}{
		{name: "valid", content: `{"symbol":"EURUSD","action":"BUY"}`, symbol: "EURUSD"},
		{name: "padded", content: "  {\"symbol\":\"GOLD\"}\n", symbol: "GOLD"},
		{name: "empty", content: "   ", wantErr: true},
		{name: "not json", content: "BUY EURUSD", wantErr: true},
		{name: "json but not object", content: `["a","b"]`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodePayload(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if got["symbol"] != tt.symbol {
				t.Fatalf("symbol = %v, want %q", got["symbol"], tt.symbol)
			}
		})
	}
}

func TestNewOpenAIValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewOpenAI(OpenAIConfig{APIKey: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty api key")
	}

	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"}, logx.Logger{})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if p.model != defaultModel {
		t.Fatalf("model = %q, want default %q", p.model, defaultModel)
	}
	if p.timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", p.timeout)
	}
}

func TestParseRejectsEmptyText(t *testing.T) {
	t.Parallel()
	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if _, err := p.Parse(context.Background(), "   \n\t"); err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestUnconfiguredAlwaysFails(t *testing.T) {
	t.Parallel()
	var p Parser = Unconfigured{}
	if _, err := p.Parse(context.Background(), "BUY EURUSD"); err == nil {
		t.Fatal("expected error from unconfigured parser")
	}
}
