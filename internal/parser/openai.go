package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"signalpipe/pkg/logx"
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You are an assistant that extracts structured trading data from Telegram signals.
Read the user message and respond strictly in JSON following the provided schema.

Guidelines:
- Preserve the asset naming in uppercase without extra characters. If multiple assets are mentioned, pick the primary one.
- Interpret BUY/LONG as BUY and SELL/SHORT as SELL. If direction cannot be inferred, set action to HOLD.
- Entry should be the numeric price if present; otherwise respond with the literal string MARKET.
- Take profit must be an array of strings in ascending order. Use an empty array when no targets are present.
- Stop loss must always have a value; use the literal string NA if not provided.
- Include timeframe information when explicitly present; otherwise respond with NA.
- Trim textual noise and never invent data absent from the signal.`

// signalSchema constrains the model output to the TradingSignal shape.
var signalSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"symbol": map[string]any{
			"type":        "string",
			"description": "Currency pair or asset ticker in uppercase, e.g., EURUSD.",
		},
		"action": map[string]any{
			"type":        "string",
			"enum":        []string{"BUY", "SELL", "HOLD", "NONE"},
			"description": "Trading direction inferred from the signal. Use HOLD when direction is neutral or missing.",
		},
		"entry": map[string]any{
			"type":        "string",
			"description": "Price level for entry. Use the literal MARKET if signal requests market order.",
		},
		"take_profit": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Ordered list of take profit targets. Use an empty array if the signal has no targets.",
		},
		"stop_loss": map[string]any{
			"type":        "string",
			"description": "Stop loss price. Use NA when not provided.",
		},
		"timeframe": map[string]any{
			"type":        "string",
			"description": "Optional timeframe or schedule mentioned in the signal. Use NA if absent.",
		},
		"notes": map[string]any{
			"type":        "string",
			"description": "Additional remarks or context that should accompany the signal. Use NA if none.",
		},
	},
	"required":             []string{"symbol", "action", "entry", "take_profit", "stop_loss"},
	"additionalProperties": false,
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string        // optional, for OpenAI-compatible endpoints
	Timeout time.Duration // outer bound per call; 0 means 30s
}

// OpenAIParser implements Parser with chat completions constrained by a JSON
// schema response format.
type OpenAIParser struct {
	client  openai.Client
	model   string
	timeout time.Duration
	log     logx.Logger
}

func NewOpenAI(cfg OpenAIConfig, log logx.Logger) (*OpenAIParser, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIParser{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
		log:     log,
	}, nil
}

func (p *OpenAIParser) Parse(ctx context.Context, text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("cannot parse empty signal message")
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0.2),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "TradingSignal",
					Schema: signalSchema,
					Strict: openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}

	return decodePayload(resp.Choices[0].Message.Content)
}

func decodePayload(content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("empty payload returned by openai")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON returned by openai: %w", err)
	}
	return payload, nil
}
