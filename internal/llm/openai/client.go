package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"cortexmem/internal/config"
	"cortexmem/internal/llm"
	"cortexmem/internal/observability"
)

// Client adapts the OpenAI (and OpenAI-compatible: groq, mistral, self-hosted)
// Chat Completions API to llm.Provider. Only the single-shot text chat path
// is implemented: no tool calling, streaming, image generation, or Responses
// API support, since no component in this domain exercises them.
type Client struct {
	sdk         sdk.Client
	model       string
	extra       map[string]any
	logPayloads bool
}

func New(c config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	opts = append(opts, option.WithHTTPClient(httpClient))

	return &Client{
		sdk:         sdk.NewClient(opts...),
		model:       c.Model,
		extra:       c.ExtraParams,
		logPayloads: c.LogPayloads,
	}
}

// Chat implements llm.Provider.Chat using OpenAI Chat Completions.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, model string) (llm.Message, error) {
	effectiveModel := firstNonEmpty(model, c.model)

	log := observability.LoggerWithTrace(ctx)
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(effectiveModel),
		Messages: AdaptMessages(msgs),
	}
	if len(c.extra) > 0 {
		params.SetExtraFields(c.extra)
	}

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", string(params.Model), 0, len(msgs))
	defer span.End()
	llm.LogRedactedPrompt(ctx, msgs)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("chat_completion_error")
		span.RecordError(err)
		return llm.Message{}, err
	}

	fields := log.With().
		Str("model", string(params.Model)).
		Dur("duration", dur).
		Int("messages", len(msgs)).
		Int("prompt_tokens", int(comp.Usage.PromptTokens)).
		Int("completion_tokens", int(comp.Usage.CompletionTokens)).
		Int("total_tokens", int(comp.Usage.TotalTokens)).
		Logger()
	if c.logPayloads && len(c.extra) > 0 {
		if b, err := json.Marshal(c.extra); err == nil {
			fields = fields.With().RawJSON("extra", observability.RedactJSON(b)).Logger()
		}
	}
	fields.Debug().Msg("chat_completion_ok")

	llm.LogRedactedResponse(ctx, comp.Choices)
	llm.RecordTokenAttributes(span, int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens), int(comp.Usage.TotalTokens))
	llm.RecordTokenMetrics(string(params.Model), int(comp.Usage.PromptTokens), int(comp.Usage.CompletionTokens))

	if len(comp.Choices) == 0 {
		return llm.Message{}, nil
	}
	return llm.Message{Role: "assistant", Content: comp.Choices[0].Message.Content}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
