package llm

import (
	"context"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const defaultOpenAIModel = "gpt-3.5-turbo"

type openAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator builds a chat-completion backend. Extra options are
// appended after the key and base URL.
func NewOpenAIGenerator(apiKey, baseURL, model string, opts ...option.RequestOption) (Generator, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	clientOpts = append(clientOpts, opts...)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &openAIGenerator{client: openai.NewClient(clientOpts...), model: model}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	start := time.Now()
	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return err
	}
	if len(completion.Choices) == 0 {
		return ErrEmptyCompletion
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          completion.Choices[0].Message.Content,
		Partial:          false,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
