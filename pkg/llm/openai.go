package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIClient wraps the official OpenAI Go client to implement the Client
// interface via the Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI client for the given model.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelName returns the configured model name.
func (o *OpenAIClient) ModelName() string {
	return o.model
}

// Complete implements the Client interface.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	// The Responses API takes a single input string; fold the conversation
	// into labeled sections.
	var input string
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case RoleSystem:
			input += fmt.Sprintf("System: %s\n\n", msg.Content)
		case RoleAssistant:
			input += fmt.Sprintf("Assistant: %s\n\n", msg.Content)
		case RoleUser:
			input += msg.Content + "\n\n"
		}
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(req.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai responses API failed: %w", err)
	}
	if resp == nil {
		return Response{}, fmt.Errorf("empty response from openai responses API")
	}

	content := resp.OutputText()
	if content == "" {
		return Response{}, fmt.Errorf("empty response from openai responses API")
	}

	return Response{
		Content: content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
