// Package llm defines the provider-agnostic interface for language model
// completions, with Anthropic and OpenAI implementations and retry middleware.
package llm

import (
	"context"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem is an instruction message extracted to the provider's system slot.
	RoleSystem Role = "system"
	// RoleUser is a message from the human user.
	RoleUser Role = "user"
	// RoleAssistant is a message from the model.
	RoleAssistant Role = "assistant"
)

// Message is one entry in a completion request conversation.
type Message struct {
	Role    Role
	Content string
}

// Request describes one completion call.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one completion, used for budget accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the result of a completion call.
type Response struct {
	Content string
	Usage   Usage
}

// Client is the minimal interface every provider implementation satisfies.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	ModelName() string
}

// NewRequest creates a request with default limits.
func NewRequest(messages ...Message) Request {
	return Request{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: 0.7,
	}
}

// SystemMessage creates a new system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a new user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates a new assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
