// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a remote model API (Azure OpenAI, OpenAI, Anthropic, Gemini,
// Perplexity) and exposes a uniform request/response shape so that the
// assistant can invoke any of them with the same query, photo and location
// context without coupling to a specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"encoding/base64"
)

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Image is an inline image attached to a user message. The wearable camera
// delivers JPEG frames, so MIMEType is usually "image/jpeg".
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL renders the image as an RFC 2397 data URL, the form accepted by
// OpenAI-compatible vision endpoints.
func (i Image) DataURL() string {
	mime := i.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Message is a single entry in a conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// Images are attached to user messages only. Providers without vision
	// support drop them.
	Images []Image

	// ToolCalls holds the tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the tool's input object.
	Parameters map[string]any
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is prepended as a system message by providers that have no
	// dedicated system field.
	SystemPrompt string

	Messages []Message
	Tools    []ToolDefinition

	// Temperature in [0, 2]. Zero means provider default.
	Temperature float64

	// MaxTokens caps generated tokens. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the full reply of a non-streaming completion.
type CompletionResponse struct {
	// Content is empty when the model answered only with tool calls.
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsVision      bool
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// It returns promptly with ctx.Err() when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
