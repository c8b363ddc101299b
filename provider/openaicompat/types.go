// Package openaicompat implements breezerun.LanguageModel for any
// OpenAI-compatible chat completions API (OpenAI, OpenRouter, Groq, Together,
// DeepSeek, Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, ...).
package openaicompat

import "encoding/json"

// --- Request types ---

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string     `json:"model"`
	Messages    []message  `json:"messages"`
	Tools       []toolSpec `json:"tools,omitempty"`
	ToolChoice  string     `json:"tool_choice,omitempty"`
	Stream      bool       `json:"stream"`
	Temperature *float64   `json:"temperature,omitempty"`
	TopP        *float64   `json:"top_p,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
}

// message is a single message in the OpenAI chat format.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// toolSpec wraps a function definition in the OpenAI tool format.
type toolSpec struct {
	Type     string       `json:"type"` // always "function"
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Streaming response types ---

// chatChunk is one SSE payload of a streaming completion.
type chatChunk struct {
	ID      string   `json:"id"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Index        int    `json:"index"`
	Delta        *delta `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type delta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []toolCallPart `json:"tool_calls,omitempty"`
}

// toolCallPart is a streamed tool-call fragment. The name arrives in the
// first fragment for an index; arguments arrive as JSON substrings.
type toolCallPart struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
