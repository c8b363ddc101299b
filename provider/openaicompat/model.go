package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	breezerun "github.com/zysoong/breezerun"
)

// Model implements breezerun.LanguageModel over the OpenAI chat completions
// streaming API.
type Model struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	name        string
	temperature *float64
	topP        *float64
	maxTokens   int
}

// Option configures a Model.
type Option func(*Model)

// WithName overrides the provider name reported by Name().
func WithName(name string) Option {
	return func(m *Model) { m.name = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Model) { m.client = c }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) Option {
	return func(m *Model) { m.temperature = &t }
}

// WithTopP sets nucleus sampling on every request.
func WithTopP(p float64) Option {
	return func(m *Model) { m.topP = &p }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) Option {
	return func(m *Model) { m.maxTokens = n }
}

// New creates an OpenAI-compatible streaming model.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended.
func New(apiKey, model, baseURL string, opts ...Option) *Model {
	m := &Model{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Name returns the provider name (default "openai", configurable via WithName).
func (m *Model) Name() string { return m.name }

// Stream sends the request and forwards SSE increments into ch. The channel
// is closed when the stream ends, whatever the outcome.
func (m *Model) Stream(ctx context.Context, req breezerun.ChatRequest, ch chan<- breezerun.StreamChunk) error {
	defer close(ch)

	body := chatRequest{
		Model:       m.model,
		Messages:    make([]message, len(req.Messages)),
		Stream:      true,
		Temperature: m.temperature,
		TopP:        m.topP,
		MaxTokens:   m.maxTokens,
	}
	for i, msg := range req.Messages {
		body.Messages[i] = message{Role: msg.Role, Content: msg.Content}
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, toolSpec{
			Type: "function",
			Function: functionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &breezerun.ErrLLM{Provider: m.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := m.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &breezerun.ErrLLM{Provider: m.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return &breezerun.ErrLLM{Provider: m.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &breezerun.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}

	return streamSSE(ctx, resp.Body, ch)
}

// Compile-time interface check.
var _ breezerun.LanguageModel = (*Model)(nil)
