package breezerun

import "context"

// LanguageModel abstracts a streaming chat backend.
//
// Stream sends req and writes increments into ch as they arrive, closing ch
// when the response ends (normally or with an error). The returned error is
// the terminal status of the stream.
//
// Adapter contract, uniform across backends:
//   - A chunk carries either a text delta or a tool-call fragment.
//   - The tool-call name may arrive only on the first fragment; later
//     fragments leave Name empty and the consumer must preserve the first
//     non-empty name seen.
//   - Argument fragments are raw JSON substrings; the consumer concatenates
//     them and parses only after the stream closes.
//   - No dedicated tool role exists in ChatMessage: callers embed tool
//     observations as user turns, so adapters never need to translate a tool
//     role for backends that reject one.
type LanguageModel interface {
	Stream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) error
	// Name returns the provider name (e.g. "openai").
	Name() string
}
