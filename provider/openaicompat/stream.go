package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	breezerun "github.com/zysoong/breezerun"
)

// streamSSE reads an SSE stream from body and forwards increments into ch.
// Text deltas and tool-call fragments pass through as they arrive; assembly
// (name capture, argument concatenation) is the consumer's job, per the
// LanguageModel contract.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- breezerun.StreamChunk) error {
	scanner := bufio.NewScanner(body)
	// Large SSE payloads (long tool arguments) exceed the default buffer.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		d := chunk.Choices[0].Delta

		if d.Content != "" {
			select {
			case ch <- breezerun.StreamChunk{Text: d.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for _, tc := range d.ToolCalls {
			part := &breezerun.ToolCallDelta{
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}
			if part.Name == "" && part.ArgsDelta == "" {
				continue
			}
			select {
			case ch <- breezerun.StreamChunk{ToolCall: part}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return scanner.Err()
}
