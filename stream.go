package breezerun

import "encoding/json"

// LoopEventType identifies the kind of event emitted by the agent loop.
type LoopEventType string

const (
	// EventAnswerChunk carries an incremental text delta of the assistant's
	// answer. Streamed text is emitted as answer chunks uniformly; there is
	// no separate thought variant on the wire.
	EventAnswerChunk LoopEventType = "answer-chunk"
	// EventActionChunk carries a fragment of tool-call arguments while the
	// model is still emitting them.
	EventActionChunk LoopEventType = "action-chunk"
	// EventAction signals a fully assembled tool call about to execute.
	EventAction LoopEventType = "action"
	// EventObservation carries a completed tool result.
	EventObservation LoopEventType = "observation"
	// EventCancelled signals the loop stopped at a cancellation point.
	EventCancelled LoopEventType = "cancelled"
	// EventError signals a fatal loop failure (model transport, sandbox).
	EventError LoopEventType = "error"
	// EventDone signals the turn completed with a final answer.
	EventDone LoopEventType = "done"
)

// LoopEvent is one event in the loop's output sequence. Within a step, answer
// chunks strictly precede the action event, and the observation strictly
// precedes any event of the next step; the loop never re-orders.
type LoopEvent struct {
	Type LoopEventType `json:"type"`
	// Content carries the text delta (answer-chunk), observation text
	// (observation), or error message (error).
	Content string `json:"content,omitempty"`
	// Tool and Args are set on action events.
	Tool string          `json:"tool,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	// ArgsDelta is set on action-chunk events.
	ArgsDelta string `json:"args_delta,omitempty"`
	// Success is meaningful on observation events.
	Success bool `json:"success,omitempty"`
	// Partial carries the text streamed before cancellation (cancelled).
	Partial string `json:"partial,omitempty"`
	// Step is the 1-based loop iteration the event belongs to.
	Step int `json:"step,omitempty"`
}
