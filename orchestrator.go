package breezerun

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// finalizeTimeout bounds the persistence work done after a turn ends. The
// turn's own context may already be cancelled by then, so finalize runs under
// a fresh deadline.
const finalizeTimeout = 30 * time.Second

// RunFunc produces the loop event sequence for one turn. The orchestrator
// owns the context and the cancel signal; the closure binds everything else
// (model, tools, history).
type RunFunc func(ctx context.Context, cancel *CancelSignal) <-chan LoopEvent

// ResumeInfo describes an in-flight stream to a reconnecting client.
type ResumeInfo struct {
	MessageID  string `json:"message_id"`
	ChunkCount int    `json:"chunk_count"`
	ByteCount  int    `json:"byte_count"`
}

// Orchestrator glues the agent loop, the streaming buffer, the event bus,
// and the message store together. It owns the assistant message lifecycle:
// open a draft row, stream into memory, finalize durably exactly once.
//
// A durable Message is either IsComplete=true with the complete content or
// IsComplete=false; there is no intermediate visible state.
type Orchestrator struct {
	store    Store
	buffer   *StreamingBuffer
	bus      *EventBus
	registry *TaskRegistry
	logger   *slog.Logger

	// discardCancelled deletes the draft row on cancellation instead of
	// persisting the partial content with cancelled metadata.
	discardCancelled bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDiscardCancelled makes cancelled turns leave no message at all.
func WithDiscardCancelled() OrchestratorOption {
	return func(o *Orchestrator) { o.discardCancelled = true }
}

// WithOrchestratorLogger sets a structured logger.
func WithOrchestratorLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = log }
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(store Store, buffer *StreamingBuffer, bus *EventBus, registry *TaskRegistry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		buffer:   buffer,
		bus:      bus,
		registry: registry,
		logger:   slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SaveUserMessage persists the inbound user turn immediately and completely.
func (o *Orchestrator) SaveUserMessage(ctx context.Context, sessionID, content string) (Message, error) {
	msg := Message{
		ID:         NewID(),
		SessionID:  sessionID,
		Role:       RoleUser,
		Content:    content,
		IsComplete: true,
		CreatedAt:  NowUnix(),
		UpdatedAt:  NowUnix(),
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// StartTurn opens an assistant message, registers the agent task, and runs
// the loop in a goroutine detached from any client connection. The returned
// task's Done channel closes when the turn is finalized; callers that need
// strict turn ordering wait on it before starting the next turn.
func (o *Orchestrator) StartTurn(sessionID string, run RunFunc) (*AgentTask, error) {
	messageID := NewID()
	now := NowUnix()
	err := o.store.CreateMessage(context.Background(), Message{
		ID:         messageID,
		SessionID:  sessionID,
		Role:       RoleAssistant,
		Content:    "",
		IsComplete: false,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, err
	}

	o.buffer.Start(messageID)

	// The turn owns its own context: a dropped connection must not end the
	// loop, only the cancel protocol may.
	ctx, cancelFn := context.WithCancel(context.Background())
	cancel := NewCancelSignal()
	task := o.registry.Register(sessionID, messageID, cancelFn, cancel)

	o.bus.Emit(Event{Type: EventStreamStart, SessionID: sessionID, MessageID: messageID})

	events := run(ctx, cancel)
	go func() {
		defer cancelFn()
		o.consume(ctx, sessionID, messageID, task, events)
	}()
	return task, nil
}

// Resume reports the in-flight stream for a session, if any, so a
// reconnecting client can catch up from a known chunk index.
func (o *Orchestrator) Resume(sessionID string) *ResumeInfo {
	task := o.registry.Get(sessionID)
	if task == nil || task.Status() != TaskRunning {
		return nil
	}
	meta, ok := o.buffer.Meta(task.MessageID)
	if !ok || !meta.IsStreaming {
		return nil
	}
	info := &ResumeInfo{
		MessageID:  task.MessageID,
		ChunkCount: meta.ChunkCount,
		ByteCount:  meta.ByteCount,
	}
	o.bus.Emit(Event{Type: EventStreamResume, SessionID: sessionID, MessageID: task.MessageID, Step: meta.ChunkCount})
	return info
}

// CleanupSession cancels any active turn and deletes abandoned drafts.
func (o *Orchestrator) CleanupSession(ctx context.Context, sessionID string) (int, error) {
	o.registry.Cancel(sessionID)
	return o.store.DeleteIncompleteMessages(ctx, sessionID)
}

// consume drains the loop's event sequence, mirrors it onto the bus, records
// tool actions in memory, and finalizes the message on the terminal event.
func (o *Orchestrator) consume(ctx context.Context, sessionID, messageID string, task *AgentTask, events <-chan LoopEvent) {
	var actions []ToolAction
	terminal := false

	for ev := range events {
		switch ev.Type {
		case EventAnswerChunk:
			o.buffer.Append(messageID, ev.Content)
			o.bus.Emit(Event{Type: EventStreamChunk, SessionID: sessionID, MessageID: messageID, Content: ev.Content, Step: ev.Step})

		case EventActionChunk:
			o.bus.Emit(Event{Type: EventActionArgsChunk, SessionID: sessionID, MessageID: messageID, Content: ev.ArgsDelta, Step: ev.Step})

		case EventAction:
			actions = append(actions, ToolAction{
				ID:        NewID(),
				MessageID: messageID,
				ToolName:  ev.Tool,
				Input:     ev.Args,
				Status:    ActionPending,
				CreatedAt: NowUnix(),
			})
			o.bus.Emit(Event{Type: EventActionComplete, SessionID: sessionID, MessageID: messageID, Tool: ev.Tool, Args: ev.Args, Step: ev.Step})

		case EventObservation:
			if n := len(actions); n > 0 {
				actions[n-1].Output = &ActionOutput{Result: ev.Content, Success: ev.Success}
				if ev.Success {
					actions[n-1].Status = ActionSuccess
				} else {
					actions[n-1].Status = ActionError
				}
			}
			o.bus.Emit(Event{Type: EventActionObserved, SessionID: sessionID, MessageID: messageID, Content: ev.Content, Success: ev.Success, Step: ev.Step})

		case EventDone:
			o.finalizeSuccess(sessionID, messageID, task, actions)
			terminal = true

		case EventCancelled:
			o.finalizeCancelled(sessionID, messageID, task, actions)
			terminal = true

		case EventError:
			o.finalizeError(sessionID, messageID, task, ev.Content)
			terminal = true
		}
	}

	if terminal {
		return
	}
	// The loop ended without a terminal event: its emit lost the race with
	// context teardown. Treat as cancelled when the signal fired, else error.
	if task.Cancel.Fired() || ctx.Err() != nil {
		o.finalizeCancelled(sessionID, messageID, task, actions)
	} else {
		o.finalizeError(sessionID, messageID, task, "agent loop ended unexpectedly")
	}
}

// finalizeSuccess copies the buffered content into the message row, flips
// IsComplete, flushes the recorded tool actions, and verifies the write by
// re-reading. Exactly one durable write per message.
func (o *Orchestrator) finalizeSuccess(sessionID, messageID string, task *AgentTask, actions []ToolAction) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	content := o.buffer.Content(messageID)
	meta := o.buffer.Complete(messageID, "")
	metadata := map[string]any{
		"chunk_count": meta.ChunkCount,
		"total_bytes": meta.ByteCount,
		"cancelled":   false,
	}
	if len(actions) > 0 {
		tools := make([]string, len(actions))
		for i, a := range actions {
			tools[i] = a.ToolName
		}
		metadata["tools_used"] = tools
	}

	o.bus.Emit(Event{Type: EventPersistStart, SessionID: sessionID, MessageID: messageID})

	if err := o.persistAndVerify(ctx, messageID, content, metadata, actions); err != nil {
		o.logger.Error("finalize failed", "message_id", messageID, "error", err)
		o.markIncomplete(ctx, sessionID, messageID, task, err.Error())
		return
	}

	o.buffer.Cleanup(messageID)
	task.Finish(TaskCompleted)
	o.bus.Emit(Event{Type: EventPersistSuccess, SessionID: sessionID, MessageID: messageID})
	o.bus.Emit(Event{Type: EventStreamEnd, SessionID: sessionID, MessageID: messageID})
	o.logger.Info("turn finalized", "message_id", messageID, "chunks", meta.ChunkCount, "bytes", meta.ByteCount)
}

// finalizeCancelled persists the partial content with cancelled metadata, or
// deletes the draft when configured (or when nothing streamed). Verification
// is skipped: the partial tail is best-effort by design.
func (o *Orchestrator) finalizeCancelled(sessionID, messageID string, task *AgentTask, actions []ToolAction) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	content := o.buffer.Content(messageID)
	o.buffer.Complete(messageID, "")

	if o.discardCancelled || content == "" {
		if err := o.store.DeleteMessage(ctx, messageID); err != nil {
			o.logger.Warn("delete cancelled draft", "message_id", messageID, "error", err)
		}
	} else {
		metadata := map[string]any{"cancelled": true}
		if err := o.store.SaveCompleteMessage(ctx, messageID, content, metadata, actions); err != nil {
			o.logger.Warn("persist cancelled turn", "message_id", messageID, "error", err)
			_ = o.store.MarkMessageIncomplete(ctx, messageID, "cancelled")
		}
	}

	o.buffer.Cleanup(messageID)
	task.Finish(TaskCancelled)
	o.bus.Emit(Event{Type: EventStreamCancelled, SessionID: sessionID, MessageID: messageID, Content: content, Cancelled: true})
	o.bus.Emit(Event{Type: EventStreamEnd, SessionID: sessionID, MessageID: messageID, Cancelled: true})
	o.logger.Info("turn cancelled", "message_id", messageID, "partial_bytes", len(content))
}

// finalizeError leaves the draft row incomplete with the error recorded.
func (o *Orchestrator) finalizeError(sessionID, messageID string, task *AgentTask, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	o.buffer.Complete(messageID, errMsg)
	o.markIncompleteWith(ctx, sessionID, messageID, errMsg)
	o.buffer.Cleanup(messageID)
	task.Finish(TaskError)
	o.logger.Warn("turn failed", "message_id", messageID, "error", errMsg)
}

// persistAndVerify commits the complete message and confirms the stored
// content length matches what the buffer held.
func (o *Orchestrator) persistAndVerify(ctx context.Context, messageID, content string, metadata map[string]any, actions []ToolAction) error {
	if err := o.store.SaveCompleteMessage(ctx, messageID, content, metadata, actions); err != nil {
		return err
	}
	saved, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return &ErrPersistence{MessageID: messageID, Message: "verify read: " + err.Error()}
	}
	if len(saved.Content) != len(content) {
		return &ErrPersistence{
			MessageID: messageID,
			Message:   fmt.Sprintf("content mismatch after save: expected %d, got %d", len(content), len(saved.Content)),
		}
	}
	return nil
}

// markIncomplete is the persistence-failure path out of finalizeSuccess.
func (o *Orchestrator) markIncomplete(ctx context.Context, sessionID, messageID string, task *AgentTask, reason string) {
	o.bus.Emit(Event{Type: EventPersistFailure, SessionID: sessionID, MessageID: messageID, Err: reason})
	o.buffer.Cleanup(messageID)
	task.Finish(TaskError)
	o.markIncompleteWith(ctx, sessionID, messageID, reason)
}

func (o *Orchestrator) markIncompleteWith(ctx context.Context, sessionID, messageID, reason string) {
	if err := o.store.MarkMessageIncomplete(ctx, messageID, reason); err != nil {
		o.logger.Error("mark incomplete", "message_id", messageID, "error", err)
	}
	o.bus.Emit(Event{Type: EventStreamError, SessionID: sessionID, MessageID: messageID, Err: reason})
	o.bus.Emit(Event{Type: EventStreamEnd, SessionID: sessionID, MessageID: messageID, Err: reason})
}
