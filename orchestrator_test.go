package breezerun

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// busRecorder captures every bus event and signals on terminal ones.
type busRecorder struct {
	mu     sync.Mutex
	events []Event
	end    chan struct{}
}

func recordBus(bus *EventBus) *busRecorder {
	r := &busRecorder{end: make(chan struct{}, 4)}
	bus.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		if ev.Type == EventStreamEnd {
			r.end <- struct{}{}
		}
	}, 0)
	return r
}

func (r *busRecorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.end:
	case <-time.After(10 * time.Second):
		t.Fatal("no end event on the bus")
	}
}

func (r *busRecorder) ofType(tp EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == tp {
			out = append(out, ev)
		}
	}
	return out
}

type orchFixture struct {
	store    *memStore
	buffer   *StreamingBuffer
	bus      *EventBus
	registry *TaskRegistry
	orch     *Orchestrator
	rec      *busRecorder
}

func newOrchFixture(t *testing.T, opts ...OrchestratorOption) *orchFixture {
	t.Helper()
	f := &orchFixture{
		store:    newMemStore(),
		buffer:   NewStreamingBuffer(),
		bus:      NewEventBus(nil),
		registry: NewTaskRegistry(),
	}
	t.Cleanup(f.bus.Close)
	f.orch = NewOrchestrator(f.store, f.buffer, f.bus, f.registry, opts...)
	f.rec = recordBus(f.bus)
	return f
}

func loopRun(loop *AgentLoop, input string) RunFunc {
	return func(ctx context.Context, cancel *CancelSignal) <-chan LoopEvent {
		return loop.Run(ctx, input, nil, cancel)
	}
}

func TestOrchestratorSuccessfulTurn(t *testing.T) {
	f := newOrchFixture(t)
	tool := &echoTool{name: "bash"}
	model := &scriptedModel{turns: []modelTurn{
		{chunks: toolCallChunks("bash", `{"command":"ls"}`)},
		{chunks: textChunks("Here ", "are ", "the files")},
	}}
	loop := NewAgentLoop(model, registryWith(tool))

	task, err := f.orch.StartTurn("s1", loopRun(loop, "list files"))
	if err != nil {
		t.Fatal(err)
	}
	<-task.Done()
	f.rec.waitEnd(t)

	msg, err := f.store.GetMessage(context.Background(), task.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.IsComplete {
		t.Error("message not complete after success finalize")
	}

	// Invariant: persisted content equals the concatenation of CHUNK events.
	var chunks strings.Builder
	for _, ev := range f.rec.ofType(EventStreamChunk) {
		chunks.WriteString(ev.Content)
	}
	if msg.Content != chunks.String() {
		t.Errorf("content %q != chunk concatenation %q", msg.Content, chunks.String())
	}
	if msg.Content != "Here are the files" {
		t.Errorf("content = %q", msg.Content)
	}

	// Invariant: tool actions flushed at finalize match action events.
	actions, _ := f.store.ListToolActions(context.Background(), task.MessageID)
	if len(actions) != len(f.rec.ofType(EventActionComplete)) {
		t.Errorf("persisted actions = %d, action events = %d", len(actions), len(f.rec.ofType(EventActionComplete)))
	}
	if len(actions) != 1 || actions[0].Status != ActionSuccess {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].Output == nil || !actions[0].Output.Success {
		t.Error("action output not recorded")
	}

	if len(f.rec.ofType(EventPersistSuccess)) != 1 {
		t.Error("no persist.success event")
	}
	if task.Status() != TaskCompleted {
		t.Errorf("task status = %s", task.Status())
	}
	if f.buffer.Content(task.MessageID) != "" {
		t.Error("buffer not cleaned up after finalize")
	}
}

func TestOrchestratorCancelledTurnKeepsPartial(t *testing.T) {
	f := newOrchFixture(t)
	block := make(chan struct{})
	model := &scriptedModel{turns: []modelTurn{
		{chunks: textChunks("partial ", "content "), block: block},
	}}
	loop := NewAgentLoop(model, NewRegistry())

	task, err := f.orch.StartTurn("s1", loopRun(loop, "write an essay"))
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the chunks to stream, then cancel.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if meta, ok := f.buffer.Meta(task.MessageID); ok && meta.ChunkCount >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunks never reached the buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.registry.Cancel("s1")
	<-task.Done()
	f.rec.waitEnd(t)

	msg, err := f.store.GetMessage(context.Background(), task.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "partial content " {
		t.Errorf("partial content = %q", msg.Content)
	}
	if msg.Metadata["cancelled"] != true {
		t.Errorf("metadata = %+v, want cancelled=true", msg.Metadata)
	}
	if task.Status() != TaskCancelled {
		t.Errorf("task status = %s", task.Status())
	}
	cancelled := f.rec.ofType(EventStreamCancelled)
	if len(cancelled) != 1 {
		t.Fatalf("cancelled events = %d, want 1", len(cancelled))
	}
	ends := f.rec.ofType(EventStreamEnd)
	if len(ends) != 1 || !ends[0].Cancelled {
		t.Errorf("end events = %+v, want one with cancelled=true", ends)
	}
}

func TestOrchestratorCancelledBeforeContentDeletesDraft(t *testing.T) {
	f := newOrchFixture(t)
	block := make(chan struct{})
	model := &scriptedModel{turns: []modelTurn{{block: block}}}
	loop := NewAgentLoop(model, NewRegistry())

	task, err := f.orch.StartTurn("s1", loopRun(loop, "hi"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	f.registry.Cancel("s1")
	<-task.Done()
	f.rec.waitEnd(t)

	if _, err := f.store.GetMessage(context.Background(), task.MessageID); err != ErrNotFound {
		t.Errorf("empty cancelled draft still present (err=%v)", err)
	}
}

func TestOrchestratorDiscardCancelledOption(t *testing.T) {
	f := newOrchFixture(t, WithDiscardCancelled())
	block := make(chan struct{})
	model := &scriptedModel{turns: []modelTurn{
		{chunks: textChunks("streamed"), block: block},
	}}
	loop := NewAgentLoop(model, NewRegistry())

	task, _ := f.orch.StartTurn("s1", loopRun(loop, "hi"))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if meta, ok := f.buffer.Meta(task.MessageID); ok && meta.ChunkCount >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunk never reached the buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.registry.Cancel("s1")
	<-task.Done()
	f.rec.waitEnd(t)

	if _, err := f.store.GetMessage(context.Background(), task.MessageID); err != ErrNotFound {
		t.Error("discard-cancelled kept the draft")
	}
}

func TestOrchestratorModelErrorLeavesIncomplete(t *testing.T) {
	f := newOrchFixture(t)
	model := &scriptedModel{turns: []modelTurn{
		{chunks: textChunks("part"), err: errTransport},
	}}
	loop := NewAgentLoop(model, NewRegistry())

	task, _ := f.orch.StartTurn("s1", loopRun(loop, "hi"))
	<-task.Done()
	f.rec.waitEnd(t)

	msg, err := f.store.GetMessage(context.Background(), task.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.IsComplete {
		t.Error("message complete after model failure")
	}
	if _, ok := msg.Metadata["error"]; !ok {
		t.Errorf("metadata = %+v, want error recorded", msg.Metadata)
	}
	if len(f.rec.ofType(EventStreamError)) == 0 {
		t.Error("no streaming.error event")
	}
	ends := f.rec.ofType(EventStreamEnd)
	if len(ends) != 1 || ends[0].Err == "" {
		t.Errorf("end events = %+v, want one with error", ends)
	}
	if task.Status() != TaskError {
		t.Errorf("task status = %s", task.Status())
	}
}

func TestOrchestratorVerifyMismatchIsPersistFailure(t *testing.T) {
	f := newOrchFixture(t)
	f.store.truncateOnSave = true
	model := &scriptedModel{turns: []modelTurn{
		{chunks: textChunks("full content here")},
	}}
	loop := NewAgentLoop(model, NewRegistry())

	task, _ := f.orch.StartTurn("s1", loopRun(loop, "hi"))
	<-task.Done()
	f.rec.waitEnd(t)

	if len(f.rec.ofType(EventPersistFailure)) != 1 {
		t.Fatal("no persist.failure event on verification mismatch")
	}
	msg, _ := f.store.GetMessage(context.Background(), task.MessageID)
	if msg.IsComplete {
		t.Error("message left complete after failed verification")
	}
	if task.Status() != TaskError {
		t.Errorf("task status = %s", task.Status())
	}
}

func TestOrchestratorResume(t *testing.T) {
	f := newOrchFixture(t)
	block := make(chan struct{})
	model := &scriptedModel{turns: []modelTurn{
		{chunks: textChunks("a", "b", "c"), block: block},
	}}
	loop := NewAgentLoop(model, NewRegistry())

	task, _ := f.orch.StartTurn("s1", loopRun(loop, "hi"))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if meta, ok := f.buffer.Meta(task.MessageID); ok && meta.ChunkCount >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunks never reached the buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	info := f.orch.Resume("s1")
	if info == nil {
		t.Fatal("no resume info for active stream")
	}
	if info.MessageID != task.MessageID || info.ChunkCount != 3 {
		t.Errorf("resume info = %+v", info)
	}
	if f.orch.Resume("other") != nil {
		t.Error("resume info for inactive session")
	}

	close(block)
	<-task.Done()
	if f.orch.Resume("s1") != nil {
		t.Error("resume info after finalize")
	}
}

func TestOrchestratorSaveUserMessage(t *testing.T) {
	f := newOrchFixture(t)
	msg, err := f.orch.SaveUserMessage(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	stored, err := f.store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsComplete || stored.Role != RoleUser || stored.Content != "hello" {
		t.Errorf("stored = %+v", stored)
	}
}

var errTransport = &ErrLLM{Provider: "scripted", Message: "connection reset"}
