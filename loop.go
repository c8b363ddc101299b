package breezerun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultMaxIterations = 10

const defaultToolTimeout = 30 * time.Second

// defaultInstructions is the agent system prompt. The {tools} token is
// replaced with the roster of registered tools.
const defaultInstructions = `You are an autonomous coding agent with access to a sandbox environment.

Your task is to help users write, test, and debug code by using the available tools.

You have access to the following tools:
{tools}

When solving a task, follow this pattern:
1. Think about what needs to be done
2. Choose an action (tool) to use
3. Observe the result
4. Repeat until the task is complete

IMPORTANT: You MUST use function calls to invoke tools. Do not describe what tools you would use - actually use them!

When you have completed the task, provide a final answer summarizing what you did.`

// maxIterationsMessage is streamed as the terminal chunk when the loop gives
// up without a final answer.
const maxIterationsMessage = "Task incomplete: reached maximum iterations. Please try breaking down the task into smaller steps."

// AgentLoop drives the think-act-observe cycle for one turn: stream the
// model, detect a tool call, execute it, feed the observation back, repeat
// until the model answers without requesting a tool.
type AgentLoop struct {
	model        LanguageModel
	tools        *Registry
	maxIter      int
	instructions string
	toolTimeout  time.Duration
	logger       *slog.Logger
	tracer       Tracer
}

// LoopOption configures an AgentLoop.
type LoopOption func(*AgentLoop)

// WithMaxIterations bounds the number of think-act-observe steps per turn.
func WithMaxIterations(n int) LoopOption {
	return func(l *AgentLoop) {
		if n > 0 {
			l.maxIter = n
		}
	}
}

// WithInstructions replaces the default system instructions. A {tools} token
// in the text is substituted with the tool roster; without one the roster is
// appended.
func WithInstructions(s string) LoopOption {
	return func(l *AgentLoop) {
		if s != "" {
			l.instructions = s
		}
	}
}

// WithToolTimeout bounds each tool invocation.
func WithToolTimeout(d time.Duration) LoopOption {
	return func(l *AgentLoop) {
		if d > 0 {
			l.toolTimeout = d
		}
	}
}

// WithLoopLogger sets a structured logger.
func WithLoopLogger(log *slog.Logger) LoopOption {
	return func(l *AgentLoop) { l.logger = log }
}

// WithLoopTracer enables span creation around model calls and tool runs.
func WithLoopTracer(t Tracer) LoopOption {
	return func(l *AgentLoop) { l.tracer = t }
}

// NewAgentLoop creates a loop over the given model and tool registry.
func NewAgentLoop(model LanguageModel, tools *Registry, opts ...LoopOption) *AgentLoop {
	l := &AgentLoop{
		model:        model,
		tools:        tools,
		maxIter:      defaultMaxIterations,
		instructions: defaultInstructions,
		toolTimeout:  defaultToolTimeout,
		logger:       slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run executes the loop for one user turn and returns the event sequence.
// The channel is closed after the terminal event (done, cancelled, or error).
// The caller must drain the channel until it closes; events are emitted in
// strict order and never dropped.
//
// Cancellation is cooperative: the signal is checked at the top of each step,
// between streamed chunks, and via context cancellation of any in-flight
// model or tool call.
func (l *AgentLoop) Run(ctx context.Context, userMessage string, history []ChatMessage, cancel *CancelSignal) <-chan LoopEvent {
	out := make(chan LoopEvent)
	go func() {
		defer close(out)
		l.run(ctx, userMessage, history, cancel, out)
	}()
	return out
}

func (l *AgentLoop) run(ctx context.Context, userMessage string, history []ChatMessage, cancel *CancelSignal, out chan<- LoopEvent) {
	// runCtx ends when either the caller's context ends or the cancel signal
	// fires, so every await inside the turn unblocks on cancellation.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel.Done():
			stop()
		case <-runCtx.Done():
		}
	}()

	emit := func(ev LoopEvent) {
		out <- ev
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, SystemMessage(l.buildInstructions()))
	messages = append(messages, history...)
	messages = append(messages, UserMessage(userMessage))

	toolDefs := l.tools.Definitions()

	for step := 1; step <= l.maxIter; step++ {
		if cancel.Fired() {
			emit(LoopEvent{Type: EventCancelled, Step: step})
			return
		}

		stepCtx := runCtx
		var span Span
		if l.tracer != nil {
			stepCtx, span = l.tracer.Start(runCtx, "agent.step",
				IntAttr("step", step),
				IntAttr("tools", len(toolDefs)))
		}
		endStep := func() {
			if span != nil {
				span.End()
			}
		}

		responseText, toolName, argsJSON, err := l.streamModel(stepCtx, messages, toolDefs, cancel, out, step)
		if err != nil {
			endStep()
			if cancel.Fired() || errors.Is(err, context.Canceled) {
				emit(LoopEvent{Type: EventCancelled, Partial: responseText, Step: step})
				return
			}
			if span != nil {
				span.Error(err)
			}
			l.logger.Error("model stream failed", "step", step, "error", err)
			emit(LoopEvent{Type: EventError, Content: "Agent error: " + err.Error(), Step: step})
			return
		}
		if cancel.Fired() {
			endStep()
			emit(LoopEvent{Type: EventCancelled, Partial: responseText, Step: step})
			return
		}

		// Tool call requested and known: execute, observe, continue.
		if toolName != "" && l.tools.Has(toolName) {
			args := decodeArgs(argsJSON, toolName, l.logger)
			emit(LoopEvent{Type: EventAction, Tool: toolName, Args: args, Step: step})

			obs, ok := l.invokeTool(runCtx, toolName, args)
			endStep()
			if cancel.Fired() {
				emit(LoopEvent{Type: EventCancelled, Partial: responseText, Step: step})
				return
			}
			emit(LoopEvent{Type: EventObservation, Content: obs, Success: ok, Step: step})

			if responseText != "" {
				messages = append(messages, AssistantMessage(responseText))
			}
			// Observations travel as user turns: no tool role, so the shape
			// is uniform across backends that reject one.
			messages = append(messages, UserMessage(fmt.Sprintf("Tool '%s' returned: %s", toolName, obs)))
			continue
		}
		endStep()

		// No tool call: the streamed text is the final answer.
		if responseText != "" {
			emit(LoopEvent{Type: EventDone, Step: step})
			return
		}

		emit(LoopEvent{Type: EventError, Content: "Agent did not provide a response", Step: step})
		return
	}

	// Max iterations: stream one explanatory chunk, then finish normally.
	l.logger.Warn("max iterations reached", "max", l.maxIter)
	emit(LoopEvent{Type: EventAnswerChunk, Content: maxIterationsMessage, Step: l.maxIter})
	emit(LoopEvent{Type: EventDone, Step: l.maxIter})
}

// streamModel consumes one model response. Text deltas are forwarded as
// answer chunks immediately; tool-call fragments accumulate. The first
// fragment carrying a name wins; later nameless fragments extend the
// arguments only.
func (l *AgentLoop) streamModel(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, cancel *CancelSignal, out chan<- LoopEvent, step int) (responseText, toolName, argsJSON string, err error) {
	ch := make(chan StreamChunk)
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.model.Stream(ctx, ChatRequest{Messages: messages, Tools: tools}, ch)
	}()

	var text, args strings.Builder
consume:
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				break consume
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				out <- LoopEvent{Type: EventAnswerChunk, Content: chunk.Text, Step: step}
			}
			if tc := chunk.ToolCall; tc != nil {
				if tc.Name != "" && toolName == "" {
					toolName = tc.Name
				}
				if tc.ArgsDelta != "" {
					args.WriteString(tc.ArgsDelta)
					out <- LoopEvent{Type: EventActionChunk, ArgsDelta: tc.ArgsDelta, Step: step}
				}
			}
		case <-cancel.Done():
			// Stop the in-flight stream and report what was already seen.
			go func() {
				for range ch {
				}
			}()
			<-errCh
			return text.String(), toolName, args.String(), context.Canceled
		}
	}

	return text.String(), toolName, args.String(), <-errCh
}

// invokeTool runs one tool call under the inner timeout and renders the
// observation text. A timeout maps to a deterministic failed observation.
func (l *AgentLoop) invokeTool(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	tctx, tcancel := context.WithTimeout(ctx, l.toolTimeout)
	defer tcancel()

	start := time.Now()
	result := l.tools.Get(name).Execute(tctx, args)
	l.logger.Debug("tool executed",
		"tool", name,
		"success", result.Success,
		"duration", time.Since(start))

	if tctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: tool '%s' timed out after %s", name, l.toolTimeout), false
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "tool failed"
		}
		return "Error: " + msg, false
	}
	return result.Output, true
}

// buildInstructions substitutes the tool roster into the system prompt.
func (l *AgentLoop) buildInstructions() string {
	var roster strings.Builder
	for _, t := range l.tools.List() {
		fmt.Fprintf(&roster, "- %s: %s\n", t.Name(), t.Description())
	}
	list := strings.TrimRight(roster.String(), "\n")
	if list == "" {
		list = "(none)"
	}
	if strings.Contains(l.instructions, "{tools}") {
		return strings.ReplaceAll(l.instructions, "{tools}", list)
	}
	return l.instructions + "\n\nAvailable tools:\n" + list
}

// decodeArgs validates tool-call arguments. Malformed JSON degrades to an
// empty object with a logged warning; the tool reports its own errors for
// missing fields.
func decodeArgs(argsJSON, toolName string, logger *slog.Logger) json.RawMessage {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if !json.Valid([]byte(trimmed)) {
		logger.Warn("malformed tool arguments, using empty object", "tool", toolName)
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

// discardHandler is a slog.Handler that drops everything. Components fall
// back to it so callers never nil-check loggers.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
