package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	breezerun "github.com/zysoong/breezerun"
	"github.com/zysoong/breezerun/observer"
	"github.com/zysoong/breezerun/tools/astsearch"
	"github.com/zysoong/breezerun/tools/bash"
	"github.com/zysoong/breezerun/tools/file"
	"github.com/zysoong/breezerun/tools/search"
	"github.com/zysoong/breezerun/tools/setupenv"
)

// historyLimit bounds how many prior messages feed the model context.
const historyLimit = 50

// sendQueueSize bounds the per-connection outbound frame queue.
const sendQueueSize = 256

// msgQueueSize bounds queued-but-not-started user turns per connection.
const msgQueueSize = 16

// chatConn is one WebSocket connection bound to a session.
type chatConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	send      chan outboundFrame
	msgs      chan string
	closed    chan struct{}
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// handleChatSocket upgrades the connection and runs the reader loop. The
// connection is transport only: turns run detached, so closing it never
// interrupts an in-flight turn.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &chatConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan outboundFrame, sendQueueSize),
		msgs:      make(chan string, msgQueueSize),
		closed:    make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 5),
		logger:    s.logger.With("session_id", sessionID),
	}

	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		_ = conn.WriteJSON(outboundFrame{Type: "error", Content: "Chat session " + sessionID + " not found"})
		_ = conn.Close()
		return
	}

	go c.writer()
	go c.dispatcher()

	// Forward this session's bus events as wire frames.
	subID := s.bus.Subscribe(c.onBusEvent, 0)
	defer func() {
		s.bus.Unsubscribe(subID)
		close(c.closed)
		_ = conn.Close()
		c.logger.Info("client disconnected")
	}()

	c.logger.Info("client connected")

	// A reconnect during an active turn gets resume info immediately.
	if info := s.orchestrator.Resume(sessionID); info != nil {
		c.enqueue(outboundFrame{Type: "resume", MessageID: info.MessageID, ChunkCount: info.ChunkCount})
	}

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case frameMessage:
			if !c.limiter.Allow() {
				c.enqueue(outboundFrame{Type: "error", Content: "Too many messages, slow down"})
				continue
			}
			select {
			case c.msgs <- frame.Content:
			default:
				c.enqueue(outboundFrame{Type: "error", Content: "Message queue full"})
			}
		case frameCancel:
			// Applied immediately from the read loop so an in-flight turn
			// stops without waiting behind queued messages.
			c.logger.Info("cancel requested")
			s.registry.Cancel(c.sessionID)
			c.enqueue(outboundFrame{Type: "cancel_acknowledged"})
		}
	}
}

// writer serializes outbound frames; gorilla connections allow one writer.
func (c *chatConn) writer() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// dispatcher starts queued turns one at a time: turn N+1 cannot start until
// turn N's message is finalized or cancelled.
func (c *chatConn) dispatcher() {
	for {
		select {
		case content := <-c.msgs:
			c.runTurn(content)
		case <-c.closed:
			return
		}
	}
}

// enqueue offers a frame to the writer, dropping it when the client cannot
// keep up. Durable state never depends on frame delivery.
func (c *chatConn) enqueue(frame outboundFrame) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("outbound queue full, dropping frame", "type", frame.Type)
	}
}

// onBusEvent translates orchestrator events for this session into frames.
func (c *chatConn) onBusEvent(ev breezerun.Event) {
	if ev.SessionID != c.sessionID {
		return
	}
	switch ev.Type {
	case breezerun.EventStreamStart:
		c.enqueue(outboundFrame{Type: "start"})
	case breezerun.EventStreamChunk:
		c.enqueue(outboundFrame{Type: "chunk", Content: ev.Content, Step: ev.Step})
	case breezerun.EventActionComplete:
		c.enqueue(outboundFrame{Type: "action", Tool: ev.Tool, Args: ev.Args, Step: ev.Step})
	case breezerun.EventActionObserved:
		c.enqueue(outboundFrame{Type: "observation", Content: ev.Content, Success: boolPtr(ev.Success), Step: ev.Step})
	case breezerun.EventStreamCancelled:
		c.enqueue(outboundFrame{Type: "cancelled", Content: "Response cancelled by user", PartialContent: ev.Content})
	case breezerun.EventStreamError:
		c.enqueue(outboundFrame{Type: "error", Content: ev.Err})
	case breezerun.EventStreamEnd:
		frame := outboundFrame{Type: "end", Cancelled: ev.Cancelled, Error: ev.Err != ""}
		if !frame.Cancelled && !frame.Error {
			frame.MessageID = ev.MessageID
		}
		c.enqueue(frame)
	}
}

// runTurn persists the user message, assembles the per-turn tool set, and
// drives one agent turn to completion.
func (c *chatConn) runTurn(content string) {
	s := c.server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userMsg, err := s.orchestrator.SaveUserMessage(ctx, c.sessionID, content)
	if err != nil {
		c.enqueue(outboundFrame{Type: "error", Content: "Error: " + err.Error()})
		return
	}
	c.enqueue(outboundFrame{Type: "user_message_saved", MessageID: userMsg.ID})

	session, err := s.store.GetSession(ctx, c.sessionID)
	if err != nil {
		c.enqueue(outboundFrame{Type: "error", Content: "Error: " + err.Error()})
		return
	}
	agentCfg, err := s.store.GetAgentConfig(ctx, session.ProjectID)
	if err != nil {
		c.enqueue(outboundFrame{Type: "error", Content: "Agent configuration not found"})
		return
	}

	history, err := c.loadHistory(ctx, userMsg.ID)
	if err != nil {
		c.enqueue(outboundFrame{Type: "error", Content: "Error: " + err.Error()})
		return
	}

	model, err := s.newModel(ctx, agentCfg)
	if err != nil {
		c.enqueue(outboundFrame{Type: "error", Content: "Error: " + err.Error()})
		return
	}
	if s.inst != nil {
		model = observer.WrapModel(model, agentCfg.Model, s.inst)
	}

	tools, err := c.buildTools(ctx, session, agentCfg)
	if err != nil {
		c.enqueue(outboundFrame{Type: "error", Content: "Error: " + err.Error()})
		return
	}

	var loopOpts []breezerun.LoopOption
	if agentCfg.SystemInstructions != "" {
		loopOpts = append(loopOpts, breezerun.WithInstructions(agentCfg.SystemInstructions))
	}
	if s.tracer != nil {
		loopOpts = append(loopOpts, breezerun.WithLoopTracer(s.tracer))
	}
	loopOpts = append(loopOpts, breezerun.WithLoopLogger(c.logger))
	loop := breezerun.NewAgentLoop(model, tools, loopOpts...)

	task, err := s.orchestrator.StartTurn(c.sessionID, func(ctx context.Context, cancel *breezerun.CancelSignal) <-chan breezerun.LoopEvent {
		return loop.Run(ctx, content, history, cancel)
	})
	if err != nil {
		c.enqueue(outboundFrame{Type: "error", Content: "Error: " + err.Error()})
		return
	}

	// Wait for finalize before the next queued turn; the turn itself is
	// detached, so a dropped connection does not reach here.
	<-task.Done()
}

// loadHistory returns the session's completed messages, excluding the turn's
// own user message (it is passed to the loop separately).
func (c *chatConn) loadHistory(ctx context.Context, currentUserMsgID string) ([]breezerun.ChatMessage, error) {
	msgs, err := c.server.store.ListMessages(ctx, c.sessionID, historyLimit)
	if err != nil {
		return nil, err
	}
	var history []breezerun.ChatMessage
	for _, m := range msgs {
		if m.ID == currentUserMsgID || !m.IsComplete || m.Content == "" {
			continue
		}
		history = append(history, breezerun.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// buildTools assembles the per-turn registry. Before an environment exists,
// only setup_environment is registered; afterwards the enabled sandbox tools
// replace it. A session with no enabled tools runs in plain chat mode.
func (c *chatConn) buildTools(ctx context.Context, session breezerun.ChatSession, agentCfg breezerun.AgentConfig) (*breezerun.Registry, error) {
	s := c.server
	reg := breezerun.NewRegistry()
	if len(agentCfg.EnabledTools) == 0 {
		return reg, nil
	}

	if session.EnvironmentType == "" {
		var t breezerun.Tool = setupenv.New(s.store, s.sandboxes, s.workspaces, session.ID)
		if s.inst != nil {
			t = observer.WrapTool(t, s.inst)
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
		return reg, nil
	}

	sb := s.sandboxes.Get(session.ID)
	if sb == nil {
		var err error
		sb, err = s.sandboxes.Create(ctx, session.ID, session.EnvironmentType, session.EnvironmentConfig)
		if err != nil {
			return nil, err
		}
	}

	for _, name := range agentCfg.EnabledTools {
		var t breezerun.Tool
		switch name {
		case "bash":
			t = bash.New(sb)
		case "file_read":
			t = file.NewRead(sb)
		case "file_write":
			t = file.NewWrite(sb)
		case "file_edit":
			t = file.NewEdit(sb)
		case "search":
			t = search.New(sb)
		case "ast_search":
			t = astsearch.New(sb)
		default:
			c.logger.Warn("unknown tool in config, skipping", "tool", name)
			continue
		}
		if s.inst != nil {
			t = observer.WrapTool(t, s.inst)
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
