package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	breezerun "github.com/zysoong/breezerun"
)

func dial(t *testing.T, f *fixture, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/chat/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var frame outboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readUntil collects frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []outboundFrame {
	t.Helper()
	var frames []outboundFrame
	for {
		frame := readFrame(t, conn)
		frames = append(frames, frame)
		if frame.Type == typ {
			return frames
		}
	}
}

func frameTypes(frames []outboundFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func framesOf(frames []outboundFrame, typ string) []outboundFrame {
	var out []outboundFrame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func sendMessage(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	if err := conn.WriteJSON(inboundFrame{Type: "message", Content: content}); err != nil {
		t.Fatal(err)
	}
}

// Scenario: greeting with tools disabled.
func TestChatGreeting(t *testing.T) {
	f := newFixture(t)
	session := f.seed(t, nil, "")
	f.model.turns = []modelTurn{{chunks: textChunks("Hello", " there!")}}

	conn := dial(t, f, session.ID)
	sendMessage(t, conn, "Hi")

	frames := readUntil(t, conn, "end")
	types := frameTypes(frames)
	if types[0] != "user_message_saved" || types[1] != "start" {
		t.Fatalf("frame order = %v", types)
	}

	var streamed strings.Builder
	for _, fr := range framesOf(frames, "chunk") {
		streamed.WriteString(fr.Content)
	}
	if streamed.String() != "Hello there!" {
		t.Errorf("streamed = %q", streamed.String())
	}

	end := frames[len(frames)-1]
	if end.MessageID == "" || end.Cancelled || end.Error {
		t.Errorf("end frame = %+v", end)
	}

	// The persisted assistant message equals the concatenated chunks.
	msg, err := f.store.GetMessage(context.Background(), end.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.IsComplete || msg.Content != "Hello there!" {
		t.Errorf("message = %+v", msg)
	}
	actions, _ := f.store.ListToolActions(context.Background(), end.MessageID)
	if len(actions) != 0 {
		t.Errorf("actions = %d, want 0", len(actions))
	}
}

// Scenario: the model lists files through the bash tool.
func TestChatToolTurn(t *testing.T) {
	f := newFixture(t)
	session := f.seed(t, []string{"bash"}, "python")
	f.sandbox.execs = []breezerun.ExecResult{{ExitCode: 0, Stdout: "total 4\nmain.py\n"}}
	f.model.turns = []modelTurn{
		{chunks: toolCall("bash", `{"command":"ls -la"}`)},
		{chunks: textChunks("Here are the files: main.py")},
	}

	conn := dial(t, f, session.ID)
	sendMessage(t, conn, "list files")
	frames := readUntil(t, conn, "end")

	actionFrames := framesOf(frames, "action")
	if len(actionFrames) != 1 || actionFrames[0].Tool != "bash" {
		t.Fatalf("action frames = %+v", actionFrames)
	}
	var args map[string]string
	if err := json.Unmarshal(actionFrames[0].Args, &args); err != nil || args["command"] != "ls -la" {
		t.Errorf("args = %s", actionFrames[0].Args)
	}

	obsFrames := framesOf(frames, "observation")
	if len(obsFrames) != 1 {
		t.Fatalf("observation frames = %d", len(obsFrames))
	}
	if obsFrames[0].Success == nil || !*obsFrames[0].Success {
		t.Error("observation not successful")
	}
	if !strings.Contains(obsFrames[0].Content, "[stdout]\ntotal 4") {
		t.Errorf("observation = %q", obsFrames[0].Content)
	}

	end := frames[len(frames)-1]
	actions, _ := f.store.ListToolActions(context.Background(), end.MessageID)
	if len(actions) != 1 || actions[0].Status != breezerun.ActionSuccess {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].Output == nil || !strings.Contains(actions[0].Output.Result, "main.py") {
		t.Errorf("action output = %+v", actions[0].Output)
	}
}

// Scenario: cancellation mid-stream.
func TestChatCancellation(t *testing.T) {
	f := newFixture(t)
	session := f.seed(t, nil, "")
	block := make(chan struct{})
	f.model.turns = []modelTurn{
		{chunks: textChunks("chunk1 ", "chunk2 ", "chunk3 "), block: block},
	}

	conn := dial(t, f, session.ID)
	sendMessage(t, conn, "write a long essay")

	// Wait until the three chunks arrive, then cancel.
	var pre []outboundFrame
	chunkCount := 0
	for chunkCount < 3 {
		frame := readFrame(t, conn)
		pre = append(pre, frame)
		if frame.Type == "chunk" {
			chunkCount++
		}
	}
	if err := conn.WriteJSON(inboundFrame{Type: "cancel"}); err != nil {
		t.Fatal(err)
	}

	frames := append(pre, readUntil(t, conn, "end")...)

	if len(framesOf(frames, "cancel_acknowledged")) != 1 {
		t.Fatalf("frames = %v, want one cancel_acknowledged", frameTypes(frames))
	}
	cancelled := framesOf(frames, "cancelled")
	if len(cancelled) != 1 {
		t.Fatalf("cancelled frames = %d, want 1", len(cancelled))
	}
	if cancelled[0].Content != "Response cancelled by user" {
		t.Errorf("cancelled content = %q", cancelled[0].Content)
	}
	if !strings.HasPrefix("chunk1 chunk2 chunk3 ", cancelled[0].PartialContent) {
		t.Errorf("partial = %q exceeds streamed prefix", cancelled[0].PartialContent)
	}

	end := frames[len(frames)-1]
	if !end.Cancelled {
		t.Errorf("end frame = %+v, want cancelled", end)
	}

	// No complete assistant message is visible to readers.
	msgs, _ := f.store.ListMessages(context.Background(), session.ID, 0)
	for _, m := range msgs {
		if m.Role == breezerun.RoleAssistant && m.IsComplete && m.Metadata["cancelled"] != true {
			t.Errorf("unexpected complete assistant message: %+v", m)
		}
	}
}

// Scenario: max iterations with a model that always requests the same tool.
func TestChatMaxIterations(t *testing.T) {
	f := newFixture(t)
	session := f.seed(t, []string{"bash"}, "python")
	var turns []modelTurn
	for i := 0; i < 10; i++ {
		turns = append(turns, modelTurn{chunks: toolCall("bash", `{"command":"true"}`)})
	}
	f.model.turns = turns

	conn := dial(t, f, session.ID)
	sendMessage(t, conn, "loop forever")
	frames := readUntil(t, conn, "end")

	chunks := framesOf(frames, "chunk")
	if len(chunks) != 1 || !strings.Contains(chunks[0].Content, "reached maximum iterations") {
		t.Fatalf("chunks = %+v, want single terminal explanation", chunks)
	}

	end := frames[len(frames)-1]
	actions, _ := f.store.ListToolActions(context.Background(), end.MessageID)
	if len(actions) != 10 {
		t.Errorf("actions = %d, want 10", len(actions))
	}
}

// Scenario: a failing file_edit surfaces as a failed observation and the
// loop carries on.
func TestChatFailedEdit(t *testing.T) {
	f := newFixture(t)
	session := f.seed(t, []string{"file_edit"}, "python")
	f.sandbox.files["/workspace/app.py"] = []byte("nothing here")
	f.model.turns = []modelTurn{
		{chunks: toolCall("file_edit", `{"path":"app.py","old_content":"FOO","new_content":"BAR"}`)},
		{chunks: textChunks("The content was not found, so I could not edit the file.")},
	}

	conn := dial(t, f, session.ID)
	sendMessage(t, conn, "replace FOO")
	frames := readUntil(t, conn, "end")

	obs := framesOf(frames, "observation")
	if len(obs) != 1 || obs[0].Success == nil || *obs[0].Success {
		t.Fatalf("observations = %+v, want one failure", obs)
	}
	if !strings.Contains(obs[0].Content, "Content to replace not found in file: app.py") {
		t.Errorf("observation = %q", obs[0].Content)
	}

	end := frames[len(frames)-1]
	actions, _ := f.store.ListToolActions(context.Background(), end.MessageID)
	if len(actions) != 1 || actions[0].Status != breezerun.ActionError {
		t.Errorf("actions = %+v", actions)
	}
}

// Scenario: disconnect mid-stream; the turn finishes and persists anyway.
func TestChatDisconnectMidStream(t *testing.T) {
	f := newFixture(t)
	session := f.seed(t, nil, "")
	release := make(chan struct{})
	f.model.turns = []modelTurn{
		{chunks: textChunks("one ", "two "), block: release},
	}

	conn := dial(t, f, session.ID)
	sendMessage(t, conn, "talk to me")

	// Read until both chunks have arrived, then drop the connection.
	seen := 0
	for seen < 2 {
		if frame := readFrame(t, conn); frame.Type == "chunk" {
			seen++
		}
	}
	conn.Close()

	// Let the model finish after the client is gone.
	close(release)

	deadline := time.Now().Add(10 * time.Second)
	for {
		msgs, _ := f.store.ListMessages(context.Background(), session.ID, 0)
		var done bool
		for _, m := range msgs {
			if m.Role == breezerun.RoleAssistant && m.IsComplete {
				if m.Content != "one two " {
					t.Errorf("content = %q", m.Content)
				}
				done = true
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("assistant message never finalized after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The task registry holds a completed task, not a ghost.
	task := f.srv.registry.Get(session.ID)
	if task == nil || task.Status() != breezerun.TaskCompleted {
		t.Errorf("task = %+v", task)
	}
	if n := f.srv.registry.GC(0); n != 1 {
		t.Errorf("GC removed %d, want 1", n)
	}
}

// Scenario: first turn of a tool-enabled session registers only
// setup_environment.
func TestChatSetupEnvironmentFirstTurn(t *testing.T) {
	f := newFixture(t)
	session := f.seed(t, []string{"bash", "file_read"}, "")
	f.model.turns = []modelTurn{
		{chunks: toolCall("setup_environment", `{"environment_type":"python"}`)},
		{chunks: textChunks("Environment ready, ask me anything.")},
	}

	conn := dial(t, f, session.ID)
	sendMessage(t, conn, "set things up")
	frames := readUntil(t, conn, "end")

	actions := framesOf(frames, "action")
	if len(actions) != 1 || actions[0].Tool != "setup_environment" {
		t.Fatalf("actions = %+v", actions)
	}

	stored, err := f.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.EnvironmentType != "python" {
		t.Errorf("environment = %q, want python", stored.EnvironmentType)
	}
	if f.srv.sandboxes.Get(session.ID) == nil {
		t.Error("no sandbox after setup_environment")
	}
}

func TestChatUnknownSessionRejected(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/chat/ghost"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	frame := readFrame(t, conn)
	if frame.Type != "error" || !strings.Contains(frame.Content, "not found") {
		t.Errorf("frame = %+v", frame)
	}
}
