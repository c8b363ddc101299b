package breezerun

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultMaxChunks is the soft cap on buffered chunks per message. When
// exceeded, the buffer collapses to the most recent overflowKeep chunks
// (fewer when the cap itself is lower), preserving the tail that matters for user-visible continuity.
const defaultMaxChunks = 10000

const overflowKeep = 1000

// StreamMeta describes an in-flight or finished stream.
type StreamMeta struct {
	ChunkCount  int
	ByteCount   int
	IsStreaming bool
	StartTime   time.Time
	EndTime     time.Time
	Error       string
}

type messageBuffer struct {
	chunks []string
	meta   StreamMeta
}

// StreamingBuffer accumulates an assistant message's text chunks in memory
// while the turn is live. It never talks to the database: the orchestrator
// copies the joined content into the persisted row exactly once at finalize.
type StreamingBuffer struct {
	mu        sync.Mutex
	buffers   map[string]*messageBuffer
	maxChunks int
	logger    *slog.Logger
}

// BufferOption configures a StreamingBuffer.
type BufferOption func(*StreamingBuffer)

// WithMaxChunks overrides the per-message chunk cap.
func WithMaxChunks(n int) BufferOption {
	return func(b *StreamingBuffer) {
		if n > 0 {
			b.maxChunks = n
		}
	}
}

// WithBufferLogger sets a structured logger.
func WithBufferLogger(log *slog.Logger) BufferOption {
	return func(b *StreamingBuffer) { b.logger = log }
}

// NewStreamingBuffer creates an empty buffer.
func NewStreamingBuffer(opts ...BufferOption) *StreamingBuffer {
	b := &StreamingBuffer{
		buffers:   make(map[string]*messageBuffer),
		maxChunks: defaultMaxChunks,
		logger:    slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start initializes the buffer for a new streaming message.
func (b *StreamingBuffer) Start(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers[messageID] = &messageBuffer{
		meta: StreamMeta{IsStreaming: true, StartTime: time.Now()},
	}
}

// Append adds a chunk. Appending to an unknown message is a no-op with a
// logged warning: the stream may have been finalized by a racing cancel.
func (b *StreamingBuffer) Append(messageID, chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[messageID]
	if !ok {
		b.logger.Warn("append to unknown stream", "message_id", messageID)
		return
	}
	if len(mb.chunks) >= b.maxChunks {
		keep := overflowKeep
		if keep > b.maxChunks-1 {
			keep = b.maxChunks - 1
		}
		b.logger.Warn("buffer overflow, keeping tail",
			"message_id", messageID, "kept", keep)
		mb.chunks = append([]string(nil), mb.chunks[len(mb.chunks)-keep:]...)
	}
	mb.chunks = append(mb.chunks, chunk)
	mb.meta.ChunkCount++
	mb.meta.ByteCount += len(chunk)
}

// Content returns the buffered content for a message. After an overflow
// collapse this is only the kept tail, not everything appended.
func (b *StreamingBuffer) Content(messageID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[messageID]
	if !ok {
		return ""
	}
	return strings.Join(mb.chunks, "")
}

// ChunksSince returns the chunks from index onward, for reconnect catch-up.
func (b *StreamingBuffer) ChunksSince(messageID string, index int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[messageID]
	if !ok || index < 0 || index >= len(mb.chunks) {
		return nil
	}
	out := make([]string, len(mb.chunks)-index)
	copy(out, mb.chunks[index:])
	return out
}

// Meta returns a copy of the stream metadata, and whether the message is known.
func (b *StreamingBuffer) Meta(messageID string) (StreamMeta, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[messageID]
	if !ok {
		return StreamMeta{}, false
	}
	return mb.meta, true
}

// Complete marks the stream finished and returns the final metadata. The
// buffer content stays available until Cleanup so a failed persist can retry.
func (b *StreamingBuffer) Complete(messageID, errMsg string) StreamMeta {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.buffers[messageID]
	if !ok {
		return StreamMeta{}
	}
	mb.meta.IsStreaming = false
	mb.meta.EndTime = time.Now()
	mb.meta.Error = errMsg
	return mb.meta
}

// Cleanup drops the buffer after the message is durably persisted or abandoned.
func (b *StreamingBuffer) Cleanup(messageID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buffers, messageID)
}

// ActiveStreams returns the ids of messages still streaming.
func (b *StreamingBuffer) ActiveStreams() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var active []string
	for id, mb := range b.buffers {
		if mb.meta.IsStreaming {
			active = append(active, id)
		}
	}
	return active
}
