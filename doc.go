// Package breezerun is an agentic coding service core.
//
// A client submits natural-language requests over a long-lived WebSocket; a
// ReAct-style agent loop interleaves language-model streaming with tool
// execution against a per-session sandbox, streams its reasoning back as it
// happens, and persists every finished turn durably.
//
// The root package holds the contracts and the execution pipeline:
// LanguageModel, Sandbox, Store, Tool, the AgentLoop, the StreamingBuffer,
// the EventBus, the MessageOrchestrator, the TaskRegistry, and the
// SandboxManager. Concrete backends live in subpackages: provider/openaicompat
// (streaming chat), store/sqlite and store/postgres (persistence),
// sandbox/docker and sandbox/local (execution environments), tools/*
// (built-in capabilities), and server (the WebSocket/HTTP surface).
package breezerun
