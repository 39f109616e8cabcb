// ABOUTME: Package agentrpc serves the backend agent channel over gRPC
// ABOUTME: Frames are the same as on the WebSocket channels, encoded as google.protobuf.Struct

// Package agentrpc connects backend agents to the gateway.
//
// # Protocol
//
// The service switchboard.AgentChannel has a single bidirectional stream,
// Connect. Each message is a google.protobuf.Struct holding one conn.Frame:
//
//	{"event": "receive", "args": [...]}          gateway -> agent
//	{"event": "message", "id": "q1", "args": [...]}  agent -> gateway
//	{"reply_to": "q1", "result": ...}             either direction
//
// The agent authenticates with a bearer token in the "authorization"
// metadata. The token must carry the agent role.
//
// # Tracing
//
// Servers built with NewGRPCServer record a span per stream through the
// OpenTelemetry gRPC stats handler.
package agentrpc
