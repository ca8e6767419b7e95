// Package api implements the local HTTP REST API and WebSocket server of the
// AV bridge.
//
// This package provides:
//   - REST endpoints for receiver state, session statistics and commands
//   - Read access to the local state history and the command audit log
//   - WebSocket hub for real-time receiver change broadcasts
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The API is a second command surface next to MQTT. Commands posted here
// go through the same bridge dispatch as MQTT commands, so rate limiting,
// the factory reset gate and auditing apply equally. Receiver changes are
// taken straight from the receiver's notifier and fanned out to WebSocket
// clients subscribed to "receiver.state_changed".
//
// # Graceful Degradation
//
// History, audit and Prometheus endpoints are optional. When their backing
// store is not configured they answer 503 instead of failing at startup.
package api
