// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single WebSocket and the connection-state machine
//   - Measures round-trip latency via heartbeat envelopes
//   - Buffers outbound envelopes in a bounded evict-oldest queue while down
//   - Reconnects with exponential backoff up to a configured attempt limit
//   - Flushes the queue in FIFO order on every reconnect
//   - Re-emits inbound envelopes through a typed subscription registry
package connection
