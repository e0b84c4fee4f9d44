// Package transport provides the websocket connection manager shared by the
// control session and by relay tunnels.
//
// The transport layer handles:
//   - websocket dialing with TLS, proxy and header configuration
//   - a FIFO send queue drained by a dedicated write loop
//   - a receive loop dispatching every inbound frame to a Handler
//   - liveness flags, a terminal error slot and optional auto-reconnect
package transport
