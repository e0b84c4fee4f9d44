// Package tunnel implements relay tunnels: secondary websockets opened per
// device and sub-protocol, negotiated through a control session.
//
// A Tunnel moves through
//
//	Idle -> NegotiatingAuth -> NegotiatingRelay -> Connecting -> Open -> Closed|Failed
//
// It asks the control session for a relay cookie pair, asks the device's
// agent to join a relay with a random tunnel id, dials the relay, then
// answers the relay's first frame with the protocol id.
//
// Files layers the file-explorer protocol on a Tunnel: directory listing,
// mkdir, rm, rename, and chunked upload and download. Requests are served
// one at a time in FIFO order.
package tunnel
