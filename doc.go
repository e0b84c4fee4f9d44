// Package meshctrl provides a client for the MeshCentral remote device
// management control protocol.
//
// The control protocol runs over one persistent websocket. Each remote
// operation that needs its own byte stream (file access, terminal, desktop)
// opens a secondary "relay" websocket, called a tunnel, brokered by the server.
//
// # Architecture
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  client/       Session: command correlation, events     │
//	├─────────────────────────────────────────────────────────┤
//	│  tunnel/       Relay negotiation + Files sub-protocol   │
//	├─────────────────────────────────────────────────────────┤
//	│  transport/    Websocket connection manager             │
//	├─────────────────────────────────────────────────────────┤
//	│  eventbus/     Named-event publish/subscribe            │
//	└─────────────────────────────────────────────────────────┘
//
// This package holds the types shared by every layer: the JSON [Message]
// object and the error kinds returned by all calls.
//
// # Quick Start
//
//	cfg := client.DefaultConfig()
//	cfg.URL = "wss://mesh.example.com"
//	cfg.Username = "admin"
//	cfg.Password = "password"
//
//	s, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(ctx)
//
//	files, err := s.FileExplorer(ctx, nodeID, false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	entries, err := files.Ls(ctx, "/tmp")
package meshctrl
