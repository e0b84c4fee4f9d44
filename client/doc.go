// Package client provides the MeshCentral control-channel Session.
//
// A Session owns one control websocket. It handles:
//   - Authentication and reconnection
//   - Request/response correlation by tag or action
//   - Server event fan-out
//   - File explorer tunnels to devices
//
// # Quick Start
//
//	cfg := client.DefaultConfig()
//	cfg.URL = "wss://mesh.example.com"
//	cfg.Username = "admin"
//	cfg.Password = os.Getenv("MESHCTRL_PASSWORD")
//
//	s, err := client.Dial(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(ctx)
//
//	groups, err := s.ListDeviceGroups(ctx)
//
// Commands that carry a correlation id go through [Session.SendCommand].
// Commands the server answers only by action name go through
// [Session.SendCommandByAction], which allows one outstanding call per
// action.
package client
