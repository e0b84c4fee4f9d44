package client

import (
	"context"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/transport"
)

// handleFrame dispatches one inbound control frame. It runs on the receive
// loop; an error fails the connection.
func (s *Session) handleFrame(_ context.Context, f transport.Frame) error {
	msg, err := meshctrl.ParseMessage(f.Data)
	if err != nil {
		s.logger.Debug("ignoring undecodable control frame", "error", err, "size", len(f.Data))
		return nil
	}
	action := msg.Action()

	switch action {
	case "close":
		if msg.String("cause") == "noauth" {
			s.security.LogAuthentication(SubtypeAuthFailure, OutcomeDenied, SeverityError,
				map[string]any{"cause": "noauth", "msg": msg.String("msg")})
			return &meshctrl.ServerError{Message: "invalid auth"}
		}
	case "serverinfo":
		info := msg.Object("serverinfo")
		s.mu.Lock()
		s.serverInfo = info
		if info.Has("domain") {
			s.domain, s.domainKnown = info.String("domain"), true
		}
		s.mu.Unlock()
	case "userinfo":
		s.mu.Lock()
		s.userInfo = msg.Object("userinfo")
		first := !s.authenticated
		s.authenticated = true
		s.mu.Unlock()
		if first {
			s.security.LogAuthentication(SubtypeAuthSuccess, OutcomeSuccess, SeverityInfo,
				map[string]any{"userid": s.userInfo.String("_id")})
		}
		s.mgr.MarkInitialized()
	}

	switch action {
	case "event", "msg", "interuser":
		s.bus.Emit(topicServerEvent, reply{msg: msg})
	}

	switch {
	case msg.String("responseid") != "":
		s.bus.Emit(msg.String("responseid"), reply{msg: msg})
	case msg.String("tag") != "":
		s.bus.Emit(msg.String("tag"), reply{msg: msg})
	case action != "":
		s.bus.Emit(action, reply{msg: msg})
	}
	return nil
}
