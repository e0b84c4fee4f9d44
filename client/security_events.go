package client

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Security event types.
const (
	EventAuthentication = "authentication"
	EventConnection     = "connection"
	EventReconnection   = "reconnection"
	EventTunnel         = "tunnel"
)

// Security event subtypes.
const (
	SubtypeConnEstablished = "established"
	SubtypeConnClosed      = "closed"
	SubtypeConnFailed      = "failed"
	SubtypeAuthSuccess     = "success"
	SubtypeAuthFailure     = "failure"

	SubtypeReconnAttempt   = "attempt"
	SubtypeReconnSuccess   = "success"
	SubtypeReconnExhausted = "exhausted"

	SubtypeTunnelOpened   = "opened"
	SubtypeTunnelRejected = "rejected"
	SubtypeTunnelCircuit  = "circuit"
)

// Security event outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomeAttempt = "attempt"
)

// Security event severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// SecurityEvent is a structured security log record.
type SecurityEvent struct {
	Timestamp string `json:"timestamp"` // RFC 3339, UTC
	EventType string `json:"event_type"`
	Subtype   string `json:"subtype"`
	Severity  string `json:"severity"`

	User          string `json:"user,omitempty"`
	Source        string `json:"source"`
	Target        string `json:"target"`
	CorrelationID string `json:"correlation_id"` // one per session

	Outcome string         `json:"outcome"`
	Details map[string]any `json:"details,omitempty"`
}

// SecurityLogger writes security events for one session.
type SecurityLogger struct {
	logger        *slog.Logger
	user          string
	target        string
	correlationID string
	now           func() time.Time
}

// NewSecurityLogger creates a logger for a session against target. Every
// event it writes carries the same freshly generated correlation id.
func NewSecurityLogger(logger *slog.Logger, user, target string) *SecurityLogger {
	return &SecurityLogger{
		logger:        logger,
		user:          user,
		target:        target,
		correlationID: uuid.NewString(),
		now:           time.Now,
	}
}

// CorrelationID returns the session-scoped id stamped on every event.
func (l *SecurityLogger) CorrelationID() string {
	return l.correlationID
}

// LogEvent constructs and logs a security event.
func (l *SecurityLogger) LogEvent(eventType, subtype, severity, outcome string, details map[string]any) {
	if l == nil || l.logger == nil {
		return
	}

	event := &SecurityEvent{
		Timestamp:     l.now().UTC().Format(time.RFC3339),
		EventType:     eventType,
		Subtype:       subtype,
		Severity:      severity,
		User:          l.user,
		Source:        "go-meshctrl",
		Target:        l.target,
		CorrelationID: l.correlationID,
		Outcome:       outcome,
		Details:       details,
	}

	switch severity {
	case SeverityWarning:
		l.logger.Warn("SecurityEvent", "event", event)
	case SeverityError, SeverityCritical:
		l.logger.Error("SecurityEvent", "event", event)
	default:
		l.logger.Info("SecurityEvent", "event", event)
	}
}

// LogConnection logs control channel lifecycle events.
func (l *SecurityLogger) LogConnection(subtype, outcome, severity string, details map[string]any) {
	l.LogEvent(EventConnection, subtype, severity, outcome, details)
}

// LogAuthentication logs authentication events.
func (l *SecurityLogger) LogAuthentication(subtype, outcome, severity string, details map[string]any) {
	l.LogEvent(EventAuthentication, subtype, severity, outcome, details)
}

// LogReconnection logs reconnection events.
func (l *SecurityLogger) LogReconnection(subtype, outcome, severity string, details map[string]any) {
	l.LogEvent(EventReconnection, subtype, severity, outcome, details)
}

// LogTunnel logs relay tunnel negotiation events.
func (l *SecurityLogger) LogTunnel(subtype, outcome, severity string, details map[string]any) {
	l.LogEvent(EventTunnel, subtype, severity, outcome, details)
}

// String returns the JSON representation of the event.
func (e *SecurityEvent) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}
