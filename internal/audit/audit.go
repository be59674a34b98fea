// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for security- and
// fairness-sensitive dispatcher operations. It follows the WHO/WHAT/WHEN
// pattern for compliance and forensics: every lease grant, submission, and
// skip that moves a task between agents is recorded, alongside API-auth
// events from the transport boundary.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/transcribeflow/dispatchd/internal/xlog"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Dispatch lifecycle events (C5 Dispatcher).
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskSkipped   EventType = "task.skipped"
	EventTaskDenied    EventType = "task.denied" // lease forbidden: wrong owner or no lease

	// Authentication events (API key middleware).
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"
	EventAuthMissing EventType = "auth.missing"

	// API access events.
	EventAPIAccess    EventType = "api.access"
	EventAPIForbidden EventType = "api.forbidden"
	EventAPIRateLimit EventType = "api.ratelimit"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	Actor      string            `json:"actor"`             // WHO: agent_id, IP, or "system"
	Action     string            `json:"action"`            // WHAT: human-readable action description
	Resource   string            `json:"resource"`          // resource affected (e.g., task_id, endpoint)
	Result     string            `json:"result"`            // success, failure, denied
	RemoteAddr string            `json:"remote_addr"`       // client IP address
	UserAgent  string            `json:"user_agent"`        // client user agent
	RequestID  string            `json:"request_id"`        // correlation ID
	Details    map[string]string `json:"details,omitempty"` // additional context
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	auditLogger := xlog.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()

	return &Logger{logger: auditLogger}
}

// Log writes an audit event to the audit log.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RemoteAddr != "" {
		logEvent.Str("remote_addr", event.RemoteAddr)
	}
	if event.UserAgent != "" {
		logEvent.Str("user_agent", event.UserAgent)
	}
	if event.RequestID != "" {
		logEvent.Str("request_id", event.RequestID)
	}

	for key, value := range event.Details {
		logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// LogFromContext logs an audit event, filling in the request ID from ctx
// when the caller hasn't already set one.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = xlog.RequestIDFromContext(ctx)
	}
	l.Log(event)
}

// TaskAssigned logs a successful RequestTask lease grant (spec.md §4.5
// request_task).
func (l *Logger) TaskAssigned(agentID, taskID int64) {
	l.Log(Event{
		Type:     EventTaskAssigned,
		Actor:    formatInt64(agentID),
		Action:   "assigned task",
		Resource: formatInt64(taskID),
		Result:   "success",
	})
}

// TaskSubmitted logs a completed submit_transcription call.
func (l *Logger) TaskSubmitted(agentID, taskID, annotationID int64) {
	l.Log(Event{
		Type:     EventTaskSubmitted,
		Actor:    formatInt64(agentID),
		Action:   "submitted transcription",
		Resource: formatInt64(taskID),
		Result:   "success",
		Details: map[string]string{
			"annotation_id": formatInt64(annotationID),
		},
	})
}

// TaskSkipped logs a skip_task call.
func (l *Logger) TaskSkipped(agentID, taskID int64, reason string) {
	l.Log(Event{
		Type:     EventTaskSkipped,
		Actor:    formatInt64(agentID),
		Action:   "skipped task",
		Resource: formatInt64(taskID),
		Result:   "success",
		Details: map[string]string{
			"reason": reason,
		},
	})
}

// TaskDenied logs a submit/skip/audio-stream call rejected because the
// caller holds no lease, or holds someone else's.
func (l *Logger) TaskDenied(agentID, taskID int64, action string) {
	l.Log(Event{
		Type:     EventTaskDenied,
		Actor:    formatInt64(agentID),
		Action:   action,
		Resource: formatInt64(taskID),
		Result:   "denied",
	})
}

// AuthSuccess logs a successful authentication.
func (l *Logger) AuthSuccess(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthSuccess,
		Actor:      remoteAddr,
		Action:     "authenticated successfully",
		Resource:   endpoint,
		Result:     "success",
		RemoteAddr: remoteAddr,
	})
}

// AuthFailure logs a failed authentication attempt.
func (l *Logger) AuthFailure(remoteAddr, endpoint, reason string) {
	l.Log(Event{
		Type:       EventAuthFailure,
		Actor:      remoteAddr,
		Action:     "authentication failed",
		Resource:   endpoint,
		Result:     "failure",
		RemoteAddr: remoteAddr,
		Details: map[string]string{
			"reason": reason,
		},
	})
}

// AuthMissing logs a request without authentication.
func (l *Logger) AuthMissing(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthMissing,
		Actor:      remoteAddr,
		Action:     "accessed endpoint without authentication",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// APIAccess logs API endpoint access.
func (l *Logger) APIAccess(remoteAddr, method, endpoint string, statusCode int) {
	result := "success"
	if statusCode >= 400 {
		result = "failure"
	}

	l.Log(Event{
		Type:       EventAPIAccess,
		Actor:      remoteAddr,
		Action:     method + " " + endpoint,
		Resource:   endpoint,
		Result:     result,
		RemoteAddr: remoteAddr,
		Details: map[string]string{
			"method":      method,
			"status_code": formatInt(statusCode),
		},
	})
}

// RateLimitExceeded logs rate limit violations.
func (l *Logger) RateLimitExceeded(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAPIRateLimit,
		Actor:      remoteAddr,
		Action:     "rate limit exceeded",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

func formatInt(i int) string {
	return formatInt64(int64(i))
}

func formatInt64(i int64) string {
	if i == 0 {
		return "0"
	}

	neg := i < 0
	if neg {
		i = -i
	}

	var buf [20]byte
	pos := len(buf)

	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}

	if neg {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}
