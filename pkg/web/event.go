// Package web provides the HTTP API and SSE streaming for dashboard variable
// sessions.
package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/umputun/varflow/pkg/engine"
)

// Event is an engine event stamped with the owning session and a timestamp,
// streamed to web clients over SSE.
type Event struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	engine.Event
}

// NewEvent wraps an engine event for streaming with the current timestamp.
func NewEvent(sessionID string, e engine.Event) Event {
	return Event{SessionID: sessionID, Timestamp: time.Now(), Event: e}
}

// JSON returns the event as JSON bytes for SSE streaming.
func (e Event) JSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// sessionSink adapts a hub and buffer into an engine.EventSink, stamping every
// published event with the session id.
type sessionSink struct {
	sessionID string
	hub       *Hub
	buffer    *Buffer
}

// Publish implements engine.EventSink.
func (s *sessionSink) Publish(e engine.Event) {
	ev := NewEvent(s.sessionID, e)
	s.buffer.Add(ev)
	s.hub.Broadcast(ev)
}
