package main

import (
	"time"

	"github.com/google/uuid"
)

// Event types sent to push subscribers.
const (
	EventConnected  = "connected"
	EventMode       = "mode"
	EventScan       = "scan"
	EventAttendance = "attendance"
	EventEnroll     = "enroll"
	EventSystem     = "system"
	EventError      = "error"
	EventInfo       = "info"
)

// Enrollment outcomes carried in Event.Outcome.
const (
	OutcomeStarted   = "started"
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Event is the envelope broadcast to every connected UI.
type Event struct {
	ID            string    `json:"id"`
	Message       string    `json:"message"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	FingerprintID *int      `json:"fingerprint_id,omitempty"`
	Mode          Mode      `json:"mode,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	EmployeeName  string    `json:"employee_name,omitempty"`
	Action        string    `json:"action,omitempty"`
	Time          string    `json:"time,omitempty"`
}

func newEvent(typ, msg string) Event {
	return Event{
		ID:        uuid.NewString(),
		Message:   msg,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// withFingerprint returns a copy of e carrying the fingerprint id.
func (e Event) withFingerprint(id int) Event {
	e.FingerprintID = &id
	return e
}

// Broadcaster is anything that can fan an event out to observers.
type Broadcaster interface {
	Broadcast(e Event)
}
