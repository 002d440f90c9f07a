package domain

import "time"

type EventType int

const (
	EventTypeSessionUpdate EventType = iota
	EventTypeSessionDeleted
	EventTypeLog
)

func (t EventType) String() string {
	switch t {
	case EventTypeSessionUpdate:
		return "session-update"
	case EventTypeSessionDeleted:
		return "session-deleted"
	case EventTypeLog:
		return "log"
	default:
		return "unknown"
	}
}

// SystemTag marks log events that are not scoped to a single session.
const SystemTag = "SYSTEM"

// Event is a state-change notification fanned out to observers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	// SessionID is empty for batches spanning several sessions and SystemTag
	// for process-wide log lines.
	SessionID string
	Data      any
}

// SessionUpdate is one entry of a session-update batch.
type SessionUpdate struct {
	SessionID string
	Owner     string
	Status    Status
	Detail    string
	QR        string
	Token     string
}

// Connected reports whether the update describes an authenticated session.
func (u SessionUpdate) Connected() bool {
	return u.Status == StatusConnected
}

type SessionUpdateData struct {
	Sessions []SessionUpdate
}

type SessionDeletedData struct {
	SessionID string
	Owner     string
}

type LogData struct {
	Level   string
	Message string
	Details map[string]any
}

func NewSessionUpdateEvent(updates ...SessionUpdate) Event {
	sessionID := ""
	if len(updates) == 1 {
		sessionID = updates[0].SessionID
	}
	return Event{
		Type:      EventTypeSessionUpdate,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      SessionUpdateData{Sessions: updates},
	}
}

func NewSessionDeletedEvent(sessionID, owner string) Event {
	return Event{
		Type:      EventTypeSessionDeleted,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      SessionDeletedData{SessionID: sessionID, Owner: owner},
	}
}

func NewLogEvent(sessionID, level, message string, details map[string]any) Event {
	if sessionID == "" {
		sessionID = SystemTag
	}
	return Event{
		Type:      EventTypeLog,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data: LogData{
			Level:   level,
			Message: message,
			Details: details,
		},
	}
}

// Touches reports whether the event concerns sessionID.
func (e Event) Touches(sessionID string) bool {
	if e.SessionID == sessionID {
		return true
	}
	if data, ok := e.Data.(SessionUpdateData); ok {
		for _, u := range data.Sessions {
			if u.SessionID == sessionID {
				return true
			}
		}
	}
	return false
}
