package domain

import (
	"errors"
	"fmt"
	"time"
)

// Status is the persisted lifecycle status of a session.
type Status int

const (
	StatusInitializing Status = iota
	StatusGeneratingQR
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "INITIALIZING"
	case StatusGeneratingQR:
		return "GENERATING_QR"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

var ErrInvalidStatus = errors.New("invalid session status")

func ParseStatus(s string) (Status, error) {
	switch s {
	case "INITIALIZING":
		return StatusInitializing, nil
	case "GENERATING_QR":
		return StatusGeneratingQR, nil
	case "CONNECTING":
		return StatusConnecting, nil
	case "CONNECTED":
		return StatusConnected, nil
	case "DISCONNECTED":
		return StatusDisconnected, nil
	case "DELETED":
		return StatusDeleted, nil
	default:
		return StatusDisconnected, fmt.Errorf("%w: %s", ErrInvalidStatus, s)
	}
}

// InFlight reports whether the status is a transitional one that a connect
// attempt is expected to move past.
func (s Status) InFlight() bool {
	switch s {
	case StatusInitializing, StatusGeneratingQR, StatusConnecting:
		return true
	default:
		return false
	}
}

// Status details written by the orchestration core.
const (
	DetailCreated        = "Created"
	DetailInitializing   = "Initializing"
	DetailScanQR         = "Scan the QR code"
	DetailConnecting     = "Connecting"
	DetailConnected      = "Connected"
	DetailDisconnected   = "Disconnected"
	DetailConnectionLost = "Connection lost"
	DetailRestarting     = "Restarting…"
	DetailImported       = "Imported from disk"
	DetailLoggedOut      = "Logged out"
	DetailDeleting       = "Deleting"
)

// Session is a point-in-time copy of a persisted session row.
type Session struct {
	ID        string
	Owner     string
	Status    Status
	Detail    string
	QR        string
	Token     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Connected reports whether the row claims a live authenticated connection.
// Callers outside the orchestration core should only trust it on reconciled
// copies.
func (s Session) Connected() bool {
	return s.Status == StatusConnected
}

// WithStatus returns a copy with the given status and detail. The QR payload
// is only kept while the session is waiting for a scan.
func (s Session) WithStatus(status Status, detail string, now time.Time) Session {
	s.Status = status
	s.Detail = detail
	if status != StatusGeneratingQR {
		s.QR = ""
	}
	s.UpdatedAt = now
	return s
}

// Update converts the row into its broadcast form.
func (s Session) Update() SessionUpdate {
	return SessionUpdate{
		SessionID: s.ID,
		Owner:     s.Owner,
		Status:    s.Status,
		Detail:    s.Detail,
		QR:        s.QR,
		Token:     s.Token,
	}
}

// VisibleTo reports whether owner may see this session.
func (s Session) VisibleTo(owner string, isAdmin bool) bool {
	return isAdmin || (owner != "" && s.Owner == owner)
}

// Presence is the orchestrator's view of a session's live handle.
type Presence int

const (
	// PresenceAbsent means no live handle exists.
	PresenceAbsent Presence = iota
	// PresencePending means a handle exists but has not authenticated yet.
	PresencePending
	// PresenceLive means an authenticated handle exists.
	PresenceLive
)

func (p Presence) String() string {
	switch p {
	case PresenceAbsent:
		return "absent"
	case PresencePending:
		return "pending"
	case PresenceLive:
		return "live"
	default:
		return "unknown"
	}
}
