package realtime

import (
	"time"

	"github.com/ricochet1k/wagate/internal/domain"
	realtimeTypes "github.com/ricochet1k/wagate/pkg/realtime"
)

func SessionUpdateFrame(updates []domain.SessionUpdate) realtimeTypes.Frame {
	states := make([]realtimeTypes.SessionState, 0, len(updates))
	for _, u := range updates {
		states = append(states, realtimeTypes.SessionState{
			SessionID:   u.SessionID,
			Status:      u.Status.String(),
			Detail:      u.Detail,
			QR:          u.QR,
			IsConnected: u.Connected(),
			Token:       u.Token,
		})
	}
	return realtimeTypes.Frame{Type: realtimeTypes.FrameTypeSessionUpdate, Data: states}
}

// SnapshotFrame is the session-update a client receives on connect.
func SnapshotFrame(sessions []domain.Session) realtimeTypes.Frame {
	updates := make([]domain.SessionUpdate, 0, len(sessions))
	for _, s := range sessions {
		updates = append(updates, s.Update())
	}
	return SessionUpdateFrame(updates)
}

func SessionDeletedFrame(sessionID string) realtimeTypes.Frame {
	return realtimeTypes.Frame{
		Type: realtimeTypes.FrameTypeSessionDeleted,
		Data: realtimeTypes.SessionDeleted{SessionID: sessionID},
	}
}

func LogFrame(ts time.Time, sessionID string, data domain.LogData) realtimeTypes.Frame {
	return realtimeTypes.Frame{
		Type:      realtimeTypes.FrameTypeLog,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Level:     data.Level,
		Message:   data.Message,
		Details:   data.Details,
	}
}

// EventFrame converts an event into its wire frame without any visibility
// filtering.
func EventFrame(ev domain.Event) (realtimeTypes.Frame, bool) {
	switch data := ev.Data.(type) {
	case domain.SessionUpdateData:
		return SessionUpdateFrame(data.Sessions), true
	case domain.SessionDeletedData:
		return SessionDeletedFrame(data.SessionID), true
	case domain.LogData:
		return LogFrame(ev.Timestamp, ev.SessionID, data), true
	default:
		return realtimeTypes.Frame{}, false
	}
}
