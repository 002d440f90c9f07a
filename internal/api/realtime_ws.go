package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/wagate/internal/realtime"
	realtimeTypes "github.com/ricochet1k/wagate/pkg/realtime"
)

const maxClientMessageSize = 4096

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := realtime.NewClient(generateID(), conn, realtime.Viewer{Owner: caller.Owner, IsAdmin: caller.IsAdmin})
	client.Hold()
	h.realtimeHub.Register(client)
	defer h.realtimeHub.Unregister(client.ID())

	go client.WriteLoop()

	sessions, err := h.sessions.ListSessions(r.Context(), caller)
	if err != nil {
		h.log.WithError(err).Warn("failed to build realtime snapshot")
		client.Start(errorFrame("failed to build snapshot"))
		return
	}
	h.realtimeHub.Remember(sessions)
	if !client.Start(realtime.SnapshotFrame(sessions)) {
		return
	}

	conn.SetReadLimit(maxClientMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(realtime.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(realtime.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(realtime.PongWait))

		var msg realtimeTypes.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendRealtimeError(client, "invalid message")
			continue
		}

		switch msg.Type {
		case realtimeTypes.ClientMessageTypePing:
			if !client.Queue(realtimeTypes.Frame{Type: realtimeTypes.FrameTypePong}) {
				return
			}
		default:
			h.sendRealtimeError(client, "unsupported message type")
		}
	}
}

func (h *Handler) sendRealtimeError(client *realtime.Client, message string) {
	if !client.Queue(errorFrame(message)) {
		h.realtimeHub.Unregister(client.ID())
	}
}

func errorFrame(message string) realtimeTypes.Frame {
	return realtimeTypes.Frame{Type: realtimeTypes.FrameTypeError, Message: message}
}
