package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/service"
	realtimeTypes "github.com/ricochet1k/wagate/pkg/realtime"
)

// Hub delivers broadcaster events to websocket clients, filtered by what
// each client may see.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// owners maps session id to owner so that log frames can be scoped. It
	// is learned from session-update events and snapshots.
	ownersMu sync.RWMutex
	owners   map[string]string

	log *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		clients: make(map[string]*Client),
		owners:  make(map[string]string),
		log:     log.WithField("component", "realtime"),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Remember records session owners, typically from a snapshot.
func (h *Hub) Remember(sessions []domain.Session) {
	h.ownersMu.Lock()
	defer h.ownersMu.Unlock()
	for _, s := range sessions {
		h.owners[s.ID] = s.Owner
	}
}

func (h *Hub) ownerOf(sessionID string) (string, bool) {
	h.ownersMu.RLock()
	defer h.ownersMu.RUnlock()
	owner, ok := h.owners[sessionID]
	return owner, ok
}

func (h *Hub) learn(ev domain.Event) {
	h.ownersMu.Lock()
	defer h.ownersMu.Unlock()
	switch data := ev.Data.(type) {
	case domain.SessionUpdateData:
		for _, u := range data.Sessions {
			h.owners[u.SessionID] = u.Owner
		}
	case domain.SessionDeletedData:
		delete(h.owners, data.SessionID)
	}
}

// frameFor returns the part of ev the viewer may see.
func (h *Hub) frameFor(ev domain.Event, v Viewer) (realtimeTypes.Frame, bool) {
	switch data := ev.Data.(type) {
	case domain.SessionUpdateData:
		visible := make([]domain.SessionUpdate, 0, len(data.Sessions))
		for _, u := range data.Sessions {
			if v.canSee(u.Owner) {
				visible = append(visible, u)
			}
		}
		if len(visible) == 0 {
			return realtimeTypes.Frame{}, false
		}
		return SessionUpdateFrame(visible), true
	case domain.SessionDeletedData:
		if !v.canSee(data.Owner) {
			return realtimeTypes.Frame{}, false
		}
		return SessionDeletedFrame(data.SessionID), true
	case domain.LogData:
		if !v.IsAdmin {
			if ev.SessionID == domain.SystemTag {
				return realtimeTypes.Frame{}, false
			}
			owner, ok := h.ownerOf(ev.SessionID)
			if !ok || !v.canSee(owner) {
				return realtimeTypes.Frame{}, false
			}
		}
		return LogFrame(ev.Timestamp, ev.SessionID, data), true
	default:
		return realtimeTypes.Frame{}, false
	}
}

// Publish sends ev to every client allowed to see it. Clients that cannot
// keep up are unregistered.
func (h *Hub) Publish(ev domain.Event) {
	h.learn(ev)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		frame, ok := h.frameFor(ev, client.Viewer())
		if !ok {
			continue
		}
		if client.Queue(frame) {
			continue
		}
		h.log.WithField("client", client.ID()).Warn("realtime client too slow, disconnecting")
		h.Unregister(client.ID())
	}
}

// Run forwards broadcaster events to clients until ctx is done.
func (h *Hub) Run(ctx context.Context, broadcaster *service.EventBroadcaster) {
	subID := "realtime-" + uuid.NewString()
	sub := broadcaster.Subscribe(subID, "")
	defer broadcaster.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
