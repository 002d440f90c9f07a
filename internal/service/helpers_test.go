package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/wagate/internal/circuit"
	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/protocol"
	"github.com/ricochet1k/wagate/internal/storage"
	"github.com/ricochet1k/wagate/internal/testutil"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	mu         sync.Mutex
	events     chan protocol.Event
	closed     bool
	closeCalls int
	blockClose bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan protocol.Event, 16)}
}

func (c *fakeConn) Events() <-chan protocol.Event {
	return c.events
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closeCalls++
	block := c.blockClose
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	c.end()
	return nil
}

// emit delivers an adapter event unless the connection already ended.
func (c *fakeConn) emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- ev
	}
}

// end closes the event stream without a disconnected event.
func (c *fakeConn) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls > 0
}

type fakeAdapter struct {
	mu      sync.Mutex
	opens   int
	failN   int
	conns   []*fakeConn
	gate    chan struct{}
	entered chan string
	block   bool
}

func (a *fakeAdapter) Open(ctx context.Context, sessionID, credentialsPath string) (protocol.Conn, error) {
	a.mu.Lock()
	a.opens++
	fail := a.opens <= a.failN
	gate := a.gate
	entered := a.entered
	block := a.block
	a.mu.Unlock()

	if entered != nil {
		select {
		case entered <- sessionID:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("dial failed")
	}

	c := newFakeConn()
	c.blockClose = block
	a.mu.Lock()
	a.conns = append(a.conns, c)
	a.mu.Unlock()
	return c, nil
}

func (a *fakeAdapter) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

func (a *fakeAdapter) conn(i int) *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 {
		i = len(a.conns) + i
	}
	if i < 0 || i >= len(a.conns) {
		return nil
	}
	return a.conns[i]
}

type recorder struct {
	mu      sync.Mutex
	updates []domain.SessionUpdate
}

func (r *recorder) record(u domain.SessionUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) forSession(id string) []domain.SessionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionUpdate
	for _, u := range r.updates {
		if u.SessionID == id {
			out = append(out, u)
		}
	}
	return out
}

func (r *recorder) statuses(id string) []domain.Status {
	var out []domain.Status
	for _, u := range r.forSession(id) {
		out = append(out, u.Status)
	}
	return out
}

func (r *recorder) sawDetail(id, detail string) bool {
	for _, u := range r.forSession(id) {
		if u.Detail == detail {
			return true
		}
	}
	return false
}

// failingCredentials wraps the artifact dir but never manages to remove.
type failingCredentials struct {
	*storage.ArtifactDir
}

func (failingCredentials) Remove(string) error {
	return errors.New("permission denied")
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	store       *storage.SQLiteStore
	artifacts   *storage.ArtifactDir
	adapter     *fakeAdapter
	rec         *recorder
	broadcaster *EventBroadcaster
	orch        *Orchestrator
}

func newHarness(t *testing.T, configure func(*OrchestratorConfig)) *harness {
	t.Helper()
	store, artifacts, ctx := testutil.NewStore(t)

	h := &harness{
		t:           t,
		ctx:         ctx,
		store:       store,
		artifacts:   artifacts,
		adapter:     &fakeAdapter{},
		rec:         &recorder{},
		broadcaster: NewEventBroadcaster(256),
	}

	cfg := OrchestratorConfig{
		Adapter:            h.adapter,
		Storage:            store,
		Artifacts:          artifacts,
		ConnectTimeout:     time.Second,
		DisconnectTimeout:  100 * time.Millisecond,
		Backoff:            circuit.NewBackoff(time.Millisecond, time.Millisecond),
		ReconnectThreshold: 3,
		ReconnectCooldown:  time.Minute,
		OnEvent: func(u domain.SessionUpdate) {
			h.rec.record(u)
			h.broadcaster.PublishUpdate(u)
		},
		Log: testutil.Logger(),
	}
	if configure != nil {
		configure(&cfg)
	}
	h.orch = NewOrchestrator(cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) seed(id, owner string, status domain.Status) domain.Session {
	h.t.Helper()
	return testutil.SeedSession(h.t, h.store, h.ctx, id, owner, status)
}

func (h *harness) create(id string) {
	h.t.Helper()
	_, err := h.store.Create(h.ctx, id, "owner@example.com")
	require.NoError(h.t, err)
}

func (h *harness) row(id string) domain.Session {
	h.t.Helper()
	sess, err := h.store.Find(h.ctx, id)
	require.NoError(h.t, err)
	return sess
}

func (h *harness) waitStatus(id string, status domain.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		sess, err := h.store.Find(h.ctx, id)
		return err == nil && sess.Status == status
	}, waitFor, tick, "session %s never reached %s", id, status)
}

// authenticate connects id and drives it to CONNECTED.
func (h *harness) authenticate(id string) *fakeConn {
	h.t.Helper()
	require.NoError(h.t, h.orch.Connect(h.ctx, id, nil))
	c := h.adapter.conn(-1)
	require.NotNil(h.t, c)
	c.emit(protocol.Event{Type: protocol.EventAuthenticated})
	h.waitStatus(id, domain.StatusConnected)
	require.Eventually(h.t, func() bool {
		return h.orch.Presence(id) == domain.PresenceLive
	}, waitFor, tick)
	return c
}
