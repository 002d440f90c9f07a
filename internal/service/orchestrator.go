package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ricochet1k/wagate/internal/circuit"
	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/protocol"
	"github.com/ricochet1k/wagate/internal/storage"
)

const (
	DefaultConnectTimeout     = 30 * time.Second
	DefaultDisconnectTimeout  = 5 * time.Second
	DefaultReconnectThreshold = 5
	DefaultReconnectCooldown  = 5 * time.Minute

	storeTimeout = 5 * time.Second
)

// DefaultBackoff is the retry schedule for a failing Open: five retries
// doubling from one second.
var DefaultBackoff = circuit.Exponential(time.Second, 16*time.Second, 5)

// EventFunc receives every status transition the orchestrator persists.
// It is called with the session's lock held and must not call back into the
// orchestrator for the same session.
type EventFunc func(domain.SessionUpdate)

// Credentials locates and removes per-session credential directories.
// *storage.ArtifactDir implements it.
type Credentials interface {
	Path(id string) string
	Remove(id string) error
}

type OrchestratorConfig struct {
	Adapter   protocol.Adapter
	Storage   storage.Storage
	Artifacts Credentials

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	Backoff           circuit.Backoff

	// ReconnectThreshold unexpected disconnects within ReconnectCooldown
	// pause automatic reconnection for that long. Authenticating in between
	// does not clear the count.
	ReconnectThreshold int
	ReconnectCooldown  time.Duration

	// OnEvent is used for sessions connected without an explicit EventFunc.
	OnEvent EventFunc
	Log     *logrus.Entry
}

// Handle is a snapshot of a live connection.
type Handle struct {
	SessionID       string
	Conn            protocol.Conn
	Authenticated   bool
	OpenedAt        time.Time
	AuthenticatedAt time.Time
}

type liveHandle struct {
	conn            protocol.Conn
	authenticated   bool
	openedAt        time.Time
	authenticatedAt time.Time
}

// slot serializes every lifecycle operation on one session id.
type slot struct {
	mu      sync.Mutex
	id      string
	gen     uint64
	handle  *liveHandle
	cancel  context.CancelFunc
	onEvent EventFunc
	breaker *circuit.Breaker
	retired bool

	// losses counts unexpected disconnects since the last explicit
	// reconnect or stable connection; it picks the reconnect delay.
	losses int
}

func (s *slot) presence() domain.Presence {
	switch {
	case s.handle == nil:
		return domain.PresenceAbsent
	case s.handle.authenticated:
		return domain.PresenceLive
	default:
		return domain.PresencePending
	}
}

// stopLocked invalidates every in-flight attempt and event stream for the
// slot and detaches the live handle, which the caller must close.
func (s *slot) stopLocked() *liveHandle {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	h := s.handle
	s.handle = nil
	return h
}

// Orchestrator owns the live protocol connections, at most one per session.
type Orchestrator struct {
	cfg    OrchestratorConfig
	slots  map[string]*slot
	mu     sync.RWMutex
	flight singleflight.Group
	log    *logrus.Entry
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// bgMu orders background starts against Shutdown's wait.
	bgMu     sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if cfg.Backoff.IsZero() {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ReconnectThreshold <= 0 {
		cfg.ReconnectThreshold = DefaultReconnectThreshold
	}
	if cfg.ReconnectCooldown <= 0 {
		cfg.ReconnectCooldown = DefaultReconnectCooldown
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Orchestrator{
		cfg:    cfg,
		slots:  make(map[string]*slot),
		log:    cfg.Log.WithField("component", "orchestrator"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (o *Orchestrator) slot(id string) *slot {
	o.mu.RLock()
	s, ok := o.slots[id]
	o.mu.RUnlock()
	if ok {
		return s
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.slots[id]; ok {
		return s
	}
	s = &slot{
		id:      id,
		onEvent: o.cfg.OnEvent,
		breaker: circuit.NewBreaker(o.cfg.ReconnectThreshold, o.cfg.ReconnectCooldown),
	}
	o.slots[id] = s
	return s
}

// lockSlot returns the id's current slot, locked. A slot dropped from the map
// while the caller waited for its lock is skipped.
func (o *Orchestrator) lockSlot(id string) *slot {
	for {
		s := o.slot(id)
		s.mu.Lock()
		if o.lookup(id) == s {
			return s
		}
		s.mu.Unlock()
	}
}

// dropIdleLocked removes s from the map when it holds no connection and no
// attempt. The caller holds s.mu.
func (o *Orchestrator) dropIdleLocked(s *slot) {
	if s.handle != nil || s.cancel != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.slots[s.id] == s {
		delete(o.slots, s.id)
	}
}

func (o *Orchestrator) lookup(id string) *slot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.slots[id]
}

func (o *Orchestrator) snapshot() []*slot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	slots := make([]*slot, 0, len(o.slots))
	for _, s := range o.slots {
		slots = append(slots, s)
	}
	return slots
}

// Connect makes sure the session has a live connection. An authenticated
// handle is left alone; a pending one is torn down and replaced, which is
// how a fresh QR code is requested. Concurrent calls for the same id share
// one attempt. onEvent, when non-nil, replaces the session's event sink.
//
// ctx bounds how long the caller waits, not the attempt itself.
func (o *Orchestrator) Connect(ctx context.Context, id string, onEvent EventFunc) error {
	if o.ctx.Err() != nil {
		return ErrShutdown
	}
	if err := storage.ValidateSessionID(id); err != nil {
		return err
	}

	ch := o.flight.DoChan(id, func() (any, error) {
		return nil, o.connect(id, onEvent)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectAsync runs Connect in the background and logs the outcome.
func (o *Orchestrator) ConnectAsync(id string) {
	o.goTracked(func() {
		if err := o.Connect(o.ctx, id, nil); err != nil && !errors.Is(err, ErrConnectSuperseded) {
			o.log.WithField("session", id).WithError(err).Warn("background connect failed")
		}
	})
}

// goTracked runs fn on a goroutine Shutdown waits for. It reports false,
// without running fn, once Shutdown has started.
func (o *Orchestrator) goTracked(fn func()) bool {
	o.bgMu.Lock()
	defer o.bgMu.Unlock()
	if o.stopping {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
	return true
}

func (o *Orchestrator) connect(id string, onEvent EventFunc) error {
	s := o.lockSlot(id)
	log := o.log.WithField("session", id)

	if s.retired {
		s.mu.Unlock()
		return ErrSessionDeleted
	}
	if err := o.checkRow(id); err != nil {
		s.mu.Unlock()
		return err
	}
	if onEvent != nil {
		s.onEvent = onEvent
	}
	if h := s.handle; h != nil && h.authenticated {
		s.mu.Unlock()
		return nil
	}
	stale := s.stopLocked()
	gen := s.gen
	attemptCtx, cancel := context.WithCancel(o.ctx)
	s.cancel = cancel
	o.setStatus(s, domain.StatusInitializing, domain.DetailInitializing)
	s.mu.Unlock()
	defer cancel()

	if stale != nil {
		log.Debug("replacing unauthenticated connection")
		o.closeHandle(o.ctx, id, stale)
	}

	maxAttempts := o.cfg.Backoff.MaxAttempts()
	for attempt := 1; ; attempt++ {
		openCtx, openCancel := context.WithTimeout(attemptCtx, o.cfg.ConnectTimeout)
		conn, err := o.cfg.Adapter.Open(openCtx, id, o.credentialsPath(id))
		openCancel()

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			if conn != nil {
				o.closeHandle(o.ctx, id, &liveHandle{conn: conn})
			}
			return ErrConnectSuperseded
		}

		if err == nil {
			h := &liveHandle{conn: conn, openedAt: o.now()}
			s.handle = h
			s.cancel = nil
			s.mu.Unlock()

			if !o.goTracked(func() { o.pump(s, h) }) {
				// Shutdown closes the attached handle.
				return ErrShutdown
			}
			log.WithField("attempt", attempt).Debug("connection opened")
			return nil
		}

		delay, retry := o.cfg.Backoff.Delay(attempt)
		if !retry || o.ctx.Err() != nil {
			s.cancel = nil
			o.setStatus(s, domain.StatusDisconnected,
				fmt.Sprintf("Connection failed after %d attempt(s): %v", attempt, err))
			s.mu.Unlock()
			log.WithError(err).WithField("attempts", attempt).Warn("giving up on connection")
			return &ConnectionError{SessionID: id, Attempts: attempt, Err: err}
		}

		o.setStatus(s, domain.StatusConnecting,
			fmt.Sprintf("Retrying in %s (attempt %d/%d)", delay, attempt+1, maxAttempts))
		s.mu.Unlock()
		log.WithError(err).WithField("attempt", attempt).Infof("connect failed, retrying in %s", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-attemptCtx.Done():
			timer.Stop()
			return ErrConnectSuperseded
		}
	}
}

func (o *Orchestrator) checkRow(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	sess, err := o.cfg.Storage.Find(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return err
	}
	if sess.Status == domain.StatusDeleted {
		return ErrSessionDeleted
	}
	return nil
}

func (o *Orchestrator) credentialsPath(id string) string {
	if o.cfg.Artifacts == nil {
		return ""
	}
	return o.cfg.Artifacts.Path(id)
}

// pump forwards adapter events for one handle until the handle is replaced,
// removed, or reports a disconnect.
func (o *Orchestrator) pump(s *slot, h *liveHandle) {
	events := h.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				ev = protocol.Event{Type: protocol.EventDisconnected, Reason: "connection closed"}
			}
			if done := o.handleEvent(s, h, ev); done || !ok {
				return
			}
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleEvent(s *slot, h *liveHandle, ev protocol.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != h {
		return true
	}

	log := o.log.WithField("session", s.id)
	switch ev.Type {
	case protocol.EventQR:
		o.setQR(s, ev.QR)
	case protocol.EventConnecting:
		o.setStatus(s, domain.StatusConnecting, domain.DetailConnecting)
	case protocol.EventAuthenticated:
		h.authenticated = true
		h.authenticatedAt = o.now()
		o.setStatus(s, domain.StatusConnected, domain.DetailConnected)
		log.Info("session authenticated")
	case protocol.EventCredsUpdated:
		log.Debug("credentials updated")
	case protocol.EventDisconnected:
		o.lostLocked(s, h, ev)
		return true
	default:
		log.WithField("event", string(ev.Type)).Debug("ignoring unknown adapter event")
	}
	return false
}

// lostLocked handles an unexpected disconnect reported by the adapter.
func (o *Orchestrator) lostLocked(s *slot, h *liveHandle, ev protocol.Event) {
	log := o.log.WithField("session", s.id)
	s.handle = nil
	s.gen++
	o.closeAsync(s.id, h)

	if ev.LoggedOut {
		if err := o.DeleteSessionData(s.id); err != nil {
			log.WithError(err).Warn("failed to remove credentials after logout")
		}
		o.setStatus(s, domain.StatusDisconnected, domain.DetailLoggedOut)
		log.Info("session logged out remotely")
		return
	}

	reason := ev.Reason
	if reason == "" {
		reason = "unknown"
	}
	detail := domain.DetailConnectionLost + ": " + reason

	if h.authenticated && o.now().Sub(h.authenticatedAt) >= o.cfg.ReconnectCooldown {
		s.losses = 0
	}
	s.losses++
	s.breaker.RecordFailure()
	if !s.breaker.Allow() {
		pause := s.breaker.CooldownRemaining().Round(time.Second)
		o.setStatus(s, domain.StatusDisconnected, fmt.Sprintf("%s; reconnect paused for %s", detail, pause))
		log.WithField("threshold", o.cfg.ReconnectThreshold).Warnf("reconnect paused for %s", pause)
		return
	}

	delay := o.reconnectDelay(s.losses)
	o.setStatus(s, domain.StatusDisconnected, detail)
	log.WithFields(logrus.Fields{"reason": reason, "losses": s.losses}).Infof("connection lost, reconnecting in %s", delay)
	o.scheduleReconnect(s, s.gen, delay)
}

// reconnectDelay steps through the backoff schedule with each loss and stays
// at its last delay once exhausted.
func (o *Orchestrator) reconnectDelay(losses int) time.Duration {
	delays := o.cfg.Backoff.Delays()
	if len(delays) == 0 {
		return 0
	}
	if losses < 1 {
		losses = 1
	}
	if losses > len(delays) {
		losses = len(delays)
	}
	return delays[losses-1]
}

func (o *Orchestrator) scheduleReconnect(s *slot, gen uint64, delay time.Duration) {
	o.goTracked(func() {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-o.ctx.Done():
			timer.Stop()
			return
		}

		s.mu.Lock()
		current := s.gen == gen && !s.retired
		s.mu.Unlock()
		if !current {
			return
		}
		if err := o.Connect(o.ctx, s.id, nil); err != nil && !errors.Is(err, ErrConnectSuperseded) {
			o.log.WithField("session", s.id).WithError(err).Warn("reconnect failed")
		}
	})
}

// Disconnect closes the session's connection, cancels any attempt in flight
// and records DISCONNECTED.
func (o *Orchestrator) Disconnect(ctx context.Context, id string) error {
	o.stop(ctx, id, func(s *slot) {
		o.setStatus(s, domain.StatusDisconnected, domain.DetailDisconnected)
	})
	return nil
}

// Retire is Disconnect for a session about to be deleted. Later Connect calls
// for the id fail with ErrSessionDeleted.
func (o *Orchestrator) Retire(ctx context.Context, id string) error {
	o.stop(ctx, id, func(s *slot) {
		s.retired = true
		o.setStatus(s, domain.StatusDeleted, domain.DetailDeleting)
	})
	return nil
}

// Logout is Disconnect that also removes the session's credentials, so the
// next connect starts a new pairing. Credentials are removed before the
// status is written, all under the session's lock.
func (o *Orchestrator) Logout(ctx context.Context, id string) error {
	var wipeErr error
	o.stop(ctx, id, func(s *slot) {
		s.losses = 0
		s.breaker.Reset()
		if wipeErr = o.DeleteSessionData(id); wipeErr != nil {
			o.setStatus(s, domain.StatusDisconnected, domain.DetailDisconnected)
			return
		}
		o.setStatus(s, domain.StatusDisconnected, domain.DetailLoggedOut)
	})
	if wipeErr != nil {
		return fmt.Errorf("remove credentials for %s: %w", id, wipeErr)
	}
	return nil
}

// stop detaches and closes the session's handle, running record under the
// session's lock in between.
func (o *Orchestrator) stop(ctx context.Context, id string, record func(s *slot)) {
	s := o.lockSlot(id)
	h := s.stopLocked()
	record(s)
	s.mu.Unlock()

	if h != nil {
		o.closeHandle(ctx, id, h)
	}
}

// Forget drops the in-memory state of a deleted session.
func (o *Orchestrator) Forget(id string) {
	o.mu.Lock()
	delete(o.slots, id)
	o.mu.Unlock()
	o.flight.Forget(id)
}

// closeAsync closes h in the background. Once Shutdown has started it closes
// inline instead.
func (o *Orchestrator) closeAsync(id string, h *liveHandle) {
	if !o.goTracked(func() { o.closeHandle(o.ctx, id, h) }) {
		o.closeHandle(context.Background(), id, h)
	}
}

// closeHandle waits at most DisconnectTimeout for the adapter to close. The
// handle is already detached, so a slow close only leaks the adapter's own
// goroutine.
func (o *Orchestrator) closeHandle(ctx context.Context, id string, h *liveHandle) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	closeCtx, cancel := context.WithTimeout(ctx, o.cfg.DisconnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.conn.Close(closeCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, protocol.ErrClosed) {
			o.log.WithField("session", id).WithError(err).Debug("close connection")
		}
	case <-closeCtx.Done():
		o.log.WithField("session", id).Warn("connection did not close in time, discarded")
	}
}

// GetSocket returns the session's live handle, authenticated or not.
func (o *Orchestrator) GetSocket(id string) (Handle, bool) {
	s := o.lookup(id)
	if s == nil {
		return Handle{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return Handle{}, false
	}
	return s.handleView(), true
}

func (s *slot) handleView() Handle {
	return Handle{
		SessionID:       s.id,
		Conn:            s.handle.conn,
		Authenticated:   s.handle.authenticated,
		OpenedAt:        s.handle.openedAt,
		AuthenticatedAt: s.handle.authenticatedAt,
	}
}

// ActiveSessions snapshots every live handle.
func (o *Orchestrator) ActiveSessions() map[string]Handle {
	active := make(map[string]Handle)
	for _, s := range o.snapshot() {
		s.mu.Lock()
		if s.handle != nil {
			active[s.id] = s.handleView()
		}
		s.mu.Unlock()
	}
	return active
}

func (o *Orchestrator) Presence(id string) domain.Presence {
	s := o.lookup(id)
	if s == nil {
		return domain.PresenceAbsent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence()
}

// DeleteSessionData removes the session's on-disk credentials.
func (o *Orchestrator) DeleteSessionData(id string) error {
	if o.cfg.Artifacts == nil {
		return nil
	}
	return o.cfg.Artifacts.Remove(id)
}

// ResetReconnect clears the session's reconnect breaker and backoff step.
func (o *Orchestrator) ResetReconnect(id string) {
	s := o.lookup(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.losses = 0
	s.breaker.Reset()
}

// withSlot runs fn with the session's lock held.
func (o *Orchestrator) withSlot(id string, fn func(s *slot)) {
	s := o.lockSlot(id)
	defer s.mu.Unlock()
	fn(s)
}

func (o *Orchestrator) setStatus(s *slot, status domain.Status, detail string) {
	o.persist(s, func(ctx context.Context) error {
		return o.cfg.Storage.UpdateStatus(ctx, s.id, status, detail)
	})
}

func (o *Orchestrator) setQR(s *slot, qr string) {
	o.persist(s, func(ctx context.Context) error {
		return o.cfg.Storage.SetQR(ctx, s.id, qr)
	})
}

// persist applies write and emits the resulting row. Rows that no longer
// exist produce no event.
func (o *Orchestrator) persist(s *slot, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	log := o.log.WithField("session", s.id)
	if err := write(ctx); err != nil {
		log.WithError(err).Warn("failed to persist session status")
		return
	}
	sess, err := o.cfg.Storage.Find(ctx, s.id)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			log.WithError(err).Warn("failed to reload session")
		}
		return
	}
	if s.onEvent != nil {
		s.onEvent(sess.Update())
	}
}

// Shutdown closes every connection and waits for background work. Rows keep
// their last status; startup recovery resumes them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.bgMu.Lock()
	o.stopping = true
	o.bgMu.Unlock()
	o.cancel()

	var closing sync.WaitGroup
	for _, s := range o.snapshot() {
		s.mu.Lock()
		h := s.stopLocked()
		s.mu.Unlock()
		if h == nil {
			continue
		}
		closing.Add(1)
		go func(id string, h *liveHandle) {
			defer closing.Done()
			o.closeHandle(ctx, id, h)
		}(s.id, h)
	}
	closing.Wait()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
