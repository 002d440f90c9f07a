// Package loopback is an in-process protocol adapter that simulates a paired
// device. It is used for local development and tests.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/protocol"
	"github.com/ricochet1k/wagate/internal/storage"
)

const credsFile = "creds.json"

var ErrNoConnection = errors.New("no loopback connection for session")

type Config struct {
	Artifacts *storage.ArtifactDir
	// QRInterval is how often a new QR challenge replaces the previous one.
	QRInterval time.Duration
	// PairAfter simulates a scan this long after the first QR. Zero disables
	// automatic pairing; use Pair instead.
	PairAfter time.Duration
	// LoginDelay is how long a login with stored credentials takes.
	LoginDelay time.Duration
	Log        *logrus.Entry
}

// Adapter implements protocol.Adapter.
type Adapter struct {
	cfg   Config
	mu    sync.Mutex
	conns map[string]*conn
}

var _ protocol.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.QRInterval <= 0 {
		cfg.QRInterval = 20 * time.Second
	}
	if cfg.LoginDelay < 0 {
		cfg.LoginDelay = 0
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.Log = cfg.Log.WithField("component", "loopback")
	return &Adapter{cfg: cfg, conns: make(map[string]*conn)}
}

type credentials struct {
	DeviceID string    `json:"device_id"`
	PairedAt time.Time `json:"paired_at"`
}

func (a *Adapter) Open(ctx context.Context, sessionID, credentialsPath string) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.cfg.Artifacts == nil {
		return nil, fmt.Errorf("loopback: no credentials directory configured")
	}

	c := &conn{
		adapter:   a,
		sessionID: sessionID,
		credsPath: filepath.Join(credentialsPath, credsFile),
		events:    make(chan protocol.Event, 8),
		pair:      make(chan struct{}, 1),
		drop:      make(chan protocol.Event, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	a.mu.Lock()
	if prev, ok := a.conns[sessionID]; ok {
		prev.shutdown()
	}
	a.conns[sessionID] = c
	a.mu.Unlock()

	go c.run()
	return c, nil
}

// Pair simulates the user scanning the current QR code.
func (a *Adapter) Pair(sessionID string) error {
	c := a.lookup(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoConnection, sessionID)
	}
	select {
	case c.pair <- struct{}{}:
	default:
	}
	return nil
}

// Drop simulates the remote side closing the connection.
func (a *Adapter) Drop(sessionID, reason string, loggedOut bool) error {
	c := a.lookup(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoConnection, sessionID)
	}
	select {
	case c.drop <- protocol.Event{Type: protocol.EventDisconnected, Reason: reason, LoggedOut: loggedOut}:
	default:
	}
	return nil
}

func (a *Adapter) lookup(sessionID string) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[sessionID]
}

func (a *Adapter) forget(c *conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conns[c.sessionID] == c {
		delete(a.conns, c.sessionID)
	}
}

type conn struct {
	adapter   *Adapter
	sessionID string
	credsPath string
	events    chan protocol.Event
	pair      chan struct{}
	drop      chan protocol.Event
	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func (c *conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *conn) Close(ctx context.Context) error {
	c.shutdown()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *conn) run() {
	defer close(c.done)
	defer close(c.events)
	defer c.adapter.forget(c)

	log := c.adapter.cfg.Log.WithField("session", c.sessionID)

	if c.hasCredentials() {
		if !c.emit(protocol.Event{Type: protocol.EventConnecting}) {
			return
		}
		if !c.sleep(c.adapter.cfg.LoginDelay) {
			return
		}
	} else if !c.awaitPairing(log) {
		return
	}

	if !c.emit(protocol.Event{Type: protocol.EventAuthenticated}) {
		return
	}

	select {
	case <-c.stop:
	case ev := <-c.drop:
		if ev.LoggedOut {
			if err := os.Remove(c.credsPath); err != nil && !os.IsNotExist(err) {
				log.WithError(err).Warn("failed to drop credentials after logout")
			}
		}
		c.emit(ev)
	}
}

func (c *conn) awaitPairing(log *logrus.Entry) bool {
	ticker := time.NewTicker(c.adapter.cfg.QRInterval)
	defer ticker.Stop()

	var autoPair <-chan time.Time
	if c.adapter.cfg.PairAfter > 0 {
		timer := time.NewTimer(c.adapter.cfg.PairAfter)
		defer timer.Stop()
		autoPair = timer.C
	}

	if !c.emit(protocol.Event{Type: protocol.EventQR, QR: newChallenge()}) {
		return false
	}
	for {
		select {
		case <-c.stop:
			return false
		case ev := <-c.drop:
			c.emit(ev)
			return false
		case <-ticker.C:
			if !c.emit(protocol.Event{Type: protocol.EventQR, QR: newChallenge()}) {
				return false
			}
		case <-autoPair:
			return c.storeCredentials(log)
		case <-c.pair:
			return c.storeCredentials(log)
		}
	}
}

func (c *conn) storeCredentials(log *logrus.Entry) bool {
	data, err := json.Marshal(credentials{DeviceID: uuid.NewString(), PairedAt: time.Now().UTC()})
	if err != nil {
		log.WithError(err).Error("failed to encode credentials")
		c.emit(protocol.Event{Type: protocol.EventDisconnected, Reason: "pairing failed"})
		return false
	}
	if err := c.adapter.cfg.Artifacts.WriteFile(c.sessionID, credsFile, data); err != nil {
		log.WithError(err).Error("failed to persist credentials")
		c.emit(protocol.Event{Type: protocol.EventDisconnected, Reason: "pairing failed"})
		return false
	}
	return c.emit(protocol.Event{Type: protocol.EventCredsUpdated})
}

// hasCredentials reports whether a readable credentials file is stored.
// Symlinked or oversized files count as absent.
func (c *conn) hasCredentials() bool {
	data, err := c.adapter.cfg.Artifacts.ReadFile(c.sessionID, credsFile)
	if err != nil {
		return false
	}
	var creds credentials
	return json.Unmarshal(data, &creds) == nil
}

func (c *conn) emit(ev protocol.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

func (c *conn) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stop:
		return false
	}
}

func newChallenge() string {
	return "2@" + uuid.NewString()
}
