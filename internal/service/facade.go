package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/storage"
)

// Caller identifies who is invoking a SessionService operation.
type Caller struct {
	Owner   string
	IsAdmin bool
}

func (c Caller) can(sess domain.Session) bool {
	return sess.VisibleTo(c.Owner, c.IsAdmin)
}

// SessionService is the owner-facing surface over the store, orchestrator,
// reconciler and broadcaster.
type SessionService struct {
	store       storage.Storage
	orch        *Orchestrator
	reconciler  *Reconciler
	broadcaster *EventBroadcaster
	log         *logrus.Entry
}

type SessionServiceConfig struct {
	Storage      storage.Storage
	Orchestrator *Orchestrator
	Reconciler   *Reconciler
	Broadcaster  *EventBroadcaster
	Log          *logrus.Entry
}

func NewSessionService(cfg SessionServiceConfig) *SessionService {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SessionService{
		store:       cfg.Storage,
		orch:        cfg.Orchestrator,
		reconciler:  cfg.Reconciler,
		broadcaster: cfg.Broadcaster,
		log:         log.WithField("component", "sessions"),
	}
}

// CreateSession persists a new session for caller and starts connecting it
// in the background. It returns once the row exists.
func (f *SessionService) CreateSession(ctx context.Context, caller Caller, id string) (domain.Session, error) {
	sess, err := f.store.Create(ctx, id, caller.Owner)
	if err != nil {
		return domain.Session{}, err
	}
	f.broadcaster.PublishUpdate(sess.Update())
	f.log.WithFields(logrus.Fields{"session": id, "owner": caller.Owner}).Info("session created")

	f.orch.ConnectAsync(id)
	return sess, nil
}

// ListSessions returns the caller's sessions, every session for admins,
// reconciled against live state.
func (f *SessionService) ListSessions(ctx context.Context, caller Caller) ([]domain.Session, error) {
	owner := caller.Owner
	if caller.IsAdmin {
		owner = ""
	} else if owner == "" {
		return []domain.Session{}, nil
	}

	sessions, err := f.store.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	return f.reconciler.ApplyAll(ctx, sessions), nil
}

// GetSession returns one reconciled session.
func (f *SessionService) GetSession(ctx context.Context, caller Caller, id string) (domain.Session, error) {
	sess, err := f.authorize(ctx, caller, id)
	if err != nil {
		return domain.Session{}, err
	}
	return f.reconciler.Apply(ctx, sess), nil
}

// SessionByToken resolves a session from its API token.
func (f *SessionService) SessionByToken(ctx context.Context, token string) (domain.Session, error) {
	sess, err := f.store.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return domain.Session{}, ErrSessionNotFound
		}
		return domain.Session{}, err
	}
	return f.reconciler.Apply(ctx, sess), nil
}

// DeleteSession stops the connection, removes credentials and the row, and
// publishes session-deleted. A credentials removal failure is logged and
// does not stop the delete.
func (f *SessionService) DeleteSession(ctx context.Context, caller Caller, id string) error {
	sess, err := f.authorize(ctx, caller, id)
	if err != nil {
		return err
	}
	log := f.log.WithField("session", id)

	if err := f.orch.Retire(ctx, id); err != nil {
		log.WithError(err).Warn("failed to stop connection for delete")
	}
	if err := f.orch.DeleteSessionData(id); err != nil {
		log.WithError(err).Warn("failed to remove credentials")
	}
	if err := f.store.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	f.orch.Forget(id)

	f.broadcaster.Publish(domain.NewSessionDeletedEvent(id, sess.Owner))
	log.Info("session deleted")
	return nil
}

// TriggerReconnect requests a fresh connection, which yields a new QR code
// for unpaired sessions. It also clears a paused reconnect breaker. It
// reports false for unknown ids.
func (f *SessionService) TriggerReconnect(ctx context.Context, caller Caller, id string) (bool, error) {
	if _, err := f.authorize(ctx, caller, id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	f.orch.ResetReconnect(id)
	f.orch.ConnectAsync(id)
	return true, nil
}

// Logout disconnects the session and discards its credentials so the next
// connect starts a new pairing.
func (f *SessionService) Logout(ctx context.Context, caller Caller, id string) error {
	if _, err := f.authorize(ctx, caller, id); err != nil {
		return err
	}
	if err := f.orch.Logout(ctx, id); err != nil {
		return err
	}
	f.log.WithField("session", id).Info("session logged out")
	return nil
}

func (f *SessionService) authorize(ctx context.Context, caller Caller, id string) (domain.Session, error) {
	sess, err := f.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return domain.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return domain.Session{}, err
	}
	if !caller.can(sess) {
		return domain.Session{}, ErrForbidden
	}
	return sess, nil
}
