package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/storage"
)

const (
	DefaultStuckTimeout      = 2 * time.Minute
	DefaultReconcileInterval = 30 * time.Second
)

// Drift is the kind of disagreement Reconcile found between a stored row and
// the orchestrator's live state.
type Drift int

const (
	DriftNone Drift = iota
	// DriftStaleConnected: the row says CONNECTED but no authenticated
	// handle exists. A pending handle downgrades it to CONNECTING.
	DriftStaleConnected
	// DriftStuck: the row has sat in a transitional status too long.
	DriftStuck
	// DriftLive: an authenticated handle exists but the row disagrees.
	DriftLive
)

func (d Drift) String() string {
	switch d {
	case DriftNone:
		return "none"
	case DriftStaleConnected:
		return "stale-connected"
	case DriftStuck:
		return "stuck"
	case DriftLive:
		return "live"
	default:
		return "unknown"
	}
}

// Reconcile derives the status a row should have given the live handle's
// presence. It has no side effects.
func Reconcile(sess domain.Session, presence domain.Presence, now time.Time, stuckAfter time.Duration) (domain.Session, Drift) {
	if sess.Status == domain.StatusDeleted {
		return sess, DriftNone
	}

	if presence == domain.PresenceLive {
		if sess.Status != domain.StatusConnected {
			return sess.WithStatus(domain.StatusConnected, domain.DetailConnected, now), DriftLive
		}
		return sess, DriftNone
	}

	if sess.Status == domain.StatusConnected {
		if presence == domain.PresencePending {
			return sess.WithStatus(domain.StatusConnecting, domain.DetailConnecting, now), DriftStaleConnected
		}
		return sess.WithStatus(domain.StatusDisconnected, domain.DetailConnectionLost, now), DriftStaleConnected
	}

	if stuckAfter > 0 && sess.Status.InFlight() && now.Sub(sess.UpdatedAt) > stuckAfter {
		detail := fmt.Sprintf("Timed out while %s", sess.Status)
		return sess.WithStatus(domain.StatusDisconnected, detail, now), DriftStuck
	}

	return sess, DriftNone
}

// Reconciler repairs stored status against live connection state, both on
// read and periodically.
type Reconciler struct {
	orch       *Orchestrator
	store      storage.Storage
	stuckAfter time.Duration
	log        *logrus.Entry
	now        func() time.Time
}

func NewReconciler(orch *Orchestrator, store storage.Storage, stuckAfter time.Duration, log *logrus.Entry) *Reconciler {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{
		orch:       orch,
		store:      store,
		stuckAfter: stuckAfter,
		log:        log.WithField("component", "reconciler"),
		now:        time.Now,
	}
}

// Apply returns the reconciled view of sess, persisting and broadcasting any
// correction. The row is re-read under the session's lock so the decision
// is made against a consistent pair of row and handle. Sessions without
// in-memory state are only locked when their row needs a repair.
func (r *Reconciler) Apply(ctx context.Context, sess domain.Session) domain.Session {
	if r.orch.lookup(sess.ID) == nil {
		if fixed, drift := Reconcile(sess, domain.PresenceAbsent, r.now(), r.stuckAfter); drift == DriftNone {
			return fixed
		}
	}

	out := sess
	r.orch.withSlot(sess.ID, func(s *slot) {
		current, err := r.store.Find(ctx, sess.ID)
		if err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				r.orch.dropIdleLocked(s)
			} else {
				r.log.WithField("session", sess.ID).WithError(err).Warn("reload for reconcile")
			}
			return
		}

		fixed, drift := Reconcile(current, s.presence(), r.now(), r.stuckAfter)
		out = fixed
		if drift == DriftNone {
			return
		}

		r.log.WithFields(logrus.Fields{
			"session": sess.ID,
			"drift":   drift.String(),
			"stored":  current.Status.String(),
			"fixed":   fixed.Status.String(),
		}).Warn("status drift repaired")

		if drift == DriftStuck {
			if h := s.stopLocked(); h != nil {
				r.orch.closeAsync(sess.ID, h)
			}
		}
		r.orch.setStatus(s, fixed.Status, fixed.Detail)
	})
	return out
}

// ApplyAll reconciles a list in place order.
func (r *Reconciler) ApplyAll(ctx context.Context, sessions []domain.Session) []domain.Session {
	out := make([]domain.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, r.Apply(ctx, sess))
	}
	return out
}

// Sweep reconciles every stored session once.
func (r *Reconciler) Sweep(ctx context.Context) error {
	sessions, err := r.store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list sessions for reconcile: %w", err)
	}
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Apply(ctx, sess)
	}
	return nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.WithError(err).Warn("reconcile sweep failed")
			}
		}
	}
}
