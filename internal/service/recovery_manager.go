package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/storage"
)

// Connector is the part of the orchestrator startup recovery drives.
type Connector interface {
	Connect(ctx context.Context, id string, onEvent EventFunc) error
}

// RecoverySummary counts the outcome of the resume attempts started by one
// recovery run.
type RecoverySummary struct {
	Imported []string
	Resumed  []string
	Failed   int
	Skipped  int
}

// RecoveryManager resumes every persisted session once at process start.
type RecoveryManager struct {
	store     storage.Storage
	connector Connector
	onEvent   EventFunc
	log       *logrus.Entry

	once      sync.Once
	wg        sync.WaitGroup
	succeeded atomic.Int64
	failed    atomic.Int64
	done      chan struct{}
}

func NewRecoveryManager(store storage.Storage, connector Connector, onEvent EventFunc, log *logrus.Entry) *RecoveryManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RecoveryManager{
		store:     store,
		connector: connector,
		onEvent:   onEvent,
		log:       log.WithField("component", "recovery"),
		done:      make(chan struct{}),
	}
}

// OnStartup imports sessions found only on disk, marks every live row
// DISCONNECTED and starts one independent resume per row. It returns once
// the resumes are launched; Wait blocks until they finish. A second call
// returns ErrRecoveryRan.
func (r *RecoveryManager) OnStartup(ctx context.Context) (RecoverySummary, error) {
	var (
		summary RecoverySummary
		err     error
		ran     bool
	)
	r.once.Do(func() {
		ran = true
		summary, err = r.run(ctx)
	})
	if !ran {
		return RecoverySummary{}, ErrRecoveryRan
	}
	return summary, err
}

func (r *RecoveryManager) run(ctx context.Context) (RecoverySummary, error) {
	var summary RecoverySummary
	defer func() {
		go func() {
			r.wg.Wait()
			r.log.WithFields(logrus.Fields{
				"resumed": r.succeeded.Load(),
				"failed":  r.failed.Load(),
			}).Info("startup recovery finished")
			close(r.done)
		}()
	}()

	imported, err := r.store.SyncWithFilesystem(ctx)
	if err != nil {
		r.log.WithError(err).Warn("sync with credentials directory failed")
	}
	summary.Imported = imported

	sessions, err := r.store.List(ctx, "")
	if err != nil {
		return summary, fmt.Errorf("recovery list sessions: %w", err)
	}

	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if sess.Status == domain.StatusDeleted {
			summary.Skipped++
			continue
		}

		if err := r.store.UpdateStatus(ctx, sess.ID, domain.StatusDisconnected, domain.DetailRestarting); err != nil {
			r.log.WithField("session", sess.ID).WithError(err).Warn("failed to mark session for restart")
		}

		summary.Resumed = append(summary.Resumed, sess.ID)
		r.wg.Add(1)
		go r.resume(ctx, sess.ID)
	}

	r.log.WithFields(logrus.Fields{
		"sessions": len(summary.Resumed),
		"imported": len(summary.Imported),
		"skipped":  summary.Skipped,
	}).Info("startup recovery started")
	return summary, nil
}

func (r *RecoveryManager) resume(ctx context.Context, id string) {
	defer r.wg.Done()
	log := r.log.WithField("session", id)
	defer func() {
		if p := recover(); p != nil {
			r.failed.Add(1)
			log.WithField("panic", p).Error("session resume panicked")
		}
	}()

	err := r.connector.Connect(ctx, id, r.onEvent)
	switch {
	case err == nil:
		r.succeeded.Add(1)
	case errors.Is(err, ErrConnectSuperseded):
		r.succeeded.Add(1)
		log.Debug("resume superseded by a newer request")
	default:
		r.failed.Add(1)
		log.WithError(err).Warn("failed to resume session")
	}
}

// Wait blocks until every resume started by OnStartup has finished or ctx
// is done.
func (r *RecoveryManager) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result reports resume outcomes so far.
func (r *RecoveryManager) Result() (succeeded, failed int) {
	return int(r.succeeded.Load()), int(r.failed.Load())
}
