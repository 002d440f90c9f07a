package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/storage"
)

const DefaultWatchDebounce = 500 * time.Millisecond

// ArtifactWatcher imports credential directories that appear on disk while
// the process runs, such as ones restored from a backup.
type ArtifactWatcher struct {
	root        string
	store       storage.Storage
	broadcaster *EventBroadcaster
	debounce    time.Duration
	log         *logrus.Entry

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewArtifactWatcher(root string, store storage.Storage, broadcaster *EventBroadcaster, debounce time.Duration, log *logrus.Entry) *ArtifactWatcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ArtifactWatcher{
		root:        root,
		store:       store,
		broadcaster: broadcaster,
		debounce:    debounce,
		log:         log.WithField("component", "artifact-watcher"),
	}
}

func (w *ArtifactWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.root); err != nil {
		watcher.Close() //nolint:errcheck
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.watcher = watcher
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

func (w *ArtifactWatcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *ArtifactWatcher) watchLoop() {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watch error")
		case <-pending:
			pending = nil
			w.sync()
		}
	}
}

func (w *ArtifactWatcher) sync() {
	ctx, cancel := context.WithTimeout(w.ctx, storeTimeout)
	defer cancel()

	imported, err := w.store.SyncWithFilesystem(ctx)
	if err != nil {
		w.log.WithError(err).Warn("sync with credentials directory failed")
	}
	for _, id := range imported {
		sess, err := w.store.Find(ctx, id)
		if err != nil {
			continue
		}
		w.broadcaster.PublishUpdate(sess.Update())
	}
}
