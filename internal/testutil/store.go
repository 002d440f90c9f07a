package testutil

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/storage"
)

// Logger returns a logger that discards output, for wiring into components
// under test.
func Logger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l)
}

// NewStore opens a migrated SQLite store and credentials directory under
// t.TempDir().
func NewStore(t *testing.T) (*storage.SQLiteStore, *storage.ArtifactDir, context.Context) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	artifacts, err := storage.NewArtifactDir(filepath.Join(dir, "credentials"))
	if err != nil {
		t.Fatalf("create artifact dir: %v", err)
	}
	store, err := storage.Open(ctx, filepath.Join(dir, "wagate-test.db"), artifacts, Logger())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, artifacts, ctx
}

// SeedSession creates a session and forces it into status.
func SeedSession(t *testing.T, store storage.Storage, ctx context.Context, id, owner string, status domain.Status) domain.Session {
	t.Helper()
	if _, err := store.Create(ctx, id, owner); err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
	if err := store.UpdateStatus(ctx, id, status, "seeded"); err != nil {
		t.Fatalf("seed status %s: %v", id, err)
	}
	sess, err := store.Find(ctx, id)
	if err != nil {
		t.Fatalf("reload seeded session %s: %v", id, err)
	}
	return sess
}
