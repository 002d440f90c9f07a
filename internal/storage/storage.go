package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ricochet1k/wagate/internal/domain"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrDuplicateSession  = errors.New("session already exists")
	ErrInvalidSessionID  = errors.New("invalid session id")
	ErrStorageWrite      = errors.New("failed to write session data")
	ErrSymlinkNotAllowed = errors.New("symlinks not allowed for session artifacts")
)

// Storage is the durable record of every session. It knows nothing about
// live connections.
type Storage interface {
	Create(ctx context.Context, id, owner string) (domain.Session, error)
	Find(ctx context.Context, id string) (domain.Session, error)
	FindByToken(ctx context.Context, token string) (domain.Session, error)
	// UpdateStatus is a no-op when the row does not exist.
	UpdateStatus(ctx context.Context, id string, status domain.Status, detail string) error
	// SetQR moves the session to GENERATING_QR with the given challenge.
	SetQR(ctx context.Context, id, qr string) error
	// List returns every row when owner is empty.
	List(ctx context.Context, owner string) ([]domain.Session, error)
	Delete(ctx context.Context, id string) error
	// SyncWithFilesystem imports artifacts that have no row and returns the
	// imported ids.
	SyncWithFilesystem(ctx context.Context) ([]string, error)
}

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateSessionID checks id against the allowed character set.
func ValidateSessionID(id string) error {
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// DefaultBaseDir returns the data directory used when none is configured.
func DefaultBaseDir() string {
	if dir := os.Getenv("WAGATE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagate"
	}
	return filepath.Join(home, ".wagate")
}
