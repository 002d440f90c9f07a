package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ricochet1k/wagate/internal/domain"
)

// SQLiteStore is the Storage backed by a single SQLite database file.
type SQLiteStore struct {
	db        *sql.DB
	artifacts *ArtifactDir
	log       *logrus.Entry
	now       func() time.Time
}

var _ Storage = (*SQLiteStore)(nil)

// Open opens (or creates) the database at path and applies migrations.
// artifacts may be nil, in which case SyncWithFilesystem imports nothing.
func Open(ctx context.Context, path string, artifacts *ArtifactDir, log *logrus.Entry) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SQLiteStore{
		db:        db,
		artifacts: artifacts,
		log:       log.WithField("component", "store"),
		now:       time.Now,
	}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sessionColumns = `id, owner, status, detail, qr, token, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, id, owner string) (domain.Session, error) {
	if err := ValidateSessionID(id); err != nil {
		return domain.Session{}, err
	}
	now := s.now().UTC()
	sess := domain.Session{
		ID:        id,
		Owner:     strings.TrimSpace(owner),
		Status:    domain.StatusInitializing,
		Detail:    domain.DetailCreated,
		Token:     uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, sess.ID, sess.Owner, sess.Status.String(), sess.Detail, sess.QR, sess.Token, ts(sess.CreatedAt), ts(sess.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return domain.Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
		}
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Find(ctx context.Context, id string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("find session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) FindByToken(ctx context.Context, token string) (domain.Session, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Session{}, ErrSessionNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("find session by token: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.Status, detail string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, detail = ?, qr = '', updated_at = ? WHERE id = ?`,
		status.String(), detail, ts(s.now()), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	s.logMissing(res, id, "status update")
	return nil
}

func (s *SQLiteStore) SetQR(ctx context.Context, id, qr string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, detail = ?, qr = ?, updated_at = ? WHERE id = ?`,
		domain.StatusGeneratingQR.String(), domain.DetailScanQR, qr, ts(s.now()), id)
	if err != nil {
		return fmt.Errorf("update session qr: %w", err)
	}
	s.logMissing(res, id, "qr update")
	return nil
}

// logMissing records writes that matched no row. The orchestrator can race a
// delete, so this is expected and not an error.
func (s *SQLiteStore) logMissing(res sql.Result, id, op string) {
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		s.log.WithField("session", id).Debugf("%s for unknown session ignored", op)
	}
}

func (s *SQLiteStore) List(ctx context.Context, owner string) ([]domain.Session, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if owner == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE owner = ? ORDER BY created_at, id`, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected delete session: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) SyncWithFilesystem(ctx context.Context) ([]string, error) {
	if s.artifacts == nil {
		return nil, nil
	}
	ids, err := s.artifacts.List()
	if err != nil {
		return nil, err
	}

	imported := make([]string, 0)
	for _, id := range ids {
		now := ts(s.now())
		res, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(`+sessionColumns+`)
VALUES (?, '', ?, ?, '', ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, id, domain.StatusDisconnected.String(), domain.DetailImported, uuid.NewString(), now, now)
		if err != nil {
			return imported, fmt.Errorf("import session %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			imported = append(imported, id)
		}
	}
	if len(imported) > 0 {
		s.log.WithField("imported", imported).Info("imported sessions from credentials directory")
	}
	return imported, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		sess      domain.Session
		status    string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&sess.ID, &sess.Owner, &status, &sess.Detail, &sess.QR, &sess.Token, &createdAt, &updatedAt); err != nil {
		return domain.Session{}, err
	}
	st, err := domain.ParseStatus(status)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Status = st
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return domain.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return domain.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return sess, nil
}

// tsLayout is fixed width so that timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") ||
		strings.Contains(msg, "PRIMARY KEY")
}
