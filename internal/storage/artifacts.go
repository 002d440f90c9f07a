package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxArtifactFileSize = 10 * 1024 * 1024 // 10MB

// ArtifactDir is the on-disk layout where protocol adapters persist
// per-session credentials: one sub-directory per session id.
type ArtifactDir struct {
	root string
}

func NewArtifactDir(root string) (*ArtifactDir, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	info, err := os.Stat(root)
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		_ = os.Chmod(root, 0o700)
	}

	return &ArtifactDir{root: root}, nil
}

func (a *ArtifactDir) Root() string {
	return a.root
}

// Path returns the credentials directory for a session. It does not create it.
func (a *ArtifactDir) Path(id string) string {
	return filepath.Join(a.root, id)
}

func (a *ArtifactDir) Exists(id string) bool {
	if ValidateSessionID(id) != nil {
		return false
	}
	info, err := os.Lstat(a.Path(id))
	return err == nil && info.IsDir()
}

// List returns the ids of every artifact directory, sorted. Entries whose
// names are not valid session ids, plain files and symlinks are skipped.
func (a *ArtifactDir) List() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read credentials directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || ValidateSessionID(name) != nil {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the credentials of a session. Missing directories are not
// an error.
func (a *ArtifactDir) Remove(id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(a.Path(id)); err != nil {
		return fmt.Errorf("failed to remove credentials for %s: %w", id, err)
	}
	return nil
}

// WriteFile atomically replaces name inside the session's credentials
// directory.
func (a *ArtifactDir) WriteFile(id, name string, data []byte) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: invalid artifact name %q", ErrStorageWrite, name)
	}

	dir := a.Path(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	f, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Close(); err != nil {
		f = nil
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	return nil
}

// ReadFile reads name from the session's credentials directory.
func (a *ArtifactDir) ReadFile(id, name string) ([]byte, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	path := filepath.Join(a.Path(id), filepath.Base(name))

	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, path)
	}
	if info.Size() > maxArtifactFileSize {
		return nil, fmt.Errorf("artifact %s too large (%d bytes)", path, info.Size())
	}
	return os.ReadFile(path)
}
