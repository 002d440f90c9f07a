package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArtifactDir_CreatesRestrictedDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "creds")
	dir, err := NewArtifactDir(root)
	require.NoError(t, err)
	assert.Equal(t, root, dir.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestArtifactDir_WriteReadRemove(t *testing.T) {
	dir, err := NewArtifactDir(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, dir.WriteFile("s1", "creds.json", []byte(`{"me":"1"}`)))
	assert.True(t, dir.Exists("s1"))

	data, err := dir.ReadFile("s1", "creds.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"me":"1"}`, string(data))

	info, err := os.Stat(filepath.Join(dir.Path("s1"), "creds.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir.Path("s1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, dir.Remove("s1"))
	assert.False(t, dir.Exists("s1"))
	assert.NoError(t, dir.Remove("s1"), "remove is idempotent")
}

func TestArtifactDir_RejectsTraversal(t *testing.T) {
	dir, err := NewArtifactDir(t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, dir.WriteFile("../x", "creds.json", nil), ErrInvalidSessionID)
	assert.ErrorIs(t, dir.WriteFile("s1", "../creds.json", nil), ErrStorageWrite)
	assert.ErrorIs(t, dir.WriteFile("s1", ".hidden", nil), ErrStorageWrite)
	assert.ErrorIs(t, dir.Remove("../.."), ErrInvalidSessionID)
	assert.False(t, dir.Exists(".."))
}

func TestArtifactDir_ReadRejectsSymlink(t *testing.T) {
	dir, err := NewArtifactDir(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, dir.WriteFile("s1", "real.json", []byte("{}")))

	target := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(target, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(target, filepath.Join(dir.Path("s1"), "link.json")))

	_, err = dir.ReadFile("s1", "link.json")
	assert.ErrorIs(t, err, ErrSymlinkNotAllowed)
}

func TestArtifactDir_ListSkipsSymlinksAndInvalidNames(t *testing.T) {
	dir, err := NewArtifactDir(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, dir.WriteFile("b", "creds.json", nil))
	require.NoError(t, dir.WriteFile("a", "creds.json", nil))
	require.NoError(t, os.Mkdir(filepath.Join(dir.Root(), ".tmp"), 0o700))
	require.NoError(t, os.Symlink(dir.Path("a"), filepath.Join(dir.Root(), "alias")))

	ids, err := dir.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestArtifactDir_ListMissingRoot(t *testing.T) {
	dir := &ArtifactDir{root: filepath.Join(t.TempDir(), "nope")}
	ids, err := dir.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestValidateSessionID(t *testing.T) {
	for _, id := range []string{"a", "A-b_c", "0123456789"} {
		assert.NoError(t, ValidateSessionID(id))
	}
	for _, id := range []string{"", "a b", "a/b", "é"} {
		assert.ErrorIs(t, ValidateSessionID(id), ErrInvalidSessionID)
	}
}

func TestDefaultBaseDir_EnvOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv("WAGATE_DATA_DIR", base)
	assert.Equal(t, base, DefaultBaseDir())
}
