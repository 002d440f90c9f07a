package loopback

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/wagate/internal/protocol"
	"github.com/ricochet1k/wagate/internal/storage"
)

func newAdapter(t *testing.T, cfg Config) (*Adapter, *storage.ArtifactDir) {
	t.Helper()
	dir, err := storage.NewArtifactDir(t.TempDir())
	require.NoError(t, err)
	cfg.Artifacts = dir
	return New(cfg), dir
}

func next(t *testing.T, c protocol.Conn) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func TestPairingFlow(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: time.Hour})
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	defer c.Close(ctx)

	ev := next(t, c)
	assert.Equal(t, protocol.EventQR, ev.Type)
	assert.NotEmpty(t, ev.QR)

	require.NoError(t, a.Pair("s1"))
	assert.Equal(t, protocol.EventCredsUpdated, next(t, c).Type)
	assert.Equal(t, protocol.EventAuthenticated, next(t, c).Type)
	assert.True(t, dir.Exists("s1"))

	data, err := dir.ReadFile("s1", credsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "device_id")
}

func TestQRRotates(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: 20 * time.Millisecond})
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	defer c.Close(ctx)

	first := next(t, c)
	second := next(t, c)
	assert.Equal(t, protocol.EventQR, second.Type)
	assert.NotEqual(t, first.QR, second.QR)
}

func TestAutoPair(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: time.Hour, PairAfter: 10 * time.Millisecond})
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	defer c.Close(ctx)

	assert.Equal(t, protocol.EventQR, next(t, c).Type)
	assert.Equal(t, protocol.EventCredsUpdated, next(t, c).Type)
	assert.Equal(t, protocol.EventAuthenticated, next(t, c).Type)
}

func TestStoredCredentialsSkipQR(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: time.Hour})
	require.NoError(t, dir.WriteFile("s1", credsFile, []byte(`{}`)))
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	defer c.Close(ctx)

	assert.Equal(t, protocol.EventConnecting, next(t, c).Type)
	assert.Equal(t, protocol.EventAuthenticated, next(t, c).Type)
}

func TestSymlinkedCredentialsIgnored(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: time.Hour})
	target := filepath.Join(t.TempDir(), credsFile)
	require.NoError(t, os.WriteFile(target, []byte(`{}`), 0o600))
	require.NoError(t, os.MkdirAll(dir.Path("s1"), 0o700))
	require.NoError(t, os.Symlink(target, filepath.Join(dir.Path("s1"), credsFile)))
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	defer c.Close(ctx)

	assert.Equal(t, protocol.EventQR, next(t, c).Type)
}

func TestMalformedCredentialsIgnored(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: time.Hour})
	require.NoError(t, dir.WriteFile("s1", credsFile, []byte(`not json`)))
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	defer c.Close(ctx)

	assert.Equal(t, protocol.EventQR, next(t, c).Type)
}

func TestDropLoggedOutRemovesCredentials(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: time.Hour})
	require.NoError(t, dir.WriteFile("s1", credsFile, []byte(`{}`)))
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	next(t, c)
	next(t, c)

	require.NoError(t, a.Drop("s1", "logged out from phone", true))
	ev := next(t, c)
	assert.Equal(t, protocol.EventDisconnected, ev.Type)
	assert.True(t, ev.LoggedOut)
	assert.Equal(t, "logged out from phone", ev.Reason)

	_, ok := <-c.Events()
	assert.False(t, ok, "events must close after disconnect")
	_, err = dir.ReadFile("s1", credsFile)
	assert.Error(t, err)
}

func TestCloseEndsEventStream(t *testing.T) {
	a, dir := newAdapter(t, Config{QRInterval: time.Hour})
	ctx := context.Background()

	c, err := a.Open(ctx, "s1", dir.Path("s1"))
	require.NoError(t, err)
	next(t, c)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Close(closeCtx))

	for range c.Events() {
	}
	assert.ErrorIs(t, a.Pair("s1"), ErrNoConnection)
}

func TestOpenRespectsCancelledContext(t *testing.T) {
	a, dir := newAdapter(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Open(ctx, "s1", dir.Path("s1"))
	assert.ErrorIs(t, err, context.Canceled)
}
