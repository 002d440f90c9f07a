package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/wagate/internal/domain"
	"github.com/ricochet1k/wagate/internal/testutil"
)

func TestReconcile(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fresh := now.Add(-time.Second)
	old := now.Add(-time.Hour)

	tests := []struct {
		name       string
		status     domain.Status
		updatedAt  time.Time
		presence   domain.Presence
		wantStatus domain.Status
		wantDrift  Drift
	}{
		{"live handle confirms connected", domain.StatusConnected, fresh, domain.PresenceLive, domain.StatusConnected, DriftNone},
		{"live handle repairs row", domain.StatusDisconnected, fresh, domain.PresenceLive, domain.StatusConnected, DriftLive},
		{"absent handle downgrades connected", domain.StatusConnected, fresh, domain.PresenceAbsent, domain.StatusDisconnected, DriftStaleConnected},
		{"pending handle downgrades connected", domain.StatusConnected, fresh, domain.PresencePending, domain.StatusConnecting, DriftStaleConnected},
		{"pending keeps qr", domain.StatusGeneratingQR, fresh, domain.PresencePending, domain.StatusGeneratingQR, DriftNone},
		{"absent keeps disconnected", domain.StatusDisconnected, old, domain.PresenceAbsent, domain.StatusDisconnected, DriftNone},
		{"absent keeps fresh initializing", domain.StatusInitializing, fresh, domain.PresenceAbsent, domain.StatusInitializing, DriftNone},
		{"stuck initializing", domain.StatusInitializing, old, domain.PresenceAbsent, domain.StatusDisconnected, DriftStuck},
		{"stuck qr with pending handle", domain.StatusGeneratingQR, old, domain.PresencePending, domain.StatusDisconnected, DriftStuck},
		{"stuck connecting", domain.StatusConnecting, old, domain.PresencePending, domain.StatusDisconnected, DriftStuck},
		{"deleted is left alone", domain.StatusDeleted, old, domain.PresenceAbsent, domain.StatusDeleted, DriftNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := domain.Session{ID: "s1", Status: tt.status, QR: "2@qr", UpdatedAt: tt.updatedAt}
			got, drift := Reconcile(sess, tt.presence, now, time.Minute)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantDrift, drift)
			if drift != DriftNone {
				assert.Equal(t, now, got.UpdatedAt)
			}
		})
	}
}

func TestReconcile_StuckDetail(t *testing.T) {
	now := time.Now()
	sess := domain.Session{ID: "s1", Status: domain.StatusConnecting, UpdatedAt: now.Add(-time.Hour)}

	got, drift := Reconcile(sess, domain.PresenceAbsent, now, time.Minute)
	assert.Equal(t, DriftStuck, drift)
	assert.Equal(t, "Timed out while CONNECTING", got.Detail)
}

func TestReconcile_NeverConnectedWithoutLiveHandle(t *testing.T) {
	now := time.Now()
	statuses := []domain.Status{
		domain.StatusInitializing, domain.StatusGeneratingQR, domain.StatusConnecting,
		domain.StatusConnected, domain.StatusDisconnected, domain.StatusDeleted,
	}
	presences := []domain.Presence{domain.PresenceAbsent, domain.PresencePending, domain.PresenceLive}
	ages := []time.Duration{0, time.Hour}

	for _, st := range statuses {
		for _, p := range presences {
			for _, age := range ages {
				sess := domain.Session{ID: "s1", Status: st, UpdatedAt: now.Add(-age)}
				got, _ := Reconcile(sess, p, now, time.Minute)
				if got.Status == domain.StatusConnected {
					assert.Equal(t, domain.PresenceLive, p, "status %s presence %s", st, p)
				}
			}
		}
	}
}

func newTestReconciler(h *harness) *Reconciler {
	return NewReconciler(h.orch, h.store, time.Minute, testutil.Logger())
}

func TestReconciler_ApplyRepairsStaleConnected(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.seed("s1", "a@example.com", domain.StatusConnected)
	r := newTestReconciler(h)

	got := r.Apply(h.ctx, sess)
	assert.Equal(t, domain.StatusDisconnected, got.Status)
	assert.Equal(t, domain.DetailConnectionLost, got.Detail)

	row := h.row("s1")
	assert.Equal(t, domain.StatusDisconnected, row.Status)
	assert.Equal(t, []domain.Status{domain.StatusDisconnected}, h.rec.statuses("s1"))
}

func TestReconciler_ApplyNoDriftIsQuiet(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.seed("s1", "a@example.com", domain.StatusDisconnected)
	r := newTestReconciler(h)

	got := r.Apply(h.ctx, sess)
	assert.Equal(t, domain.StatusDisconnected, got.Status)
	assert.Empty(t, h.rec.forSession("s1"))
}

func TestReconciler_ApplyConfirmsLiveHandle(t *testing.T) {
	h := newHarness(t, nil)
	h.create("s1")
	h.authenticate("s1")
	r := newTestReconciler(h)

	got := r.Apply(h.ctx, h.row("s1"))
	assert.Equal(t, domain.StatusConnected, got.Status)
	assert.True(t, got.Connected())
}

func TestReconciler_ApplyTearsDownStuckHandle(t *testing.T) {
	h := newHarness(t, nil)
	h.create("s1")
	require.NoError(t, h.orch.Connect(h.ctx, "s1", nil))
	c := h.adapter.conn(-1)
	r := newTestReconciler(h)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	got := r.Apply(h.ctx, h.row("s1"))
	assert.Equal(t, domain.StatusDisconnected, got.Status)
	assert.Equal(t, "Timed out while INITIALIZING", got.Detail)
	assert.Equal(t, domain.PresenceAbsent, h.orch.Presence("s1"))
	require.Eventually(t, c.wasClosed, waitFor, tick)
	assert.Equal(t, domain.StatusDisconnected, h.row("s1").Status)
}

func TestReconciler_ApplyMissingRow(t *testing.T) {
	h := newHarness(t, nil)
	r := newTestReconciler(h)

	sess := domain.Session{ID: "gone", Status: domain.StatusConnected}
	got := r.Apply(h.ctx, sess)
	assert.Equal(t, sess, got)
}

func TestReconciler_Sweep(t *testing.T) {
	h := newHarness(t, nil)
	h.seed("s1", "a@example.com", domain.StatusConnected)
	h.seed("s2", "b@example.com", domain.StatusConnected)
	h.seed("s3", "b@example.com", domain.StatusDisconnected)
	r := newTestReconciler(h)

	require.NoError(t, r.Sweep(h.ctx))
	for _, id := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, domain.StatusDisconnected, h.row(id).Status, id)
	}
	assert.Empty(t, h.rec.forSession("s3"))
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.seed("s1", "a@example.com", domain.StatusConnected)
	r := newTestReconciler(h)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	h.waitStatus("s1", domain.StatusDisconnected)
	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconciler_ApplyLeavesNoStateForQuietRows(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.seed("s1", "a@example.com", domain.StatusDisconnected)
	r := newTestReconciler(h)

	r.Apply(h.ctx, sess)
	assert.Nil(t, h.orch.lookup("s1"))
}

func TestReconciler_ApplyOnDeletedRowLeavesNoState(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.seed("gone", "a@example.com", domain.StatusConnected)
	require.NoError(t, h.store.Delete(h.ctx, "gone"))
	r := newTestReconciler(h)

	got := r.Apply(h.ctx, sess)
	assert.Equal(t, sess, got)
	assert.Nil(t, h.orch.lookup("gone"))
	assert.Empty(t, h.rec.forSession("gone"))
}

func TestReconciler_ApplyAfterDeleteDoesNotResurrectSlot(t *testing.T) {
	h := newHarness(t, nil)
	svc := newTestService(h)
	h.create("s1")
	h.authenticate("s1")
	sess := h.row("s1")

	require.NoError(t, svc.DeleteSession(h.ctx, admin, "s1"))
	newTestReconciler(h).Apply(h.ctx, sess)

	assert.Nil(t, h.orch.lookup("s1"))
}
