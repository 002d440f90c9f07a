package presentation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ricochet1k/wagate/internal/domain"
)

func TestSessionResponse(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := domain.Session{
		ID:        "sales",
		Owner:     "alice@example.com",
		Status:    domain.StatusGeneratingQR,
		Detail:    domain.DetailScanQR,
		QR:        "2@abc",
		Token:     "tok",
		CreatedAt: at,
		UpdatedAt: at.Add(time.Minute),
	}

	resp := SessionResponse(sess)
	assert.Equal(t, "sales", resp.ID)
	assert.Equal(t, "GENERATING_QR", resp.Status)
	assert.Equal(t, "2@abc", resp.QR)
	assert.False(t, resp.IsConnected)
	assert.Equal(t, at.Add(time.Minute), resp.UpdatedAt)

	connected := SessionResponse(sess.WithStatus(domain.StatusConnected, domain.DetailConnected, at))
	assert.True(t, connected.IsConnected)
	assert.Empty(t, connected.QR)
}

func TestSessionListResponse_EmptyIsNotNil(t *testing.T) {
	resp := SessionListResponse(nil)
	assert.NotNil(t, resp.Sessions)
	assert.Empty(t, resp.Sessions)
}
