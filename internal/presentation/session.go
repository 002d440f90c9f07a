// Package presentation maps domain values onto the public API types.
package presentation

import (
	"github.com/ricochet1k/wagate/internal/domain"
	apiTypes "github.com/ricochet1k/wagate/pkg/api"
)

func SessionResponse(s domain.Session) apiTypes.SessionResponse {
	return apiTypes.SessionResponse{
		ID:          s.ID,
		Owner:       s.Owner,
		Status:      s.Status.String(),
		Detail:      s.Detail,
		QR:          s.QR,
		Token:       s.Token,
		IsConnected: s.Connected(),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func SessionListResponse(sessions []domain.Session) apiTypes.SessionListResponse {
	out := apiTypes.SessionListResponse{Sessions: make([]apiTypes.SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, SessionResponse(s))
	}
	return out
}
