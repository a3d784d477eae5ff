package service

import (
	"context"
	"time"

	"github.com/johnnydxm/dwaybank-auth/internal/registry"
)

// SessionView is the device-management projection of a session; token hashes
// never leave the registry.
type SessionView struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	UserAgent  string     `json:"user_agent"`
	IP         string     `json:"ip"`
	IsCurrent  bool       `json:"is_current"`
}

type SessionService struct {
	sessions registry.SessionRegistry
}

func NewSessionService(sessions registry.SessionRegistry) *SessionService {
	return &SessionService{sessions: sessions}
}

func (s *SessionService) ListActiveSessions(ctx context.Context, userID uint, currentSessionID string) ([]SessionView, error) {
	sessions, err := s.sessions.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		if session.Revoked() || session.ExpiresAt.Before(time.Now()) {
			continue
		}
		views = append(views, SessionView{
			ID:         session.ID,
			CreatedAt:  session.CreatedAt,
			LastSeenAt: session.LastSeenAt,
			ExpiresAt:  session.ExpiresAt,
			RevokedAt:  session.RevokedAt,
			UserAgent:  session.UserAgent,
			IP:         session.IP,
			IsCurrent:  session.ID == currentSessionID,
		})
	}
	return views, nil
}

// RevokeSession revokes one of the user's own sessions. The ownership check
// runs before any mutation.
func (s *SessionService) RevokeSession(ctx context.Context, userID uint, sessionID string) (string, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.UserID != userID {
		return "", registry.ErrSessionNotFound
	}
	if session.Revoked() {
		return "already_revoked", nil
	}
	if err := s.sessions.RevokeSession(ctx, sessionID, "user_session_revoked"); err != nil {
		return "", err
	}
	return "revoked", nil
}
