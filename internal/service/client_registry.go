package service

import "github.com/johnnydxm/dwaybank-auth/internal/domain"

// ClientRegistry is a static, read-only lookup of registered OAuth clients.
// Entries come from configuration at startup; there is no runtime mutation.
type ClientRegistry struct {
	byID map[string]domain.OAuthClient
}

func NewClientRegistry(clients []domain.OAuthClient) *ClientRegistry {
	byID := make(map[string]domain.OAuthClient, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	return &ClientRegistry{byID: byID}
}

func (r *ClientRegistry) Lookup(clientID string) (*domain.OAuthClient, bool) {
	c, ok := r.byID[clientID]
	if !ok {
		return nil, false
	}
	return &c, true
}

func (r *ClientRegistry) Len() int { return len(r.byID) }
