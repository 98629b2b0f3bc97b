// Package homesync keeps the homes table current from agent home listings,
// so the scoped mounts can resolve an 8-hex home prefix without asking a
// live agent first.
package homesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/homecast/homecast/internal/relay/store"
)

// Syncer upserts home records owned by a user.
type Syncer struct {
	store *store.Store
}

func New(st *store.Store) *Syncer {
	return &Syncer{store: st}
}

type homeEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type homeList struct {
	Homes []homeEntry `json:"homes"`
}

// SyncList records the homes in a homes.list response or homes_updated
// event payload. Entries without a valid UUID id are skipped. Returns the
// number of homes upserted.
func (s *Syncer) SyncList(ctx context.Context, userID string, payload json.RawMessage) (int, error) {
	var list homeList
	if err := json.Unmarshal(payload, &list); err != nil {
		return 0, fmt.Errorf("decode home list: %w", err)
	}

	n := 0
	for _, h := range list.Homes {
		if h.ID == "" {
			continue
		}
		if _, err := uuid.Parse(h.ID); err != nil {
			slog.Warn("skipping home with invalid id", "home_id", h.ID)
			continue
		}
		name := h.Name
		if name == "" {
			name = "Unknown Home"
		}
		if err := s.store.UpsertHome(ctx, h.ID, name, userID); err != nil {
			return n, fmt.Errorf("upsert home %s: %w", h.ID, err)
		}
		n++
	}
	return n, nil
}
