package presence

import (
	"context"
	"time"

	"auditdesk/api/internal/store"
)

// PGStore is the Postgres-backed presence store used when Redis is not
// configured. Staleness is enforced by pruning rows older than the
// window on every listing.
type PGStore struct {
	db     *store.PostgresStore
	window time.Duration
}

func NewPGStore(db *store.PostgresStore, window time.Duration) *PGStore {
	return &PGStore{db: db, window: window}
}

func (s *PGStore) Upsert(ctx context.Context, item store.Presence) error {
	return s.db.UpsertPresence(ctx, item)
}

func (s *PGStore) Remove(ctx context.Context, companyID, actorID string) error {
	return s.db.DeletePresence(ctx, companyID, actorID)
}

func (s *PGStore) List(ctx context.Context, companyID string) ([]store.Presence, error) {
	return s.db.ListPresence(ctx, companyID, time.Now().Add(-s.window))
}
