package escrow

import (
	"context"

	"github.com/offerhub/escrowd/internal/pagination"
)

// Store persists escrow records. Implementations must hand out copies: a
// caller mutating a returned record must not change what is stored.
type Store interface {
	// Create inserts a new record. It fails if the id is taken.
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Update replaces the record when the stored Version equals e.Version-1,
	// otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, e *Escrow) error
	// ListByPrincipal returns escrows where principal is client, freelancer
	// or arbitrator, newest first, starting after the cursor when one is given.
	ListByPrincipal(ctx context.Context, principal string, limit int, after *pagination.Cursor) ([]*Escrow, error)
	// ListOpen returns escrows that still hold or may hold value (created,
	// funded or disputed), in the same order and paging as ListByPrincipal.
	ListOpen(ctx context.Context, limit int, after *pagination.Cursor) ([]*Escrow, error)
}
