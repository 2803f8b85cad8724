package ward

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores wards as one document each, beds embedded.
type Repository interface {
	Create(ctx context.Context, w *Ward) error
	GetByID(ctx context.Context, id uuid.UUID) (*Ward, error)
	List(ctx context.Context, limit, offset int) ([]*Ward, int, error)
	All(ctx context.Context) ([]*Ward, error)

	// Mutate loads the ward under a row lock, applies fn and writes the
	// result back in the same transaction. If fn returns an error nothing
	// is written.
	Mutate(ctx context.Context, id uuid.UUID, fn func(w *Ward) error) (*Ward, error)

	// DeleteIf removes the ward when check, run under the row lock, passes.
	DeleteIf(ctx context.Context, id uuid.UUID, check func(w *Ward) error) error
}
