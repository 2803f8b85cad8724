package ward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const wardCols = `id, name, description, beds, created_at, updated_at`

func scanWard(row pgx.Row) (*Ward, error) {
	var w Ward
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.Beds, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWardNotFound
		}
		return nil, err
	}
	if w.Beds == nil {
		w.Beds = []Bed{}
	}
	return &w, nil
}

func mapWriteErr(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "ward_name_key"):
		return ErrDuplicateWardName
	case db.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, w *Ward) error {
	w.ID = uuid.New()
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	if w.Beds == nil {
		w.Beds = []Bed{}
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO ward (id, name, description, beds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.Name, w.Description, w.Beds, w.CreatedAt, w.UpdatedAt,
	)
	return mapWriteErr(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ward, error) {
	return scanWard(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+wardCols+` FROM ward WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Ward, int, error) {
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM ward`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `SELECT `+wardCols+` FROM ward ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Ward
	for rows.Next() {
		w, err := scanWard(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, w)
	}
	return items, total, rows.Err()
}

func (r *repoPG) All(ctx context.Context) ([]*Ward, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+wardCols+` FROM ward ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Ward
	for rows.Next() {
		w, err := scanWard(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (r *repoPG) Mutate(ctx context.Context, id uuid.UUID, fn func(w *Ward) error) (*Ward, error) {
	var out *Ward
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		w, err := scanWard(q.QueryRow(ctx, `SELECT `+wardCols+` FROM ward WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}

		w.UpdatedAt = time.Now().UTC()
		if _, err := q.Exec(ctx, `
			UPDATE ward SET name = $2, description = $3, beds = $4, updated_at = $5
			WHERE id = $1`,
			w.ID, w.Name, w.Description, w.Beds, w.UpdatedAt,
		); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return out, nil
}

func (r *repoPG) DeleteIf(ctx context.Context, id uuid.UUID, check func(w *Ward) error) error {
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		w, err := scanWard(q.QueryRow(ctx, `SELECT `+wardCols+` FROM ward WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(w); err != nil {
				return err
			}
		}
		_, err = q.Exec(ctx, `DELETE FROM ward WHERE id = $1`, id)
		return err
	})
	return mapWriteErr(err)
}
