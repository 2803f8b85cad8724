package sequence

import (
	"context"
	"errors"
	"fmt"

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

func (r *repoPG) Next(ctx context.Context, scope, period string, then func(ctx context.Context, n int64) error) (int64, error) {
	var next int64
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		if _, err := q.Exec(ctx,
			`INSERT INTO sequence_counter (scope) VALUES ($1) ON CONFLICT (scope) DO NOTHING`, scope); err != nil {
			return fmt.Errorf("ensure counter %s: %w", scope, err)
		}

		var periods map[string]int64
		if err := q.QueryRow(ctx,
			`SELECT periods FROM sequence_counter WHERE scope = $1 FOR UPDATE`, scope).Scan(&periods); err != nil {
			return fmt.Errorf("lock counter %s: %w", scope, err)
		}
		next = periods[period] + 1

		if _, err := q.Exec(ctx, `
			UPDATE sequence_counter
			SET periods = periods || jsonb_build_object($2::text, $3::bigint), updated_at = NOW()
			WHERE scope = $1`, scope, period, next); err != nil {
			return fmt.Errorf("advance counter %s/%s: %w", scope, period, err)
		}

		if then != nil {
			return then(ctx, next)
		}
		return nil
	})
	if err != nil {
		if db.IsConflict(err) || db.IsUniqueViolation(err, "sequence_counter_pkey") {
			return 0, fmt.Errorf("%w: %s/%s: %v", ErrConflict, scope, period, err)
		}
		return 0, err
	}
	return next, nil
}

func (r *repoPG) Get(ctx context.Context, scope string) (*Counter, error) {
	c := &Counter{}
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT scope, periods, updated_at FROM sequence_counter WHERE scope = $1`, scope,
	).Scan(&c.Scope, &c.Periods, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCounterNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *repoPG) List(ctx context.Context) ([]*Counter, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT scope, periods, updated_at FROM sequence_counter ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Counter
	for rows.Next() {
		c := &Counter{}
		if err := rows.Scan(&c.Scope, &c.Periods, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
