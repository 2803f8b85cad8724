package sequence

import "context"

type Repository interface {
	// Next increments the counter for (scope, period) and runs then with the
	// new value inside the same transaction. Nothing is persisted unless
	// then returns nil and the transaction commits.
	Next(ctx context.Context, scope, period string, then func(ctx context.Context, n int64) error) (int64, error)
	Get(ctx context.Context, scope string) (*Counter, error)
	List(ctx context.Context) ([]*Counter, error)
}
