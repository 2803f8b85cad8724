package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Metrics receives allocation outcomes.
type Metrics interface {
	IDAllocated(scope string)
	AllocationConflict(scope string)
}

const defaultMaxAttempts = 3

type Service struct {
	repo        Repository
	logger      zerolog.Logger
	metrics     Metrics
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		logger:      zerolog.Nop(),
		maxAttempts: defaultMaxAttempts,
		backoff:     20 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "sequence").Logger()
}

func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// SetMaxAttempts bounds how many times AllocateID re-runs a conflicted
// transaction. Values below 1 are ignored.
func (s *Service) SetMaxAttempts(n int) {
	if n >= 1 {
		s.maxAttempts = n
	}
}

// Allocate issues the next number for (scope, period), formats it and runs
// then with the identifier inside the counter transaction. The identifier is
// returned only after the transaction committed; an error from then rolls
// back the increment. A lost race is reported as ErrConflict and is not
// retried here.
func (s *Service) Allocate(ctx context.Context, scope, period string, format Formatter, then func(ctx context.Context, id string) error) (string, error) {
	if !ValidScope(scope) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	if period == "" {
		return "", fmt.Errorf("%w: period is required", ErrInvalidPeriod)
	}
	if format == nil {
		return "", fmt.Errorf("formatter is required")
	}

	var id string
	_, err := s.repo.Next(ctx, scope, period, func(ctx context.Context, n int64) error {
		id = format(period, n)
		if then != nil {
			return then(ctx, id)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) && s.metrics != nil {
			s.metrics.AllocationConflict(scope)
		}
		return "", err
	}

	if s.metrics != nil {
		s.metrics.IDAllocated(scope)
	}
	s.logger.Debug().Str("scope", scope).Str("period", period).Str("id", id).Msg("identifier allocated")
	return id, nil
}

// AllocateFor allocates from a registered kind in the period containing at,
// running then inside the counter transaction.
func (s *Service) AllocateFor(ctx context.Context, scope string, at time.Time, then func(ctx context.Context, id string) error) (string, error) {
	kind, ok := Kinds[scope]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	return s.Allocate(ctx, scope, kind.Granularity.Period(at), kind.Format, then)
}

// AllocateID mints a standalone identifier for a registered kind. An empty
// period means the current one. Conflicts are retried up to the configured
// attempt limit before ErrConflict is returned. A number issued here but
// never used by the caller is a gap, never a duplicate.
func (s *Service) AllocateID(ctx context.Context, scope, period string) (string, error) {
	kind, ok := Kinds[scope]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	if period == "" {
		period = kind.Granularity.Period(s.now())
	}
	if !kind.Granularity.ValidPeriod(period) {
		return "", fmt.Errorf("%w: %q is not a %s period for %s", ErrInvalidPeriod, period, kind.Granularity, scope)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		id, err := s.Allocate(ctx, scope, period, kind.Format, nil)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}
		lastErr = err
		s.logger.Warn().Err(err).
			Str("scope", scope).
			Str("period", period).
			Int("attempt", attempt).
			Msg("counter conflict")

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * s.backoff):
		}
	}
	return "", fmt.Errorf("allocate %s after %d attempts: %w", scope, s.maxAttempts, lastErr)
}

// Counter returns the stored state of scope.
func (s *Service) Counter(ctx context.Context, scope string) (*Counter, error) {
	if !ValidScope(scope) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return s.repo.Get(ctx, scope)
}

func (s *Service) ListCounters(ctx context.Context) ([]*Counter, error) {
	return s.repo.List(ctx)
}
