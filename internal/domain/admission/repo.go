package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts a new admission. A second active admission for the
	// same patient fails with ErrInvalidState.
	Create(ctx context.Context, a *Admission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Admission, error)
	// FindActiveByPatient returns ErrAdmissionNotFound when the patient is
	// not currently admitted.
	FindActiveByPatient(ctx context.Context, patientID string) (*Admission, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Admission, int, error)
	ListActive(ctx context.Context) ([]*Admission, error)

	// MoveBed points an active admission at to, but only if it still points
	// at from. The movement is recorded in the same transaction. A lost
	// compare-and-set returns ErrConflict.
	MoveBed(ctx context.Context, id uuid.UUID, from, to Location, m *Movement) (*Admission, error)

	// MarkDischarged sets the terminal state once. changed is false when the
	// admission was already discharged; the stored record is returned
	// either way.
	MarkDischarged(ctx context.Context, id uuid.UUID, at time.Time, summary *string, m *Movement) (a *Admission, changed bool, err error)

	AddMovement(ctx context.Context, m *Movement) error
	Movements(ctx context.Context, admissionID uuid.UUID) ([]*Movement, error)
}
