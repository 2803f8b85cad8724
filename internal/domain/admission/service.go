package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/sequence"
	"github.com/hms/hms/internal/domain/ward"
	"github.com/hms/hms/internal/platform/auth"
)

// BedRegistry is the part of the ward service the orchestrator drives.
type BedRegistry interface {
	Reserve(ctx context.Context, wardID, bedID uuid.UUID, patient ward.PatientRef) (*ward.Reservation, error)
	Release(ctx context.Context, wardID, bedID uuid.UUID, patientID string, reason ward.ReleaseReason) error
	FindBed(ctx context.Context, wardID, bedID uuid.UUID) (*ward.Ward, *ward.Bed, error)
	OccupiedBeds(ctx context.Context) ([]ward.BedView, error)
}

// IDAllocator issues admission numbers. then runs inside the counter
// transaction so the number and the admission row commit together.
type IDAllocator interface {
	AllocateFor(ctx context.Context, scope string, at time.Time, then func(ctx context.Context, id string) error) (string, error)
}

// Metrics receives orchestration outcomes.
type Metrics interface {
	Orchestration(operation, outcome string)
	Compensation(operation string, ok bool)
	DriftObserved(kind string, count int)
}

const (
	opAdmit     = "admit"
	opTransfer  = "transfer"
	opDischarge = "discharge"

	// DefaultRepairGrace keeps Repair away from beds an in-flight admission
	// reserved moments ago.
	DefaultRepairGrace = 5 * time.Minute
)

// Service orchestrates admissions against the bed registry. Admission and
// bed live in separate records; consistency comes from step ordering and
// compensation, not from a shared transaction.
type Service struct {
	repo    Repository
	beds    BedRegistry
	ids     IDAllocator
	logger  zerolog.Logger
	metrics Metrics
	now     func() time.Time
}

func NewService(repo Repository, beds BedRegistry, ids IDAllocator) *Service {
	return &Service{
		repo:   repo,
		beds:   beds,
		ids:    ids,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "admission").Logger()
}

func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *Service) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.Orchestration(op, outcome)
	}
}

func (s *Service) compensated(op string, ok bool) {
	if s.metrics != nil {
		s.metrics.Compensation(op, ok)
	}
}

type AdmitRequest struct {
	PatientID          string     `json:"patient_id"`
	PatientName        string     `json:"patient_name"`
	WardID             uuid.UUID  `json:"ward_id"`
	BedID              uuid.UUID  `json:"bed_id"`
	AdmissionDate      *time.Time `json:"admission_date,omitempty"`
	AdmittingClinician *string    `json:"admitting_clinician,omitempty"`
	Reason             *string    `json:"reason,omitempty"`
}

type TransferRequest struct {
	WardID uuid.UUID `json:"ward_id"`
	BedID  uuid.UUID `json:"bed_id"`
	Reason string    `json:"reason"`
}

type DischargeRequest struct {
	Summary       *string            `json:"summary,omitempty"`
	DischargeDate *time.Time         `json:"discharge_date,omitempty"`
	BedRelease    ward.ReleaseReason `json:"bed_release,omitempty"`
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// AdmitPatient reserves the bed, then allocates the admission number and
// writes the admission in one counter transaction. If that write fails the
// reservation is undone.
//
// Repeating an admit that already succeeded returns the existing admission.
func (s *Service) AdmitPatient(ctx context.Context, req AdmitRequest) (*Admission, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if req.WardID == uuid.Nil || req.BedID == uuid.Nil {
		return nil, fmt.Errorf("%w: ward_id and bed_id are required", ErrInvalidInput)
	}

	existing, err := s.repo.FindActiveByPatient(ctx, req.PatientID)
	switch {
	case err == nil:
		if existing.WardID == req.WardID && existing.BedID == req.BedID {
			s.observe(opAdmit, "noop")
			return existing, nil
		}
		s.observe(opAdmit, "rejected")
		return nil, fmt.Errorf("%w: patient %s is already admitted to %s (%s)",
			ErrInvalidState, req.PatientID, existing.Location(), existing.AdmissionNumber)
	case !errors.Is(err, ErrAdmissionNotFound):
		return nil, err
	}

	patient := ward.PatientRef{ID: req.PatientID, Name: req.PatientName}
	res, err := s.beds.Reserve(ctx, req.WardID, req.BedID, patient)
	if err != nil {
		s.observe(opAdmit, "rejected")
		return nil, err
	}

	at := s.now()
	if req.AdmissionDate != nil {
		at = req.AdmissionDate.UTC()
	}
	loc := Location{WardID: res.WardID, WardName: res.WardName, BedID: res.BedID, BedLabel: res.BedLabel}
	a := &Admission{
		PatientID:          req.PatientID,
		PatientName:        req.PatientName,
		AdmissionDate:      at,
		AdmittingClinician: req.AdmittingClinician,
		Reason:             req.Reason,
		Status:             StatusAdmitted,
	}
	a.setLocation(loc)

	_, err = s.ids.AllocateFor(ctx, sequence.Admission.Scope, at, func(ctx context.Context, number string) error {
		a.AdmissionNumber = number
		if err := s.repo.Create(ctx, a); err != nil {
			return err
		}
		return s.repo.AddMovement(ctx, &Movement{
			AdmissionID: a.ID,
			Kind:        MovementAdmit,
			To:          &loc,
			Reason:      req.Reason,
			Actor:       auth.UserIDFromContext(ctx),
			OccurredAt:  s.now(),
		})
	})
	if err != nil {
		if held := s.admittedOn(ctx, req.PatientID, res); held != nil {
			s.observe(opAdmit, "noop")
			return held, nil
		}
		return nil, s.undoReservation(ctx, opAdmit, res, fmt.Errorf("create admission: %w", err))
	}

	s.observe(opAdmit, "success")
	s.logger.Info().
		Str("admission_id", a.ID.String()).
		Str("admission_number", a.AdmissionNumber).
		Str("ward_id", loc.WardID.String()).
		Str("bed_id", loc.BedID.String()).
		Msg("patient admitted")
	return a, nil
}

// admittedOn returns the patient's active admission when it already sits on
// the reserved bed. An identical call that ran alongside this one got there
// first; the bed is theirs and must not be released.
func (s *Service) admittedOn(ctx context.Context, patientID string, res *ward.Reservation) *Admission {
	a, err := s.repo.FindActiveByPatient(ctx, patientID)
	if err != nil || a.WardID != res.WardID || a.BedID != res.BedID {
		return nil
	}
	return a
}

// undoReservation releases a bed this call reserved after a later step
// failed. cause is returned unless the release itself fails.
func (s *Service) undoReservation(ctx context.Context, op string, res *ward.Reservation, cause error) error {
	s.observe(op, "failed")
	if !res.Changed {
		return cause
	}

	relErr := s.beds.Release(ctx, res.WardID, res.BedID, res.Patient.ID, ward.ReleaseCleaning)
	log := s.logger.With().
		Str("operation", op).
		Str("ward_id", res.WardID.String()).
		Str("bed_id", res.BedID.String()).
		Str("patient_id", res.Patient.ID).
		Logger()
	if relErr != nil {
		s.compensated(op, false)
		log.Error().Err(relErr).AnErr("cause", cause).Msg("compensating bed release failed")
		return &PartialFailureError{
			Operation: op,
			Committed: []string{"reserve bed"},
			Failed:    "release reserved bed",
			Record:    fmt.Sprintf("bed %s in %s", res.BedLabel, res.WardName),
			Err:       errors.Join(cause, relErr),
		}
	}
	s.compensated(op, true)
	log.Warn().Err(cause).Msg("reservation released after failed step")
	return cause
}

// TransferPatient moves an admitted patient. The destination is secured
// before the origin is released so the patient always holds a bed.
func (s *Service) TransferPatient(ctx context.Context, id uuid.UUID, req TransferRequest) (*Admission, error) {
	if req.WardID == uuid.Nil || req.BedID == uuid.Nil {
		return nil, fmt.Errorf("%w: ward_id and bed_id are required", ErrInvalidInput)
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsActive() {
		s.observe(opTransfer, "rejected")
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDischarged, a.AdmissionNumber)
	}

	from := a.Location()
	if from.WardID == req.WardID && from.BedID == req.BedID {
		s.observe(opTransfer, "noop")
		return a, nil
	}

	patient := ward.PatientRef{ID: a.PatientID, Name: a.PatientName}
	res, err := s.beds.Reserve(ctx, req.WardID, req.BedID, patient)
	if err != nil {
		s.observe(opTransfer, "rejected")
		return nil, err
	}

	to := Location{WardID: res.WardID, WardName: res.WardName, BedID: res.BedID, BedLabel: res.BedLabel}
	moved, err := s.repo.MoveBed(ctx, a.ID, from, to, &Movement{
		Kind:       MovementTransfer,
		From:       &from,
		To:         &to,
		Reason:     optional(req.Reason),
		Actor:      auth.UserIDFromContext(ctx),
		OccurredAt: s.now(),
	})
	if err != nil {
		if held := s.admittedOn(ctx, a.PatientID, res); held != nil && held.ID == a.ID {
			s.observe(opTransfer, "noop")
			return held, nil
		}
		return nil, s.undoReservation(ctx, opTransfer, res, fmt.Errorf("move admission: %w", err))
	}

	if err := s.beds.Release(ctx, from.WardID, from.BedID, a.PatientID, ward.ReleaseCleaning); err != nil {
		s.observe(opTransfer, "partial")
		s.logger.Error().Err(err).
			Str("admission_id", a.ID.String()).
			Str("ward_id", from.WardID.String()).
			Str("bed_id", from.BedID.String()).
			Msg("origin bed release failed after transfer")
		return nil, &PartialFailureError{
			Operation: opTransfer,
			Committed: []string{"reserve destination bed", "move admission"},
			Failed:    "release origin bed",
			Record:    fmt.Sprintf("bed %s in %s", from.BedLabel, from.WardName),
			Err:       err,
		}
	}

	s.observe(opTransfer, "success")
	s.logger.Info().
		Str("admission_id", a.ID.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("patient transferred")
	return moved, nil
}

// DischargePatient sets the terminal state once and frees the bed. Calling
// it again never errors; it only finishes a release an earlier call left
// undone.
func (s *Service) DischargePatient(ctx context.Context, id uuid.UUID, req DischargeRequest) (*Admission, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if a.IsActive() {
		at := s.now()
		if req.DischargeDate != nil {
			at = req.DischargeDate.UTC()
		}
		if at.Before(a.AdmissionDate) {
			return nil, fmt.Errorf("%w: discharge date precedes admission date", ErrInvalidInput)
		}
		loc := a.Location()
		a, changed, err = s.repo.MarkDischarged(ctx, id, at, req.Summary, &Movement{
			Kind:       MovementDischarge,
			From:       &loc,
			Actor:      auth.UserIDFromContext(ctx),
			OccurredAt: s.now(),
		})
		if err != nil {
			return nil, err
		}
	}

	if err := s.releaseAfterDischarge(ctx, a, req.BedRelease); err != nil {
		s.observe(opDischarge, "partial")
		committed := []string{}
		if changed {
			committed = append(committed, "mark discharged")
		}
		return nil, &PartialFailureError{
			Operation: opDischarge,
			Committed: committed,
			Failed:    "release bed",
			Record:    fmt.Sprintf("bed %s in %s", a.BedLabel, a.WardName),
			Err:       err,
		}
	}

	if changed {
		s.observe(opDischarge, "success")
		s.logger.Info().
			Str("admission_id", a.ID.String()).
			Str("ward_id", a.WardID.String()).
			Str("bed_id", a.BedID.String()).
			Msg("patient discharged")
	} else {
		s.observe(opDischarge, "noop")
	}
	return a, nil
}

// releaseAfterDischarge frees the discharged admission's bed if the patient
// still holds it and no newer admission of theirs sits on the same bed.
func (s *Service) releaseAfterDischarge(ctx context.Context, a *Admission, reason ward.ReleaseReason) error {
	_, bed, err := s.beds.FindBed(ctx, a.WardID, a.BedID)
	if errors.Is(err, ward.ErrWardNotFound) || errors.Is(err, ward.ErrBedNotFound) {
		s.logger.Warn().Err(err).Str("admission_id", a.ID.String()).Msg("discharged admission points at a missing bed")
		return nil
	}
	if err != nil {
		return err
	}
	if !bed.IsOccupiedBy(a.PatientID) {
		return nil
	}

	current, err := s.repo.FindActiveByPatient(ctx, a.PatientID)
	switch {
	case err == nil && current.Location().SameBed(a.Location()):
		return nil
	case err != nil && !errors.Is(err, ErrAdmissionNotFound):
		return err
	}

	err = s.beds.Release(ctx, a.WardID, a.BedID, a.PatientID, reason)
	if errors.Is(err, ward.ErrInvalidState) {
		// a concurrent discharge got there first
		return nil
	}
	return err
}

func (s *Service) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListAdmissions(ctx context.Context, f ListFilter, limit, offset int) ([]*Admission, int, error) {
	if f.Status != "" && f.Status != StatusAdmitted && f.Status != StatusDischarged {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Movements(ctx context.Context, id uuid.UUID) ([]*Movement, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Movements(ctx, id)
}
