package ward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Metrics receives committed bed state transitions.
type Metrics interface {
	BedTransition(from, to string)
}

// Service is the bed registry: the only writer of bed state.
type Service struct {
	repo    Repository
	logger  zerolog.Logger
	metrics Metrics
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "ward").Logger()
}

func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *Service) transition(from, to BedStatus) {
	if s.metrics != nil && from != to {
		s.metrics.BedTransition(string(from), string(to))
	}
}

// -- Wards --

func (s *Service) CreateWard(ctx context.Context, w *Ward) error {
	w.Name = strings.TrimSpace(w.Name)
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	beds := w.Beds
	w.Beds = make([]Bed, 0, len(beds))
	now := time.Now().UTC()
	for _, b := range beds {
		nb, err := newBed(w, b.Label, b.Status, now)
		if err != nil {
			return err
		}
		w.Beds = append(w.Beds, *nb)
	}

	if err := s.repo.Create(ctx, w); err != nil {
		return fmt.Errorf("create ward %q: %w", w.Name, err)
	}
	return nil
}

func (s *Service) GetWard(ctx context.Context, id uuid.UUID) (*Ward, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListWards(ctx context.Context, limit, offset int) ([]*Ward, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// UpdateWard renames a ward and/or replaces its description. Nil fields are
// left unchanged. Admissions keep the ward id, so a rename does not orphan
// them.
func (s *Service) UpdateWard(ctx context.Context, id uuid.UUID, name, description *string) (*Ward, error) {
	if name != nil && strings.TrimSpace(*name) == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
	}
	return s.repo.Mutate(ctx, id, func(w *Ward) error {
		if name != nil {
			w.Name = strings.TrimSpace(*name)
		}
		if description != nil {
			w.Description = description
		}
		return nil
	})
}

// DeleteWard removes a ward unless one of its beds is occupied.
func (s *Service) DeleteWard(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteIf(ctx, id, func(w *Ward) error {
		if w.HasOccupiedBeds() {
			return fmt.Errorf("%w: %s", ErrWardOccupied, w.Name)
		}
		return nil
	})
}

// -- Beds --

func newBed(w *Ward, label string, status BedStatus, now time.Time) (*Bed, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("%w: bed label is required", ErrInvalidInput)
	}
	if w.BedByLabel(label) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBedLabel, label)
	}
	if status == "" {
		status = BedAvailable
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown bed status %q", ErrInvalidInput, status)
	}
	if status == BedOccupied {
		return nil, fmt.Errorf("%w: a new bed cannot start occupied", ErrInvalidState)
	}
	return &Bed{ID: uuid.New(), Label: label, Status: status, UpdatedAt: now}, nil
}

// AddBed appends a bed to the ward. Labels are unique per ward.
func (s *Service) AddBed(ctx context.Context, wardID uuid.UUID, label string, status BedStatus) (*Bed, error) {
	var added Bed
	_, err := s.repo.Mutate(ctx, wardID, func(w *Ward) error {
		b, err := newBed(w, label, status, time.Now().UTC())
		if err != nil {
			return err
		}
		w.Beds = append(w.Beds, *b)
		added = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// RemoveBed deletes a bed that is not occupied.
func (s *Service) RemoveBed(ctx context.Context, wardID, bedID uuid.UUID) error {
	_, err := s.repo.Mutate(ctx, wardID, func(w *Ward) error {
		for i := range w.Beds {
			if w.Beds[i].ID != bedID {
				continue
			}
			if w.Beds[i].IsOccupied() {
				return fmt.Errorf("%w: %s", ErrBedOccupied, w.Beds[i].Label)
			}
			w.Beds = append(w.Beds[:i], w.Beds[i+1:]...)
			return nil
		}
		return ErrBedNotFound
	})
	return err
}

// SetBedStatus is the administrative setter for housekeeping and
// maintenance. It never moves a bed into or out of Occupied; only Reserve
// and Release do that.
func (s *Service) SetBedStatus(ctx context.Context, wardID, bedID uuid.UUID, status BedStatus) (*Bed, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown bed status %q", ErrInvalidInput, status)
	}
	if status == BedOccupied {
		return nil, fmt.Errorf("%w: beds become occupied only through admission", ErrInvalidState)
	}

	var (
		out  Bed
		from BedStatus
	)
	_, err := s.repo.Mutate(ctx, wardID, func(w *Ward) error {
		b := w.Bed(bedID)
		if b == nil {
			return ErrBedNotFound
		}
		if b.IsOccupied() {
			return fmt.Errorf("%w: bed %s is occupied; discharge or transfer the patient", ErrInvalidState, b.Label)
		}
		from = b.Status
		if b.Status != status {
			b.Status = status
			b.UpdatedAt = time.Now().UTC()
		}
		out = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.transition(from, status)
	return &out, nil
}

// Reserve moves a bed from Available to Occupied by patient. Reserving a bed
// the same patient already holds succeeds without a write and reports
// Changed=false.
func (s *Service) Reserve(ctx context.Context, wardID, bedID uuid.UUID, patient PatientRef) (*Reservation, error) {
	if patient.ID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidInput)
	}

	var res Reservation
	_, err := s.repo.Mutate(ctx, wardID, func(w *Ward) error {
		b := w.Bed(bedID)
		if b == nil {
			return ErrBedNotFound
		}
		res = Reservation{WardID: w.ID, WardName: w.Name, BedID: b.ID, BedLabel: b.Label, Patient: patient}

		switch {
		case b.IsOccupiedBy(patient.ID):
			res.Patient = *b.Patient
			return errNoChange
		case b.Status != BedAvailable:
			return fmt.Errorf("%w: bed %s in %s is %s", ErrBedUnavailable, b.Label, w.Name, b.Status)
		}

		b.Status = BedOccupied
		b.Patient = &PatientRef{ID: patient.ID, Name: patient.Name}
		b.UpdatedAt = time.Now().UTC()
		res.Changed = true
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return nil, err
	}

	if res.Changed {
		s.transition(BedAvailable, BedOccupied)
		s.logger.Info().
			Str("ward_id", wardID.String()).
			Str("bed_id", bedID.String()).
			Str("patient_id", patient.ID).
			Msg("bed reserved")
	}
	return &res, nil
}

// errNoChange aborts a Mutate without writing.
var errNoChange = errors.New("no change")

// Release frees a bed held by patientID. The bed goes to Needs Cleaning, or
// Maintenance when reason says so; never straight to Available.
func (s *Service) Release(ctx context.Context, wardID, bedID uuid.UUID, patientID string, reason ReleaseReason) error {
	target := reason.Target()
	_, err := s.repo.Mutate(ctx, wardID, func(w *Ward) error {
		b := w.Bed(bedID)
		if b == nil {
			return ErrBedNotFound
		}
		if !b.IsOccupied() {
			return fmt.Errorf("%w: bed %s is %s, not occupied", ErrInvalidState, b.Label, b.Status)
		}
		if !b.IsOccupiedBy(patientID) {
			return fmt.Errorf("%w: bed %s is held by another patient", ErrInvalidState, b.Label)
		}
		b.Status = target
		b.Patient = nil
		b.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	s.transition(BedOccupied, target)
	s.logger.Info().
		Str("ward_id", wardID.String()).
		Str("bed_id", bedID.String()).
		Str("patient_id", patientID).
		Str("status", string(target)).
		Msg("bed released")
	return nil
}

// FindBed returns a snapshot of one bed and its ward.
func (s *Service) FindBed(ctx context.Context, wardID, bedID uuid.UUID) (*Ward, *Bed, error) {
	w, err := s.repo.GetByID(ctx, wardID)
	if err != nil {
		return nil, nil, err
	}
	b := w.Bed(bedID)
	if b == nil {
		return w, nil, ErrBedNotFound
	}
	return w, b, nil
}

// AvailableBeds lists beds a caller may reserve. A nil wardID searches
// every ward.
func (s *Service) AvailableBeds(ctx context.Context, wardID *uuid.UUID) ([]BedView, error) {
	return s.bedsWhere(ctx, wardID, func(b *Bed) bool { return b.Status == BedAvailable })
}

// OccupiedBeds lists every occupied bed across wards.
func (s *Service) OccupiedBeds(ctx context.Context) ([]BedView, error) {
	return s.bedsWhere(ctx, nil, (*Bed).IsOccupied)
}

func (s *Service) bedsWhere(ctx context.Context, wardID *uuid.UUID, keep func(*Bed) bool) ([]BedView, error) {
	var wards []*Ward
	if wardID != nil {
		w, err := s.repo.GetByID(ctx, *wardID)
		if err != nil {
			return nil, err
		}
		wards = []*Ward{w}
	} else {
		all, err := s.repo.All(ctx)
		if err != nil {
			return nil, err
		}
		wards = all
	}

	out := []BedView{}
	for _, w := range wards {
		for i := range w.Beds {
			if keep(&w.Beds[i]) {
				out = append(out, BedView{WardID: w.ID, WardName: w.Name, Bed: w.Beds[i]})
			}
		}
	}
	return out, nil
}

// OccupancySummary counts beds per status for each ward and overall.
func (s *Service) OccupancySummary(ctx context.Context) (*OccupancySummary, error) {
	wards, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(wards, func(i, j int) bool { return strings.ToLower(wards[i].Name) < strings.ToLower(wards[j].Name) })

	sum := &OccupancySummary{Wards: []WardOccupancy{}, Counts: map[BedStatus]int{}}
	for _, st := range Statuses {
		sum.Counts[st] = 0
	}
	for _, w := range wards {
		counts := w.Counts()
		sum.Wards = append(sum.Wards, WardOccupancy{
			WardID:   w.ID,
			WardName: w.Name,
			Total:    len(w.Beds),
			Counts:   counts,
		})
		sum.Total += len(w.Beds)
		for st, n := range counts {
			sum.Counts[st] += n
		}
	}
	return sum, nil
}
