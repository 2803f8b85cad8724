package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/domain/ward"
)

type bedKey struct {
	ward uuid.UUID
	bed  uuid.UUID
}

// Reconcile compares active admissions with occupied beds and reports every
// mismatch. It changes nothing.
func (s *Service) Reconcile(ctx context.Context) (*DriftReport, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active admissions: %w", err)
	}
	occupied, err := s.beds.OccupiedBeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list occupied beds: %w", err)
	}

	beds := make(map[bedKey]ward.BedView, len(occupied))
	for _, b := range occupied {
		beds[bedKey{b.WardID, b.ID}] = b
	}

	report := &DriftReport{
		CheckedAt:  s.now(),
		Admissions: len(active),
		Beds:       len(occupied),
		Drift:      []Drift{},
	}
	held := make(map[bedKey]bool, len(active))
	for _, a := range active {
		id := a.ID
		key := bedKey{a.WardID, a.BedID}
		b, ok := beds[key]
		if !ok || !b.IsOccupiedBy(a.PatientID) {
			report.Drift = append(report.Drift, Drift{
				Kind:        DriftAdmissionWithoutBed,
				AdmissionID: &id,
				PatientID:   a.PatientID,
				Location:    a.Location(),
				Detail:      fmt.Sprintf("admission %s points at %s which the patient does not occupy", a.AdmissionNumber, a.Location()),
			})
			continue
		}
		held[key] = true
		if b.WardName != a.WardName || b.Label != a.BedLabel {
			report.Drift = append(report.Drift, Drift{
				Kind:        DriftStaleLocation,
				AdmissionID: &id,
				PatientID:   a.PatientID,
				Location:    Location{WardID: b.WardID, WardName: b.WardName, BedID: b.ID, BedLabel: b.Label},
				Detail:      fmt.Sprintf("admission %s records %s", a.AdmissionNumber, a.Location()),
			})
		}
	}

	for _, b := range occupied {
		if held[bedKey{b.WardID, b.ID}] {
			continue
		}
		patientID := ""
		if b.Patient != nil {
			patientID = b.Patient.ID
		}
		report.Drift = append(report.Drift, Drift{
			Kind:      DriftBedWithoutAdmission,
			PatientID: patientID,
			Location:  Location{WardID: b.WardID, WardName: b.WardName, BedID: b.ID, BedLabel: b.Label},
			Detail:    fmt.Sprintf("bed %s in %s is occupied without an active admission", b.Label, b.WardName),
		})
	}

	if s.metrics != nil {
		for _, k := range DriftKinds {
			s.metrics.DriftObserved(string(k), report.Count(k))
		}
	}
	if len(report.Drift) > 0 {
		s.logger.Warn().Int("drift", len(report.Drift)).Msg("admission and bed state disagree")
	}
	return report, nil
}

// Repair runs Reconcile and fixes what it safely can: occupied beds with no
// admission are released once untouched for longer than grace, and an
// admission whose bed is Available gets it reserved again. Stale names are
// only reported.
func (s *Service) Repair(ctx context.Context, grace time.Duration) (*DriftReport, error) {
	report, err := s.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	for i := range report.Drift {
		d := &report.Drift[i]
		switch d.Kind {
		case DriftBedWithoutAdmission:
			_, bed, err := s.beds.FindBed(ctx, d.Location.WardID, d.Location.BedID)
			if err != nil || bed.Patient == nil || s.now().Sub(bed.UpdatedAt) < grace {
				continue
			}
			if err := s.beds.Release(ctx, d.Location.WardID, d.Location.BedID, bed.Patient.ID, ward.ReleaseCleaning); err != nil {
				s.logger.Warn().Err(err).Str("bed_id", d.Location.BedID.String()).Msg("repair release failed")
				continue
			}
			d.Repaired = true

		case DriftAdmissionWithoutBed:
			_, bed, err := s.beds.FindBed(ctx, d.Location.WardID, d.Location.BedID)
			if err != nil || bed.Status != ward.BedAvailable {
				continue
			}
			a, err := s.repo.GetByID(ctx, *d.AdmissionID)
			if err != nil || !a.IsActive() {
				continue
			}
			patient := ward.PatientRef{ID: a.PatientID, Name: a.PatientName}
			if _, err := s.beds.Reserve(ctx, a.WardID, a.BedID, patient); err != nil {
				s.logger.Warn().Err(err).Str("admission_id", a.ID.String()).Msg("repair reserve failed")
				continue
			}
			d.Repaired = true
		}
	}
	return report, nil
}
