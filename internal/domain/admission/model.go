package admission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAdmissionNotFound = errors.New("admission not found")
	ErrAlreadyDischarged = errors.New("admission already discharged")
	ErrInvalidState      = errors.New("invalid admission state")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("admission write conflict")
)

type Status string

const (
	StatusAdmitted   Status = "Admitted"
	StatusDischarged Status = "Discharged"
)

// Admission is an inpatient stay. Ward and bed are copied by value, ids and
// display names both, and only the orchestrator writes them.
type Admission struct {
	ID                 uuid.UUID  `json:"id"`
	AdmissionNumber    string     `json:"admission_number"`
	PatientID          string     `json:"patient_id"`
	PatientName        string     `json:"patient_name"`
	AdmissionDate      time.Time  `json:"admission_date"`
	WardID             uuid.UUID  `json:"ward_id"`
	WardName           string     `json:"ward_name"`
	BedID              uuid.UUID  `json:"bed_id"`
	BedLabel           string     `json:"bed_label"`
	AdmittingClinician *string    `json:"admitting_clinician,omitempty"`
	Reason             *string    `json:"reason,omitempty"`
	Status             Status     `json:"status"`
	DischargeDate      *time.Time `json:"discharge_date,omitempty"`
	DischargeSummary   *string    `json:"discharge_summary,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (a *Admission) IsActive() bool {
	return a.Status == StatusAdmitted
}

// Location returns the ward and bed the admission currently points at.
func (a *Admission) Location() Location {
	return Location{WardID: a.WardID, WardName: a.WardName, BedID: a.BedID, BedLabel: a.BedLabel}
}

func (a *Admission) setLocation(l Location) {
	a.WardID, a.WardName = l.WardID, l.WardName
	a.BedID, a.BedLabel = l.BedID, l.BedLabel
}

type Location struct {
	WardID   uuid.UUID `json:"ward_id"`
	WardName string    `json:"ward_name"`
	BedID    uuid.UUID `json:"bed_id"`
	BedLabel string    `json:"bed_label"`
}

// SameBed compares identity only; names may lag behind a ward rename.
func (l Location) SameBed(o Location) bool {
	return l.WardID == o.WardID && l.BedID == o.BedID
}

func (l Location) String() string {
	return fmt.Sprintf("%s/%s", l.WardName, l.BedLabel)
}

type MovementKind string

const (
	MovementAdmit     MovementKind = "admit"
	MovementTransfer  MovementKind = "transfer"
	MovementDischarge MovementKind = "discharge"
)

// Movement is one entry in an admission's bed history.
type Movement struct {
	ID          uuid.UUID    `json:"id"`
	AdmissionID uuid.UUID    `json:"admission_id"`
	Kind        MovementKind `json:"kind"`
	From        *Location    `json:"from,omitempty"`
	To          *Location    `json:"to,omitempty"`
	Reason      *string      `json:"reason,omitempty"`
	Actor       string       `json:"actor,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status    Status
	PatientID string
}

// PartialFailureError reports an orchestration that stopped after some of
// its steps had already committed. Record names the bed or admission left
// in an inconsistent state.
type PartialFailureError struct {
	Operation string
	Committed []string
	Failed    string
	Record    string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s partially applied: %s failed after [%s], %s needs attention: %v",
		e.Operation, e.Failed, strings.Join(e.Committed, ", "), e.Record, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// DriftKind classifies a mismatch between admissions and bed state.
type DriftKind string

const (
	// DriftAdmissionWithoutBed: an active admission whose bed is not
	// occupied by its patient.
	DriftAdmissionWithoutBed DriftKind = "admission_without_bed"
	// DriftBedWithoutAdmission: an occupied bed no active admission points at.
	DriftBedWithoutAdmission DriftKind = "bed_without_admission"
	// DriftStaleLocation: ids match but the copied ward or bed name is out
	// of date.
	DriftStaleLocation DriftKind = "stale_location"
)

var DriftKinds = []DriftKind{DriftAdmissionWithoutBed, DriftBedWithoutAdmission, DriftStaleLocation}

type Drift struct {
	Kind        DriftKind  `json:"kind"`
	AdmissionID *uuid.UUID `json:"admission_id,omitempty"`
	PatientID   string     `json:"patient_id"`
	Location    Location   `json:"location"`
	Detail      string     `json:"detail"`
	Repaired    bool       `json:"repaired,omitempty"`
}

type DriftReport struct {
	CheckedAt  time.Time `json:"checked_at"`
	Admissions int       `json:"admissions_checked"`
	Beds       int       `json:"occupied_beds_checked"`
	Drift      []Drift   `json:"drift"`
}

// Count returns how many entries are of kind.
func (r *DriftReport) Count(kind DriftKind) int {
	n := 0
	for _, d := range r.Drift {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
