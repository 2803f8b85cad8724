package ward

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWardNotFound      = errors.New("ward not found")
	ErrBedNotFound       = errors.New("bed not found")
	ErrBedUnavailable    = errors.New("bed unavailable")
	ErrInvalidState      = errors.New("invalid bed state")
	ErrDuplicateWardName = errors.New("ward name already in use")
	ErrDuplicateBedLabel = errors.New("bed label already in use in this ward")
	ErrWardOccupied      = errors.New("ward has occupied beds")
	ErrBedOccupied       = errors.New("bed is occupied")
	ErrConflict          = errors.New("ward write conflict")
	ErrInvalidInput      = errors.New("invalid input")
)

// BedStatus values are stored verbatim in the ward document.
type BedStatus string

const (
	BedAvailable     BedStatus = "Available"
	BedOccupied      BedStatus = "Occupied"
	BedNeedsCleaning BedStatus = "Needs Cleaning"
	BedMaintenance   BedStatus = "Maintenance"
)

// Valid reports whether s is one of the four bed states.
func (s BedStatus) Valid() bool {
	switch s {
	case BedAvailable, BedOccupied, BedNeedsCleaning, BedMaintenance:
		return true
	}
	return false
}

// Statuses lists bed states in display order.
var Statuses = []BedStatus{BedAvailable, BedOccupied, BedNeedsCleaning, BedMaintenance}

// PatientRef is the patient held by an occupied bed.
type PatientRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Bed struct {
	ID        uuid.UUID   `json:"id"`
	Label     string      `json:"label"`
	Status    BedStatus   `json:"status"`
	Patient   *PatientRef `json:"patient,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// IsOccupied is the single occupancy predicate used by every ward
// operation and by the admission drift check.
func (b *Bed) IsOccupied() bool {
	return b.Status == BedOccupied
}

// IsOccupiedBy reports whether the bed is occupied by patientID.
func (b *Bed) IsOccupiedBy(patientID string) bool {
	return b.IsOccupied() && b.Patient != nil && b.Patient.ID == patientID
}

type Ward struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	Beds        []Bed     `json:"beds"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Bed returns a pointer into w.Beds so callers can mutate it in place.
func (w *Ward) Bed(id uuid.UUID) *Bed {
	for i := range w.Beds {
		if w.Beds[i].ID == id {
			return &w.Beds[i]
		}
	}
	return nil
}

// BedByLabel finds a bed by label, ignoring case.
func (w *Ward) BedByLabel(label string) *Bed {
	for i := range w.Beds {
		if strings.EqualFold(w.Beds[i].Label, label) {
			return &w.Beds[i]
		}
	}
	return nil
}

func (w *Ward) HasOccupiedBeds() bool {
	for i := range w.Beds {
		if w.Beds[i].IsOccupied() {
			return true
		}
	}
	return false
}

// Counts tallies beds per status. Every status is present in the result.
func (w *Ward) Counts() map[BedStatus]int {
	out := make(map[BedStatus]int, len(Statuses))
	for _, s := range Statuses {
		out[s] = 0
	}
	for i := range w.Beds {
		out[w.Beds[i].Status]++
	}
	return out
}

// ReleaseReason picks the state a bed moves to when its patient leaves.
type ReleaseReason string

const (
	ReleaseCleaning    ReleaseReason = "cleaning"
	ReleaseMaintenance ReleaseReason = "maintenance"
)

// Target maps the reason to a bed state. Anything but maintenance sends the
// bed to cleaning; a released bed is never directly Available.
func (r ReleaseReason) Target() BedStatus {
	if r == ReleaseMaintenance {
		return BedMaintenance
	}
	return BedNeedsCleaning
}

// Reservation describes the bed a patient now holds. Changed is false when
// the bed was already occupied by the same patient.
type Reservation struct {
	WardID   uuid.UUID  `json:"ward_id"`
	WardName string     `json:"ward_name"`
	BedID    uuid.UUID  `json:"bed_id"`
	BedLabel string     `json:"bed_label"`
	Patient  PatientRef `json:"patient"`
	Changed  bool       `json:"changed"`
}

// BedView is a bed flattened with its ward, for cross-ward listings.
type BedView struct {
	WardID   uuid.UUID `json:"ward_id"`
	WardName string    `json:"ward_name"`
	Bed
}

// WardOccupancy is the per-ward row of the occupancy summary.
type WardOccupancy struct {
	WardID   uuid.UUID         `json:"ward_id"`
	WardName string            `json:"ward_name"`
	Total    int               `json:"total"`
	Counts   map[BedStatus]int `json:"counts"`
}

// OccupancySummary aggregates bed states across wards.
type OccupancySummary struct {
	Wards  []WardOccupancy   `json:"wards"`
	Total  int               `json:"total"`
	Counts map[BedStatus]int `json:"counts"`
}
