package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

const admCols = `id, admission_number, patient_id, patient_name, admission_date,
	ward_id, ward_name, bed_id, bed_label, admitting_clinician, reason,
	status, discharge_date, discharge_summary, created_at, updated_at`

func scanAdmission(row pgx.Row) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.AdmissionNumber, &a.PatientID, &a.PatientName, &a.AdmissionDate,
		&a.WardID, &a.WardName, &a.BedID, &a.BedLabel, &a.AdmittingClinician, &a.Reason,
		&a.Status, &a.DischargeDate, &a.DischargeSummary, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdmissionNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Admission) error {
	a.ID = uuid.New()
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = StatusAdmitted
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO admission (
			id, admission_number, patient_id, patient_name, admission_date,
			ward_id, ward_name, bed_id, bed_label, admitting_clinician, reason,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.AdmissionNumber, a.PatientID, a.PatientName, a.AdmissionDate,
		a.WardID, a.WardName, a.BedID, a.BedLabel, a.AdmittingClinician, a.Reason,
		a.Status, a.CreatedAt, a.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, "admission_active_patient_key"):
		return fmt.Errorf("%w: patient %s already has an active admission", ErrInvalidState, a.PatientID)
	case db.IsUniqueViolation(err, "admission_number_key"), db.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return scanAdmission(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+admCols+` FROM admission WHERE id = $1`, id))
}

func (r *repoPG) FindActiveByPatient(ctx context.Context, patientID string) (*Admission, error) {
	return scanAdmission(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+admCols+` FROM admission WHERE patient_id = $1 AND status = 'Admitted'`, patientID))
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Admission, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM admission`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM admission%s ORDER BY admission_date DESC LIMIT $%d OFFSET $%d`,
		admCols, clause, len(args)-1, len(args))
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Admission, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+admCols+` FROM admission WHERE status = 'Admitted' ORDER BY admission_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) MoveBed(ctx context.Context, id uuid.UUID, from, to Location, m *Movement) (*Admission, error) {
	var out *Admission
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		a, err := scanAdmission(q.QueryRow(ctx, `
			UPDATE admission
			SET ward_id = $4, ward_name = $5, bed_id = $6, bed_label = $7, updated_at = NOW()
			WHERE id = $1 AND status = 'Admitted' AND ward_id = $2 AND bed_id = $3
			RETURNING `+admCols,
			id, from.WardID, from.BedID, to.WardID, to.WardName, to.BedID, to.BedLabel,
		))
		if errors.Is(err, ErrAdmissionNotFound) {
			return r.explainMiss(ctx, id)
		}
		if err != nil {
			return err
		}

		m.AdmissionID = a.ID
		if err := r.AddMovement(ctx, m); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		if db.IsConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, err
	}
	return out, nil
}

// explainMiss turns a guarded update that matched no row into the reason.
func (r *repoPG) explainMiss(ctx context.Context, id uuid.UUID) error {
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !cur.IsActive() {
		return ErrAlreadyDischarged
	}
	return fmt.Errorf("%w: admission %s moved to %s concurrently", ErrConflict, id, cur.Location())
}

func (r *repoPG) MarkDischarged(ctx context.Context, id uuid.UUID, at time.Time, summary *string, m *Movement) (*Admission, bool, error) {
	var (
		out     *Admission
		changed bool
	)
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)

		a, err := scanAdmission(q.QueryRow(ctx, `
			UPDATE admission
			SET status = 'Discharged', discharge_date = $2, discharge_summary = $3, updated_at = NOW()
			WHERE id = $1 AND status = 'Admitted'
			RETURNING `+admCols,
			id, at, summary,
		))
		if errors.Is(err, ErrAdmissionNotFound) {
			out, err = r.GetByID(ctx, id)
			return err
		}
		if err != nil {
			return err
		}

		if m != nil {
			m.AdmissionID = a.ID
			if err := r.AddMovement(ctx, m); err != nil {
				return err
			}
		}
		out, changed = a, true
		return nil
	})
	if err != nil {
		if db.IsConflict(err) {
			return nil, false, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, false, err
	}
	return out, changed, nil
}

func (r *repoPG) AddMovement(ctx context.Context, m *Movement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	from, to := nullableLocation(m.From), nullableLocation(m.To)
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO admission_movement (
			id, admission_id, kind,
			from_ward_id, from_ward_name, from_bed_id, from_bed_label,
			to_ward_id, to_ward_name, to_bed_id, to_bed_label,
			reason, actor, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.ID, m.AdmissionID, m.Kind,
		from.wardID, from.wardName, from.bedID, from.bedLabel,
		to.wardID, to.wardName, to.bedID, to.bedLabel,
		m.Reason, m.Actor, m.OccurredAt,
	)
	return err
}

func (r *repoPG) Movements(ctx context.Context, admissionID uuid.UUID) ([]*Movement, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, admission_id, kind,
			from_ward_id, from_ward_name, from_bed_id, from_bed_label,
			to_ward_id, to_ward_name, to_bed_id, to_bed_label,
			reason, actor, occurred_at
		FROM admission_movement WHERE admission_id = $1 ORDER BY occurred_at`, admissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Movement
	for rows.Next() {
		var (
			m        Movement
			from, to locationCols
			actor    *string
		)
		if err := rows.Scan(&m.ID, &m.AdmissionID, &m.Kind,
			&from.wardID, &from.wardName, &from.bedID, &from.bedLabel,
			&to.wardID, &to.wardName, &to.bedID, &to.bedLabel,
			&m.Reason, &actor, &m.OccurredAt); err != nil {
			return nil, err
		}
		m.From, m.To = from.location(), to.location()
		if actor != nil {
			m.Actor = *actor
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}

// locationCols mirrors the nullable from_/to_ column groups.
type locationCols struct {
	wardID   *uuid.UUID
	wardName *string
	bedID    *uuid.UUID
	bedLabel *string
}

func nullableLocation(l *Location) locationCols {
	if l == nil {
		return locationCols{}
	}
	return locationCols{wardID: &l.WardID, wardName: &l.WardName, bedID: &l.BedID, bedLabel: &l.BedLabel}
}

func (c locationCols) location() *Location {
	if c.wardID == nil || c.bedID == nil {
		return nil
	}
	l := &Location{WardID: *c.wardID, BedID: *c.bedID}
	if c.wardName != nil {
		l.WardName = *c.wardName
	}
	if c.bedLabel != nil {
		l.BedLabel = *c.bedLabel
	}
	return l
}
