package occupancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ibms/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const admissionCols = `id, admission_number, patient_id, patient_name, admission_type, admission_source,
	status, admission_date, expected_discharge_date, discharge_type, discharge_summary, discharged_at,
	created_at, updated_at`

func scanAdmission(row pgx.Row) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.AdmissionNumber, &a.PatientID, &a.PatientName, &a.AdmissionType, &a.AdmissionSource,
		&a.Status, &a.AdmissionDate, &a.ExpectedDischargeDate, &a.DischargeType, &a.DischargeSummary, &a.DischargedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) CreateAdmission(ctx context.Context, a *Admission) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO admission (id, admission_number, patient_id, patient_name, admission_type, admission_source,
			status, admission_date, expected_discharge_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		a.ID, a.AdmissionNumber, a.PatientID, a.PatientName, a.AdmissionType, a.AdmissionSource,
		string(a.Status), a.AdmissionDate, a.ExpectedDischargeDate,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("admission number %s already exists", a.AdmissionNumber)
	}
	return err
}

func (r *repoPG) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return scanAdmission(r.conn(ctx).QueryRow(ctx, `SELECT `+admissionCols+` FROM admission WHERE id = $1`, id))
}

func (r *repoPG) GetAdmissionForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return scanAdmission(r.conn(ctx).QueryRow(ctx, `SELECT `+admissionCols+` FROM admission WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) ListAdmissions(ctx context.Context, status AdmissionStatus, limit, offset int) ([]*Admission, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM admission WHERE ($1::text = '' OR status = $1)`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+admissionCols+` FROM admission
		WHERE ($1::text = '' OR status = $1)
		ORDER BY admission_date DESC, admission_number
		LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *repoPG) UpdateAdmission(ctx context.Context, a *Admission) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE admission SET status = $2, expected_discharge_date = $3, discharge_type = $4,
			discharge_summary = $5, discharged_at = $6, updated_at = $7
		WHERE id = $1`,
		a.ID, string(a.Status), a.ExpectedDischargeDate, a.DischargeType,
		a.DischargeSummary, a.DischargedAt, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdmissionNotFound
	}
	return nil
}

const assignmentCols = `a.id, a.admission_id, a.bed_id, b.bed_number, r.room_number, a.assigned_at, a.released_at,
	a.transfer_reason, a.release_reason, a.release_kind, a.assigned_by, a.released_by`

const assignmentFrom = ` FROM bed_assignment a
	JOIN bed b ON b.id = a.bed_id
	JOIN room r ON r.id = b.room_id`

func scanAssignment(row pgx.Row) (*BedAssignment, error) {
	var a BedAssignment
	err := row.Scan(&a.ID, &a.AdmissionID, &a.BedID, &a.BedNumber, &a.RoomNumber, &a.AssignedAt, &a.ReleasedAt,
		&a.TransferReason, &a.ReleaseReason, &a.ReleaseKind, &a.AssignedBy, &a.ReleasedBy)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) CreateAssignment(ctx context.Context, a *BedAssignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bed_assignment (id, admission_id, bed_id, assigned_at, transfer_reason, assigned_by)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.AdmissionID, a.BedID, a.AssignedAt, a.TransferReason, a.AssignedBy,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "uq_bed_assignment_current_admission":
			return ErrAlreadyAssigned
		case "uq_bed_assignment_current_bed":
			return ErrBedUnavailable
		}
	}
	return err
}

func (r *repoPG) CloseAssignment(ctx context.Context, a *BedAssignment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bed_assignment SET released_at = $2, transfer_reason = $3, release_reason = $4,
			release_kind = $5, released_by = $6
		WHERE id = $1 AND released_at IS NULL`,
		a.ID, a.ReleasedAt, a.TransferReason, a.ReleaseReason, a.ReleaseKind, a.ReleasedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoCurrentAssignment
	}
	return nil
}

func (r *repoPG) CurrentAssignment(ctx context.Context, admissionID uuid.UUID) (*BedAssignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+assignmentCols+assignmentFrom+`
		WHERE a.admission_id = $1 AND a.released_at IS NULL`, admissionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCurrentAssignment
	}
	return a, err
}

func (r *repoPG) CurrentAssignmentForBed(ctx context.Context, bedID uuid.UUID) (*BedAssignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+assignmentCols+assignmentFrom+`
		WHERE a.bed_id = $1 AND a.released_at IS NULL`, bedID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCurrentAssignment
	}
	return a, err
}

func (r *repoPG) ListAssignments(ctx context.Context, admissionID uuid.UUID) ([]*BedAssignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignmentCols+assignmentFrom+`
		WHERE a.admission_id = $1
		ORDER BY a.assigned_at, a.id`, admissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BedAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
