package bed

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

const uniqueViolation = "23505"

func mapWriteErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return err
}

const roomSummarySelect = `
	SELECT r.id, r.room_number, r.room_type, r.floor_number,
		COUNT(b.id),
		COUNT(b.id) FILTER (WHERE b.status = 'available'),
		COUNT(b.id) FILTER (WHERE b.status = 'occupied'),
		COALESCE(SUM(b.version), 0)::BIGINT,
		r.created_at, r.updated_at
	FROM room r
	LEFT JOIN bed b ON b.room_id = r.id`

func scanRoom(row pgx.Row) (*Room, error) {
	var rm Room
	err := row.Scan(&rm.ID, &rm.RoomNumber, &rm.RoomType, &rm.FloorNumber,
		&rm.TotalBeds, &rm.AvailableBeds, &rm.OccupiedBeds, &rm.Version,
		&rm.CreatedAt, &rm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rm, nil
}

func (r *repoPG) CreateRoom(ctx context.Context, rm *Room) error {
	if rm.ID == uuid.Nil {
		rm.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO room (id, room_number, room_type, floor_number)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		rm.ID, rm.RoomNumber, string(rm.RoomType), rm.FloorNumber,
	).Scan(&rm.CreatedAt, &rm.UpdatedAt)
	return mapWriteErr(err, "room "+rm.RoomNumber)
}

func (r *repoPG) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	rm, err := scanRoom(r.conn(ctx).QueryRow(ctx, roomSummarySelect+`
		WHERE r.id = $1
		GROUP BY r.id`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	return rm, err
}

func (r *repoPG) ListRooms(ctx context.Context, floor int) ([]*Room, error) {
	rows, err := r.conn(ctx).Query(ctx, roomSummarySelect+`
		WHERE r.floor_number = $1
		GROUP BY r.id
		ORDER BY r.room_number`, floor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, rm)
	}
	return rooms, rows.Err()
}

const floorSelect = `
	SELECT r.floor_number,
		COUNT(b.id),
		COUNT(b.id) FILTER (WHERE b.status = 'available'),
		COUNT(b.id) FILTER (WHERE b.status = 'occupied'),
		COUNT(b.id) FILTER (WHERE b.status = 'reserved'),
		COUNT(b.id) FILTER (WHERE b.status = 'cleaning'),
		COUNT(b.id) FILTER (WHERE b.status = 'maintenance'),
		COALESCE(SUM(b.version), 0)::BIGINT
	FROM room r
	LEFT JOIN bed b ON b.room_id = r.id`

func scanFloor(row pgx.Row) (*Floor, error) {
	var f Floor
	err := row.Scan(&f.FloorNumber, &f.TotalBeds, &f.AvailableBeds, &f.OccupiedBeds,
		&f.ReservedBeds, &f.CleaningBeds, &f.MaintenanceBeds, &f.Version)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repoPG) ListFloors(ctx context.Context) ([]*Floor, error) {
	rows, err := r.conn(ctx).Query(ctx, floorSelect+`
		GROUP BY r.floor_number
		ORDER BY r.floor_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var floors []*Floor
	for rows.Next() {
		f, err := scanFloor(rows)
		if err != nil {
			return nil, err
		}
		floors = append(floors, f)
	}
	return floors, rows.Err()
}

func (r *repoPG) GetFloor(ctx context.Context, floor int) (*Floor, error) {
	f, err := scanFloor(r.conn(ctx).QueryRow(ctx, floorSelect+`
		WHERE r.floor_number = $1
		GROUP BY r.floor_number`, floor))
	if errors.Is(err, pgx.ErrNoRows) {
		return &Floor{FloorNumber: floor}, nil
	}
	return f, err
}

const bedCols = `b.id, b.room_id, r.room_number, r.floor_number, b.bed_number, b.bed_type, b.status,
	b.last_cleaned_at, b.maintenance_reason, b.maintenance_reported_at, b.maintenance_reported_by,
	b.reserved_reason, b.reserved_by, b.reserved_at, b.version, b.created_at, b.updated_at`

const bedFrom = ` FROM bed b JOIN room r ON r.id = b.room_id`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	err := row.Scan(&b.ID, &b.RoomID, &b.RoomNumber, &b.FloorNumber, &b.BedNumber, &b.BedType, &b.Status,
		&b.LastCleanedAt, &b.MaintenanceReason, &b.MaintenanceReportedAt, &b.MaintenanceReportedBy,
		&b.ReservedReason, &b.ReservedBy, &b.ReservedAt, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBedNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *repoPG) CreateBed(ctx context.Context, b *Bed) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Version == 0 {
		b.Version = 1
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bed (id, room_id, bed_number, bed_type, status, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		b.ID, b.RoomID, b.BedNumber, string(b.BedType), string(b.Status), b.Version,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return mapWriteErr(err, "bed "+b.BedNumber)
}

func (r *repoPG) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+bedFrom+` WHERE b.id = $1`, id))
}

func (r *repoPG) GetBedForUpdate(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+bedFrom+` WHERE b.id = $1 FOR UPDATE OF b`, id))
}

func (r *repoPG) ListBedsByRoom(ctx context.Context, roomID uuid.UUID) ([]*Bed, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+bedCols+bedFrom+` WHERE b.room_id = $1 ORDER BY b.bed_number`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beds []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, err
		}
		beds = append(beds, b)
	}
	return beds, rows.Err()
}

func (r *repoPG) UpdateBed(ctx context.Context, b *Bed, expectedVersion int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bed SET
			status = $2, last_cleaned_at = $3,
			maintenance_reason = $4, maintenance_reported_at = $5, maintenance_reported_by = $6,
			reserved_reason = $7, reserved_by = $8, reserved_at = $9,
			version = $10, updated_at = $11
		WHERE id = $1 AND version = $12`,
		b.ID, string(b.Status), b.LastCleanedAt,
		b.MaintenanceReason, b.MaintenanceReportedAt, b.MaintenanceReportedBy,
		b.ReservedReason, b.ReservedBy, b.ReservedAt,
		b.Version, b.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *repoPG) AddStatusChange(ctx context.Context, sc *StatusChange) error {
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bed_status_change (id, bed_id, from_status, to_status, event, actor, reason, version, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sc.ID, sc.BedID, string(sc.FromStatus), string(sc.ToStatus), string(sc.Event),
		sc.Actor, sc.Reason, sc.Version, sc.OccurredAt,
	)
	return err
}

func (r *repoPG) ListStatusChanges(ctx context.Context, bedID uuid.UUID, limit int) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, bed_id, from_status, to_status, event, COALESCE(actor, ''), reason, version, occurred_at
		FROM bed_status_change
		WHERE bed_id = $1
		ORDER BY version DESC
		LIMIT $2`, bedID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StatusChange
	for rows.Next() {
		var sc StatusChange
		if err := rows.Scan(&sc.ID, &sc.BedID, &sc.FromStatus, &sc.ToStatus, &sc.Event,
			&sc.Actor, &sc.Reason, &sc.Version, &sc.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}
