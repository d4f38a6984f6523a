package bed

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/db"
	"github.com/ehr/ibms/internal/platform/lock"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Deps wires a Service. Locks must be shared with every other component
// that writes beds.
type Deps struct {
	Repo     Repository
	Tx       db.TxRunner
	Locks    *lock.Keyed
	Notifier *Notifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Service runs the transitions staff may request directly. Assign and
// release belong to the occupancy ledger.
type Service struct {
	repo     Repository
	tx       db.TxRunner
	locks    *lock.Keyed
	notifier *Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Locks == nil {
		d.Locks = lock.NewKeyed()
	}
	return &Service{
		repo:     d.Repo,
		tx:       d.Tx,
		locks:    d.Locks,
		notifier: d.Notifier,
		logger:   d.Logger.With().Str("component", "bed-service").Logger(),
		now:      d.Now,
	}
}

// LockKey is the keyed-lock name guarding one bed.
func LockKey(id uuid.UUID) string { return "bed:" + id.String() }

// Drive applies ev to a bed inside the transaction carried by ctx: it
// locks the row, runs the state machine, and writes the bed and its audit
// record. The caller must hold LockKey(id).
func Drive(ctx context.Context, repo Repository, id uuid.UUID, ev Event, attr Attribution) (*Bed, *StatusChange, error) {
	return drive(ctx, repo, id, fixed(ev), attr)
}

func drive(ctx context.Context, repo Repository, id uuid.UUID, pick func(Status) (Event, error), attr Attribution) (*Bed, *StatusChange, error) {
	b, err := repo.GetBedForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ev, err := pick(b.Status)
	if err != nil {
		return nil, nil, err
	}
	expected := b.Version
	sc, err := Apply(b, ev, attr)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.UpdateBed(ctx, b, expected); err != nil {
		return nil, nil, err
	}
	if err := repo.AddStatusChange(ctx, sc); err != nil {
		return nil, nil, err
	}
	return b, sc, nil
}

func (s *Service) Reserve(ctx context.Context, id uuid.UUID, actor, reason string) (*Bed, error) {
	return s.run(ctx, id, actor, reason, fixed(EventReserve))
}

func (s *Service) CancelReservation(ctx context.Context, id uuid.UUID, actor, reason string) (*Bed, error) {
	return s.run(ctx, id, actor, reason, fixed(EventCancelReservation))
}

func (s *Service) MarkCleaned(ctx context.Context, id uuid.UUID, actor string) (*Bed, error) {
	return s.run(ctx, id, actor, "", fixed(EventMarkCleaned))
}

func (s *Service) ReportMaintenance(ctx context.Context, id uuid.UUID, actor, reason string) (*Bed, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.run(ctx, id, actor, reason, fixed(EventReportMaintenance))
}

func (s *Service) ResolveMaintenance(ctx context.Context, id uuid.UUID, actor, reason string) (*Bed, error) {
	return s.run(ctx, id, actor, reason, fixed(EventResolveMaintenance))
}

// UpdateStatus moves a bed to target using the event implied by its
// current status.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, target Status, actor, reason string) (*Bed, error) {
	if !target.Valid() {
		return nil, apierror.Invalid("invalid status: %s", target)
	}
	return s.run(ctx, id, actor, reason, func(cur Status) (Event, error) {
		return EventForTarget(cur, target)
	})
}

func fixed(ev Event) func(Status) (Event, error) {
	return func(Status) (Event, error) { return ev, nil }
}

func (s *Service) run(ctx context.Context, id uuid.UUID, actor, reason string, pick func(Status) (Event, error)) (*Bed, error) {
	unlock := s.locks.Lock(LockKey(id))
	defer unlock()

	var change Change
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, sc, err := drive(ctx, s.repo, id, pick, Attribution{Actor: actor, At: s.now().UTC(), Reason: reason})
		if err != nil {
			return err
		}
		change = Change{Bed: b, Record: sc}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("bed_id", id.String()).
		Str("event", string(change.Record.Event)).
		Str("from", string(change.Record.FromStatus)).
		Str("to", string(change.Record.ToStatus)).
		Int64("version", change.Bed.Version).
		Str("actor", actor).
		Msg("bed transition")
	s.notifier.Transitioned(ctx, change)
	return change.Bed, nil
}

func (s *Service) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return s.repo.GetBed(ctx, id)
}

func (s *Service) ListFloors(ctx context.Context) ([]*Floor, error) {
	return s.repo.ListFloors(ctx)
}

func (s *Service) ListRooms(ctx context.Context, floor int) ([]*Room, error) {
	if floor < 0 {
		return nil, apierror.Invalid("floor must not be negative")
	}
	return s.repo.ListRooms(ctx, floor)
}

func (s *Service) GetRoom(ctx context.Context, id uuid.UUID) (*Room, error) {
	return s.repo.GetRoom(ctx, id)
}

// ListRoomBeds returns the beds of an existing room.
func (s *Service) ListRoomBeds(ctx context.Context, roomID uuid.UUID) ([]*Bed, error) {
	if _, err := s.repo.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.repo.ListBedsByRoom(ctx, roomID)
}

// StatusHistory returns the newest audit records of a bed first.
func (s *Service) StatusHistory(ctx context.Context, id uuid.UUID, limit int) ([]*StatusChange, error) {
	if _, err := s.repo.GetBed(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.ListStatusChanges(ctx, id, limit)
}

func (s *Service) CreateRoom(ctx context.Context, r *Room) error {
	if r.RoomNumber == "" {
		return apierror.Invalid("room_number is required")
	}
	if r.FloorNumber < 0 {
		return apierror.Invalid("floor_number must not be negative")
	}
	if r.RoomType == "" {
		r.RoomType = RoomWard
	}
	if !validRoomTypes[r.RoomType] {
		return apierror.Invalid("invalid room_type: %s", r.RoomType)
	}
	return s.repo.CreateRoom(ctx, r)
}

// CreateBed adds an available bed to a room and announces it.
func (s *Service) CreateBed(ctx context.Context, b *Bed) error {
	if b.BedNumber == "" {
		return apierror.Invalid("bed_number is required")
	}
	if b.BedType == "" {
		b.BedType = TypeStandard
	}
	if !validBedTypes[b.BedType] {
		return apierror.Invalid("invalid bed_type: %s", b.BedType)
	}

	room, err := s.repo.GetRoom(ctx, b.RoomID)
	if err != nil {
		return err
	}
	b.RoomNumber = room.RoomNumber
	b.FloorNumber = room.FloorNumber
	b.Status = StatusAvailable
	b.Version = 1

	if err := s.repo.CreateBed(ctx, b); err != nil {
		return err
	}
	s.notifier.StatusChanged(ctx, Change{Bed: b})
	return nil
}
