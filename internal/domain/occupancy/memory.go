package occupancy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ibms/internal/domain/bed"
)

// MemoryStore keeps beds, admissions and assignments in process. It
// implements bed.Repository, Repository and db.TxRunner with the same
// guarantees as the Postgres store: a transaction is isolated from every
// other reader and writer and a failed one leaves no trace.
type MemoryStore struct {
	mu          sync.RWMutex
	rooms       map[uuid.UUID]*bed.Room
	beds        map[uuid.UUID]*bed.Bed
	changes     []*bed.StatusChange
	admissions  map[uuid.UUID]*Admission
	assignments []*BedAssignment
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:      make(map[uuid.UUID]*bed.Room),
		beds:       make(map[uuid.UUID]*bed.Bed),
		admissions: make(map[uuid.UUID]*Admission),
		now:        time.Now,
	}
}

type memTxKey struct{}

func inMemTx(ctx context.Context) bool {
	v, _ := ctx.Value(memTxKey{}).(bool)
	return v
}

// WithinTx holds the store exclusively while fn runs and restores the
// previous state if fn fails.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inMemTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	rooms       map[uuid.UUID]*bed.Room
	beds        map[uuid.UUID]*bed.Bed
	changes     int
	admissions  map[uuid.UUID]*Admission
	assignments []*BedAssignment
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		rooms:       make(map[uuid.UUID]*bed.Room, len(s.rooms)),
		beds:        make(map[uuid.UUID]*bed.Bed, len(s.beds)),
		changes:     len(s.changes),
		admissions:  make(map[uuid.UUID]*Admission, len(s.admissions)),
		assignments: make([]*BedAssignment, len(s.assignments)),
	}
	for id, r := range s.rooms {
		c := *r
		snap.rooms[id] = &c
	}
	for id, b := range s.beds {
		snap.beds[id] = b.Clone()
	}
	for id, a := range s.admissions {
		snap.admissions[id] = a.Clone()
	}
	for i, a := range s.assignments {
		snap.assignments[i] = a.Clone()
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.rooms = snap.rooms
	s.beds = snap.beds
	s.changes = s.changes[:snap.changes]
	s.admissions = snap.admissions
	s.assignments = snap.assignments
}

func (s *MemoryStore) rlock(ctx context.Context) func() {
	if inMemTx(ctx) {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *MemoryStore) lock(ctx context.Context) func() {
	if inMemTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// -- bed.Repository --

func (s *MemoryStore) CreateRoom(ctx context.Context, r *bed.Room) error {
	defer s.lock(ctx)()
	for _, existing := range s.rooms {
		if existing.RoomNumber == r.RoomNumber {
			return bed.ErrDuplicate
		}
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	c := *r
	s.rooms[r.ID] = &c
	return nil
}

func (s *MemoryStore) roomBeds(roomID uuid.UUID) []*bed.Bed {
	var out []*bed.Bed
	for _, b := range s.beds {
		if b.RoomID == roomID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BedNumber < out[j].BedNumber })
	return out
}

func (s *MemoryStore) roomSummary(r *bed.Room) *bed.Room {
	c := *r
	c.Tally(s.roomBeds(r.ID))
	return &c
}

func (s *MemoryStore) GetRoom(ctx context.Context, id uuid.UUID) (*bed.Room, error) {
	defer s.rlock(ctx)()
	r, ok := s.rooms[id]
	if !ok {
		return nil, bed.ErrRoomNotFound
	}
	return s.roomSummary(r), nil
}

func (s *MemoryStore) ListRooms(ctx context.Context, floor int) ([]*bed.Room, error) {
	defer s.rlock(ctx)()
	var out []*bed.Room
	for _, r := range s.rooms {
		if r.FloorNumber == floor {
			out = append(out, s.roomSummary(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomNumber < out[j].RoomNumber })
	return out, nil
}

func (s *MemoryStore) floorBeds(floor int) []*bed.Bed {
	var out []*bed.Bed
	for _, b := range s.beds {
		if b.FloorNumber == floor {
			out = append(out, b)
		}
	}
	return out
}

func (s *MemoryStore) ListFloors(ctx context.Context) ([]*bed.Floor, error) {
	defer s.rlock(ctx)()
	seen := make(map[int]bool)
	var floors []int
	for _, r := range s.rooms {
		if !seen[r.FloorNumber] {
			seen[r.FloorNumber] = true
			floors = append(floors, r.FloorNumber)
		}
	}
	sort.Ints(floors)
	out := make([]*bed.Floor, 0, len(floors))
	for _, n := range floors {
		out = append(out, bed.TallyFloor(n, s.floorBeds(n)))
	}
	return out, nil
}

func (s *MemoryStore) GetFloor(ctx context.Context, floor int) (*bed.Floor, error) {
	defer s.rlock(ctx)()
	return bed.TallyFloor(floor, s.floorBeds(floor)), nil
}

func (s *MemoryStore) CreateBed(ctx context.Context, b *bed.Bed) error {
	defer s.lock(ctx)()
	room, ok := s.rooms[b.RoomID]
	if !ok {
		return bed.ErrRoomNotFound
	}
	for _, existing := range s.beds {
		if existing.RoomID == b.RoomID && existing.BedNumber == b.BedNumber {
			return bed.ErrDuplicate
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Version == 0 {
		b.Version = 1
	}
	b.RoomNumber = room.RoomNumber
	b.FloorNumber = room.FloorNumber
	now := s.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	s.beds[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) GetBed(ctx context.Context, id uuid.UUID) (*bed.Bed, error) {
	defer s.rlock(ctx)()
	b, ok := s.beds[id]
	if !ok {
		return nil, bed.ErrBedNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) GetBedForUpdate(ctx context.Context, id uuid.UUID) (*bed.Bed, error) {
	return s.GetBed(ctx, id)
}

func (s *MemoryStore) ListBedsByRoom(ctx context.Context, roomID uuid.UUID) ([]*bed.Bed, error) {
	defer s.rlock(ctx)()
	return s.roomBeds(roomID), nil
}

func (s *MemoryStore) UpdateBed(ctx context.Context, b *bed.Bed, expectedVersion int64) error {
	defer s.lock(ctx)()
	cur, ok := s.beds[b.ID]
	if !ok {
		return bed.ErrBedNotFound
	}
	if cur.Version != expectedVersion {
		return bed.ErrConcurrentUpdate
	}
	s.beds[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) AddStatusChange(ctx context.Context, sc *bed.StatusChange) error {
	defer s.lock(ctx)()
	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	c := *sc
	s.changes = append(s.changes, &c)
	return nil
}

func (s *MemoryStore) ListStatusChanges(ctx context.Context, bedID uuid.UUID, limit int) ([]*bed.StatusChange, error) {
	defer s.rlock(ctx)()
	var out []*bed.StatusChange
	for i := len(s.changes) - 1; i >= 0 && len(out) < limit; i-- {
		if s.changes[i].BedID == bedID {
			c := *s.changes[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// -- Repository --

func (s *MemoryStore) CreateAdmission(ctx context.Context, a *Admission) error {
	defer s.lock(ctx)()
	for _, existing := range s.admissions {
		if existing.AdmissionNumber == a.AdmissionNumber {
			return bed.ErrDuplicate
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := s.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.admissions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	defer s.rlock(ctx)()
	a, ok := s.admissions[id]
	if !ok {
		return nil, ErrAdmissionNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetAdmissionForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return s.GetAdmission(ctx, id)
}

func (s *MemoryStore) ListAdmissions(ctx context.Context, status AdmissionStatus, limit, offset int) ([]*Admission, int, error) {
	defer s.rlock(ctx)()
	var all []*Admission
	for _, a := range s.admissions {
		if status == "" || a.Status == status {
			all = append(all, a.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].AdmissionDate.Equal(all[j].AdmissionDate) {
			return all[i].AdmissionDate.After(all[j].AdmissionDate)
		}
		return all[i].AdmissionNumber < all[j].AdmissionNumber
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) UpdateAdmission(ctx context.Context, a *Admission) error {
	defer s.lock(ctx)()
	if _, ok := s.admissions[a.ID]; !ok {
		return ErrAdmissionNotFound
	}
	c := a.Clone()
	c.CurrentAssignment = nil
	s.admissions[a.ID] = c
	return nil
}

func (s *MemoryStore) decorate(a *BedAssignment) *BedAssignment {
	c := a.Clone()
	if b, ok := s.beds[a.BedID]; ok {
		c.BedNumber = b.BedNumber
		c.RoomNumber = b.RoomNumber
	}
	return c
}

func (s *MemoryStore) CreateAssignment(ctx context.Context, a *BedAssignment) error {
	defer s.lock(ctx)()
	for _, existing := range s.assignments {
		if !existing.IsCurrent() {
			continue
		}
		if existing.AdmissionID == a.AdmissionID {
			return ErrAlreadyAssigned
		}
		if existing.BedID == a.BedID {
			return ErrBedUnavailable
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	c := a.Clone()
	c.ReleasedAt = nil
	s.assignments = append(s.assignments, c)
	return nil
}

func (s *MemoryStore) CloseAssignment(ctx context.Context, a *BedAssignment) error {
	defer s.lock(ctx)()
	for i, existing := range s.assignments {
		if existing.ID != a.ID {
			continue
		}
		if !existing.IsCurrent() {
			return ErrNoCurrentAssignment
		}
		c := existing.Clone()
		c.ReleasedAt = cloneTime(a.ReleasedAt)
		c.TransferReason = cloneStr(a.TransferReason)
		c.ReleaseReason = cloneStr(a.ReleaseReason)
		c.ReleaseKind = cloneStr(a.ReleaseKind)
		c.ReleasedBy = cloneStr(a.ReleasedBy)
		s.assignments[i] = c
		return nil
	}
	return ErrNoCurrentAssignment
}

func (s *MemoryStore) CurrentAssignment(ctx context.Context, admissionID uuid.UUID) (*BedAssignment, error) {
	defer s.rlock(ctx)()
	for _, a := range s.assignments {
		if a.AdmissionID == admissionID && a.IsCurrent() {
			return s.decorate(a), nil
		}
	}
	return nil, ErrNoCurrentAssignment
}

func (s *MemoryStore) CurrentAssignmentForBed(ctx context.Context, bedID uuid.UUID) (*BedAssignment, error) {
	defer s.rlock(ctx)()
	for _, a := range s.assignments {
		if a.BedID == bedID && a.IsCurrent() {
			return s.decorate(a), nil
		}
	}
	return nil, ErrNoCurrentAssignment
}

func (s *MemoryStore) ListAssignments(ctx context.Context, admissionID uuid.UUID) ([]*BedAssignment, error) {
	defer s.rlock(ctx)()
	var out []*BedAssignment
	for _, a := range s.assignments {
		if a.AdmissionID == admissionID {
			out = append(out, s.decorate(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}
