package bed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/platform/apierror"
	"github.com/ehr/ibms/internal/platform/websocket"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	rooms   map[uuid.UUID]*Room
	beds    map[uuid.UUID]*Bed
	changes []*StatusChange
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		rooms: make(map[uuid.UUID]*Room),
		beds:  make(map[uuid.UUID]*Bed),
	}
}

func (m *mockRepo) CreateRoom(_ context.Context, r *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	for _, existing := range m.rooms {
		if existing.RoomNumber == r.RoomNumber {
			return ErrDuplicate
		}
	}
	c := *r
	m.rooms[r.ID] = &c
	return nil
}

func (m *mockRepo) roomBeds(id uuid.UUID) []*Bed {
	var out []*Bed
	for _, b := range m.beds {
		if b.RoomID == id {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BedNumber < out[j].BedNumber })
	return out
}

func (m *mockRepo) GetRoom(_ context.Context, id uuid.UUID) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	c := *r
	c.Tally(m.roomBeds(id))
	return &c, nil
}

func (m *mockRepo) ListRooms(ctx context.Context, floor int) ([]*Room, error) {
	m.mu.Lock()
	var ids []uuid.UUID
	for id, r := range m.rooms {
		if r.FloorNumber == floor {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	var out []*Room
	for _, id := range ids {
		r, _ := m.GetRoom(ctx, id)
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRepo) ListFloors(ctx context.Context) ([]*Floor, error) {
	m.mu.Lock()
	floors := map[int]bool{}
	for _, r := range m.rooms {
		floors[r.FloorNumber] = true
	}
	m.mu.Unlock()
	var out []*Floor
	for n := range floors {
		f, _ := m.GetFloor(ctx, n)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FloorNumber < out[j].FloorNumber })
	return out, nil
}

func (m *mockRepo) GetFloor(_ context.Context, floor int) (*Floor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var beds []*Bed
	for _, b := range m.beds {
		if b.FloorNumber == floor {
			beds = append(beds, b)
		}
	}
	return TallyFloor(floor, beds), nil
}

func (m *mockRepo) CreateBed(_ context.Context, b *Bed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	m.beds[b.ID] = b.Clone()
	return nil
}

func (m *mockRepo) GetBed(_ context.Context, id uuid.UUID) (*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beds[id]
	if !ok {
		return nil, ErrBedNotFound
	}
	return b.Clone(), nil
}

func (m *mockRepo) GetBedForUpdate(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return m.GetBed(ctx, id)
}

func (m *mockRepo) ListBedsByRoom(_ context.Context, roomID uuid.UUID) ([]*Bed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomBeds(roomID), nil
}

func (m *mockRepo) UpdateBed(_ context.Context, b *Bed, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.beds[b.ID]
	if !ok {
		return ErrBedNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrentUpdate
	}
	m.beds[b.ID] = b.Clone()
	return nil
}

func (m *mockRepo) AddStatusChange(_ context.Context, sc *StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, sc)
	return nil
}

func (m *mockRepo) ListStatusChanges(_ context.Context, bedID uuid.UUID, limit int) ([]*StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StatusChange
	for i := len(m.changes) - 1; i >= 0 && len(out) < limit; i-- {
		if m.changes[i].BedID == bedID {
			out = append(out, m.changes[i])
		}
	}
	return out, nil
}

type inlineTx struct{}

func (inlineTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) }

func newTestService() (*Service, *mockRepo, *recordingPublisher) {
	repo := newMockRepo()
	pub := &recordingPublisher{}
	svc := NewService(Deps{
		Repo:     repo,
		Tx:       inlineTx{},
		Notifier: NewNotifier(pub, repo, zerolog.Nop(), fixedNow),
		Logger:   zerolog.Nop(),
		Now:      fixedNow,
	})
	return svc, repo, pub
}

func seedBed(t *testing.T, svc *Service, floor int, roomNumber, bedNumber string) *Bed {
	t.Helper()
	ctx := context.Background()
	rooms, _ := svc.ListRooms(ctx, floor)
	var room *Room
	for _, r := range rooms {
		if r.RoomNumber == roomNumber {
			room = r
		}
	}
	if room == nil {
		room = &Room{RoomNumber: roomNumber, FloorNumber: floor}
		if err := svc.CreateRoom(ctx, room); err != nil {
			t.Fatalf("create room: %v", err)
		}
	}
	b := &Bed{RoomID: room.ID, BedNumber: bedNumber}
	if err := svc.CreateBed(ctx, b); err != nil {
		t.Fatalf("create bed: %v", err)
	}
	return b
}

func equalTypes(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestService_CreateBed(t *testing.T) {
	svc, _, pub := newTestService()
	b := seedBed(t, svc, 2, "201", "201-A")

	if b.Status != StatusAvailable || b.Version != 1 || b.BedType != TypeStandard {
		t.Errorf("unexpected new bed: %+v", b)
	}
	if b.FloorNumber != 2 || b.RoomNumber != "201" {
		t.Errorf("expected room placement copied, got floor %d room %s", b.FloorNumber, b.RoomNumber)
	}
	want := []string{websocket.EventBedStatusChanged, websocket.EventRoomOccupancyUpdated, websocket.EventFloorStatsUpdated}
	if !equalTypes(pub.types(), want) {
		t.Errorf("expected %v, got %v", want, pub.types())
	}
}

func TestService_CreateBed_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if err := svc.CreateBed(ctx, &Bed{RoomID: uuid.New()}); !errors.Is(err, apierror.ErrInvalidInput) {
		t.Errorf("expected invalid input for missing bed_number, got %v", err)
	}
	if err := svc.CreateBed(ctx, &Bed{RoomID: uuid.New(), BedNumber: "X", BedType: "hammock"}); !errors.Is(err, apierror.ErrInvalidInput) {
		t.Errorf("expected invalid input for bed_type, got %v", err)
	}
	if err := svc.CreateBed(ctx, &Bed{RoomID: uuid.New(), BedNumber: "X"}); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
	if err := svc.CreateRoom(ctx, &Room{RoomNumber: "101", RoomType: "closet"}); !errors.Is(err, apierror.ErrInvalidInput) {
		t.Errorf("expected invalid room_type, got %v", err)
	}
	if err := svc.CreateRoom(ctx, &Room{RoomNumber: "101", FloorNumber: -1}); !errors.Is(err, apierror.ErrInvalidInput) {
		t.Errorf("expected invalid floor, got %v", err)
	}
}

func TestService_ReserveAndCancel(t *testing.T) {
	svc, repo, pub := newTestService()
	b := seedBed(t, svc, 2, "201", "201-A")
	pub.reset()
	ctx := context.Background()

	got, err := svc.Reserve(ctx, b.ID, "nurse.kim", "incoming")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusReserved || got.Version != 2 {
		t.Errorf("expected reserved v2, got %s v%d", got.Status, got.Version)
	}
	want := []string{websocket.EventBedStatusChanged, websocket.EventRoomOccupancyUpdated, websocket.EventFloorStatsUpdated}
	if !equalTypes(pub.types(), want) {
		t.Errorf("expected %v, got %v", want, pub.types())
	}

	if _, err := svc.Reserve(ctx, b.ID, "nurse.kim", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.CancelReservation(ctx, b.ID, "nurse.kim", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.changes) != 2 {
		t.Errorf("expected 2 audit records, got %d", len(repo.changes))
	}
}

func TestService_MaintenanceFlow(t *testing.T) {
	svc, _, pub := newTestService()
	b := seedBed(t, svc, 3, "305", "305-B")
	ctx := context.Background()

	if _, err := svc.ReportMaintenance(ctx, b.ID, "hk", ""); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	pub.reset()
	got, err := svc.ReportMaintenance(ctx, b.ID, "hk", "broken rail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusMaintenance {
		t.Fatalf("expected maintenance, got %s", got.Status)
	}
	types := pub.types()
	if len(types) == 0 || types[0] != websocket.EventBedMaintenance || types[1] != websocket.EventBedStatusChanged {
		t.Errorf("expected bed:maintenance then bed:status_changed, got %v", types)
	}

	if _, err := svc.MarkCleaned(ctx, b.ID, "hk"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.ResolveMaintenance(ctx, b.ID, "eng", "replaced"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub.reset()
	got, err = svc.MarkCleaned(ctx, b.ID, "hk")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusAvailable || got.LastCleanedAt == nil {
		t.Errorf("expected available with last_cleaned_at, got %+v", got)
	}
	if pub.types()[0] != websocket.EventBedCleaned {
		t.Errorf("expected bed:cleaned first, got %v", pub.types())
	}
}

func TestService_UpdateStatus(t *testing.T) {
	svc, _, _ := newTestService()
	b := seedBed(t, svc, 2, "201", "201-A")
	ctx := context.Background()

	got, err := svc.UpdateStatus(ctx, b.ID, StatusReserved, "bm", "vip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusReserved {
		t.Errorf("expected reserved, got %s", got.Status)
	}
	if _, err := svc.UpdateStatus(ctx, b.ID, StatusOccupied, "bm", ""); !errors.Is(err, ErrLedgerManaged) {
		t.Errorf("expected ErrLedgerManaged, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, b.ID, StatusReserved, "bm", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for same status, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, b.ID, Status("gone"), "bm", ""); !errors.Is(err, apierror.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, uuid.New(), StatusReserved, "bm", ""); !errors.Is(err, ErrBedNotFound) {
		t.Errorf("expected ErrBedNotFound, got %v", err)
	}
}

func TestService_EventsCarryVersionAndScope(t *testing.T) {
	svc, _, pub := newTestService()
	b := seedBed(t, svc, 2, "201", "201-A")
	pub.reset()

	if _, err := svc.Reserve(context.Background(), b.ID, "nurse", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev := pub.events[0]
	if ev.ResourceID != b.ID.String() || ev.Version != 2 {
		t.Errorf("expected bed %s v2, got %s v%d", b.ID, ev.ResourceID, ev.Version)
	}
	want := []string{websocket.RoomTopic(b.RoomID.String()), "floor-2", websocket.TopicBedManagement}
	if !equalTypes(ev.Topics, want) {
		t.Errorf("expected topics %v, got %v", want, ev.Topics)
	}

	room := pub.events[1]
	if room.Type != websocket.EventRoomOccupancyUpdated || room.Version != 2 {
		t.Errorf("expected room summary v2, got %s v%d", room.Type, room.Version)
	}
}

func TestService_ConcurrentReserveOneWins(t *testing.T) {
	svc, _, _ := newTestService()
	b := seedBed(t, svc, 2, "201", "201-A")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(context.Background(), b.ID, "nurse", ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one reservation, got %d", wins)
	}
}

func TestService_StatusHistory(t *testing.T) {
	svc, _, _ := newTestService()
	b := seedBed(t, svc, 2, "201", "201-A")
	ctx := context.Background()
	svc.Reserve(ctx, b.ID, "a", "")
	svc.CancelReservation(ctx, b.ID, "a", "")

	changes, err := svc.StatusHistory(ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 || changes[0].Event != EventCancelReservation {
		t.Errorf("expected newest first, got %+v", changes)
	}
	if _, err := svc.StatusHistory(ctx, uuid.New(), 10); !errors.Is(err, ErrBedNotFound) {
		t.Errorf("expected ErrBedNotFound, got %v", err)
	}
}

func TestService_ListRoomBeds_UnknownRoom(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.ListRoomBeds(context.Background(), uuid.New()); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestNotifier_NilIsSafe(t *testing.T) {
	var n *Notifier
	n.Transitioned(context.Background(), Change{Bed: newBed(StatusAvailable)})
	n.Occupancy(context.Background(), newBed(StatusAvailable))
}
