package ibmsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Terminal is one staff terminal: an API client, a socket, an action gate
// and the views currently open. Each view owns its projection; nothing is
// shared between terminals.
type Terminal struct {
	API    *API
	Socket *Socket

	gate   *ActionGate
	logger zerolog.Logger

	mu    sync.Mutex
	views map[*View]struct{}
}

func NewTerminal(cfg Config) (*Terminal, error) {
	sock, err := NewSocket(cfg)
	if err != nil {
		return nil, err
	}
	t := &Terminal{
		API:    NewAPI(cfg),
		Socket: sock,
		gate:   NewActionGate(),
		logger: cfg.Logger.With().Str("component", "ibms-terminal").Logger(),
		views:  make(map[*View]struct{}),
	}
	sock.OnConnectionChange(t.connectionChanged)
	return t, nil
}

// Start connects the socket. A failed first dial is reported with
// ErrTransportDisconnected but the terminal stays usable: views fall back
// to fetching and the socket keeps reconnecting.
func (t *Terminal) Start(ctx context.Context) error {
	return t.Socket.Connect(ctx)
}

// Close closes every open view, then the socket.
func (t *Terminal) Close() error {
	t.mu.Lock()
	views := make([]*View, 0, len(t.views))
	for v := range t.views {
		views = append(views, v)
	}
	t.mu.Unlock()

	for _, v := range views {
		_ = v.Close()
	}
	return t.Socket.Close()
}

// Connected is the connectivity indicator.
func (t *Terminal) Connected() bool {
	return t.Socket.IsConnected()
}

func (t *Terminal) OnConnectionChange(fn func(connected bool)) HandlerID {
	return t.Socket.OnConnectionChange(fn)
}

// connectionChanged refetches every open view once the socket is back and
// its topics are joined again.
func (t *Terminal) connectionChanged(connected bool) {
	if !connected {
		t.logger.Warn().Msg("sync channel down, views may be out of date")
		return
	}
	t.refreshViews()
}

func (t *Terminal) refreshViews() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for v := range t.views {
		v.proj.scheduleRefetch()
	}
}

// viewProjection is what a View needs from its projection.
type viewProjection interface {
	Topic() string
	EventTypes() []string
	Apply(Event)
	Refetch(ctx context.Context) error
	Stale() bool
	scheduleRefetch()
	close()
}

// View holds a topic subscription and the handlers feeding one
// projection. Close releases both.
type View struct {
	term     *Terminal
	proj     viewProjection
	handlers []HandlerID
	once     sync.Once
}

// Refetch reloads the view from the server.
func (v *View) Refetch(ctx context.Context) error { return v.proj.Refetch(ctx) }

// Stale reports whether the view is waiting for a refetch.
func (v *View) Stale() bool { return v.proj.Stale() }

// Close leaves the topic and removes the view's handlers. It is safe to
// call more than once.
func (v *View) Close() error {
	var err error
	v.once.Do(func() {
		for _, id := range v.handlers {
			v.term.Socket.Off(id)
		}
		v.proj.close()

		v.term.mu.Lock()
		delete(v.term.views, v)
		v.term.mu.Unlock()

		err = v.term.Socket.Leave(context.Background(), v.proj.Topic())
		if errors.Is(err, ErrTransportDisconnected) {
			err = nil
		}
	})
	return err
}

// enter subscribes proj and loads it. Handlers are registered before the
// join and the fetch follows the join acknowledgement, so no event
// committed after the fetch's snapshot can be missed.
func (t *Terminal) enter(ctx context.Context, proj viewProjection) (*View, error) {
	v := &View{term: t, proj: proj}
	for _, et := range proj.EventTypes() {
		v.handlers = append(v.handlers, t.Socket.On(et, proj.Apply))
	}

	joinErr := t.Socket.Join(ctx, proj.Topic())
	if joinErr != nil && !errors.Is(joinErr, ErrTransportDisconnected) {
		for _, id := range v.handlers {
			t.Socket.Off(id)
		}
		proj.close()
		return nil, fmt.Errorf("enter %s: %w", proj.Topic(), joinErr)
	}

	t.mu.Lock()
	t.views[v] = struct{}{}
	t.mu.Unlock()

	if err := proj.Refetch(ctx); err != nil {
		_ = v.Close()
		return nil, fmt.Errorf("enter %s: %w", proj.Topic(), err)
	}
	if joinErr != nil {
		t.logger.Warn().Str("topic", proj.Topic()).Msg("view opened while disconnected")
	}
	return v, nil
}

type FloorView struct {
	*View
	Rooms *RoomListProjection
}

// EnterFloor opens the room list of a floor.
func (t *Terminal) EnterFloor(ctx context.Context, floor int) (*FloorView, error) {
	proj := NewRoomListProjection(t.API, floor, t.logger)
	v, err := t.enter(ctx, proj)
	if err != nil {
		return nil, err
	}
	return &FloorView{View: v, Rooms: proj}, nil
}

type RoomView struct {
	*View
	Beds *BedListProjection
}

// EnterRoom opens the bed list of a room.
func (t *Terminal) EnterRoom(ctx context.Context, roomID uuid.UUID) (*RoomView, error) {
	proj := NewBedListProjection(t.API, roomID, t.logger)
	v, err := t.enter(ctx, proj)
	if err != nil {
		return nil, err
	}
	return &RoomView{View: v, Beds: proj}, nil
}

type OverviewView struct {
	*View
	Floors *FloorListProjection
}

// EnterOverview opens the floor summary of the whole house.
func (t *Terminal) EnterOverview(ctx context.Context) (*OverviewView, error) {
	proj := NewFloorListProjection(t.API, t.logger)
	v, err := t.enter(ctx, proj)
	if err != nil {
		return nil, err
	}
	return &OverviewView{View: v, Floors: proj}, nil
}

func bedKey(id uuid.UUID) string       { return "bed:" + id.String() }
func admissionKey(id uuid.UUID) string { return "admission:" + id.String() }

// act runs an action through the gate. An action that settles while the
// socket is down may have changed state nobody pushed to us, so every
// open view is refetched.
func (t *Terminal) act(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := t.gate.Do(ctx, key, fn)
	if errors.Is(err, ErrActionInFlight) {
		return err
	}
	if !t.Connected() {
		t.refreshViews()
	}
	if err != nil {
		t.logger.Debug().Err(err).Str("control", key).Msg("action rejected")
	}
	return err
}

// InFlight reports whether the control for key has a request in flight.
func (t *Terminal) InFlight(key string) bool { return t.gate.InFlight(key) }

func (t *Terminal) Assign(ctx context.Context, admissionID, bedID uuid.UUID) (*Assignment, error) {
	var out *Assignment
	err := t.act(ctx, admissionKey(admissionID), func(ctx context.Context) (err error) {
		out, err = t.API.AssignBed(ctx, admissionID, bedID)
		return err
	})
	return out, err
}

func (t *Terminal) Release(ctx context.Context, req ReleaseRequest) (*Assignment, error) {
	var out *Assignment
	err := t.act(ctx, admissionKey(req.AdmissionID), func(ctx context.Context) (err error) {
		out, err = t.API.ReleaseBed(ctx, req)
		return err
	})
	return out, err
}

func (t *Terminal) Transfer(ctx context.Context, admissionID, newBedID uuid.UUID, reason string) (*TransferResult, error) {
	var out *TransferResult
	err := t.act(ctx, admissionKey(admissionID), func(ctx context.Context) (err error) {
		out, err = t.API.TransferBed(ctx, admissionID, newBedID, reason)
		return err
	})
	return out, err
}

type bedOp func(ctx context.Context) (*Bed, error)

func (t *Terminal) bedAction(ctx context.Context, bedID uuid.UUID, op bedOp) (*Bed, error) {
	var out *Bed
	err := t.act(ctx, bedKey(bedID), func(ctx context.Context) (err error) {
		out, err = op(ctx)
		return err
	})
	return out, err
}

func (t *Terminal) UpdateStatus(ctx context.Context, bedID uuid.UUID, status BedStatus, reason string) (*Bed, error) {
	return t.bedAction(ctx, bedID, func(ctx context.Context) (*Bed, error) {
		return t.API.UpdateBedStatus(ctx, bedID, status, reason)
	})
}

func (t *Terminal) Reserve(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return t.bedAction(ctx, bedID, func(ctx context.Context) (*Bed, error) {
		return t.API.ReserveBed(ctx, bedID, reason)
	})
}

func (t *Terminal) CancelReservation(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return t.bedAction(ctx, bedID, func(ctx context.Context) (*Bed, error) {
		return t.API.CancelReservation(ctx, bedID, reason)
	})
}

func (t *Terminal) MarkCleaned(ctx context.Context, bedID uuid.UUID) (*Bed, error) {
	return t.bedAction(ctx, bedID, func(ctx context.Context) (*Bed, error) {
		return t.API.MarkBedCleaned(ctx, bedID)
	})
}

func (t *Terminal) ReportMaintenance(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return t.bedAction(ctx, bedID, func(ctx context.Context) (*Bed, error) {
		return t.API.MarkBedForMaintenance(ctx, bedID, reason)
	})
}

func (t *Terminal) ResolveMaintenance(ctx context.Context, bedID uuid.UUID, reason string) (*Bed, error) {
	return t.bedAction(ctx, bedID, func(ctx context.Context) (*Bed, error) {
		return t.API.ResolveMaintenance(ctx, bedID, reason)
	})
}
