package ibmsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/platform/websocket"
)

// interpretFunc extracts the entities an event carries for one projection.
// ok is false when the event is addressed to the projection's topic but
// cannot be read, which forces a refetch.
type interpretFunc[V any] func(ev Event) (vals []V, ok bool)

// projection is a version-guarded cache of the entities behind one topic.
// It changes only through Apply and Refetch, never through local actions.
type projection[K comparable, V any] struct {
	name      string
	topic     string
	events    []string
	fetch     func(ctx context.Context) ([]V, error)
	interpret interpretFunc[V]
	key       func(V) K
	version   func(V) int64
	less      func(a, b V) bool
	clone     func(V) V
	logger    zerolog.Logger

	mu         sync.Mutex
	items      map[K]V
	stale      bool
	fetchErr   error
	refetching bool
	again      bool
	listeners  []func()

	// gen counts started fetches; patched records the gen current when an
	// entity was last patched by an event.
	gen      uint64
	inflight int
	patched  map[K]uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *projection[K, V]) init(logger zerolog.Logger) {
	p.items = make(map[K]V)
	p.patched = make(map[K]uint64)
	p.stale = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.logger = logger.With().Str("component", "projection").Str("topic", p.topic).Logger()
}

// Topic is the SyncChannel topic feeding the projection.
func (p *projection[K, V]) Topic() string { return p.topic }

// EventTypes lists the event types Apply understands.
func (p *projection[K, V]) EventTypes() []string { return p.events }

// Items returns copies of the cached entities in display order. The error
// is ErrStaleProjection while a refetch is owed; the items are still the
// best known state.
func (p *projection[K, V]) Items() ([]V, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]V, 0, len(p.items))
	for _, v := range p.items {
		out = append(out, p.clone(v))
	}
	sort.Slice(out, func(i, j int) bool { return p.less(out[i], out[j]) })

	if p.stale {
		if p.fetchErr != nil {
			return out, fmt.Errorf("%w: %w", ErrStaleProjection, p.fetchErr)
		}
		return out, ErrStaleProjection
	}
	return out, nil
}

// Get returns a copy of one cached entity.
func (p *projection[K, V]) Get(k K) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.items[k]
	if !ok {
		var zero V
		return zero, false
	}
	return p.clone(v), true
}

// Stale reports whether the cache is waiting for a refetch.
func (p *projection[K, V]) Stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale
}

// OnChange registers fn to run after every change to the cache.
func (p *projection[K, V]) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Apply patches the cache from a pushed event. Entities are replaced only
// by a strictly newer version, so re-applying an event is a no-op. An
// entity the cache does not know, or an unreadable event, marks the
// projection stale and schedules a refetch.
func (p *projection[K, V]) Apply(ev Event) {
	if !containsTopic(ev.Topics, p.topic) {
		return
	}
	vals, ok := p.interpret(ev)

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	changed, unknown := false, !ok
	for _, v := range vals {
		k := p.key(v)
		cur, known := p.items[k]
		if !known {
			unknown = true
			continue
		}
		if p.version(v) > p.version(cur) {
			p.items[k] = p.clone(v)
			p.patched[k] = p.gen
			changed = true
		}
	}
	if unknown {
		p.stale = true
	}
	listeners := p.listenersLocked(changed)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	if unknown {
		p.logger.Debug().Str("event_type", ev.Type).Str("resource_id", ev.ResourceID).Msg("unknown entity, refetching")
		p.scheduleRefetch()
	}
}

// Refetch replaces the cache with a full fetch. The only cached entities
// kept over fetched ones are those an event patched to a newer version
// after this fetch started; everything older is replaced, whatever its
// version, and entities missing from the fetch are dropped.
func (p *projection[K, V]) Refetch(ctx context.Context) error {
	p.mu.Lock()
	p.gen++
	started := p.gen
	p.inflight++
	p.mu.Unlock()

	fetched, err := p.fetch(ctx)

	p.mu.Lock()
	p.inflight--
	if err != nil {
		p.stale = true
		p.fetchErr = err
		p.mu.Unlock()
		return fmt.Errorf("refetch %s: %w", p.name, err)
	}

	next := make(map[K]V, len(fetched))
	for _, v := range fetched {
		k := p.key(v)
		if cur, ok := p.items[k]; ok && p.patched[k] >= started && p.version(cur) > p.version(v) {
			next[k] = cur
			continue
		}
		next[k] = p.clone(v)
	}
	p.items = next
	if p.inflight == 0 {
		p.patched = make(map[K]uint64)
	}
	p.stale = false
	p.fetchErr = nil
	listeners := p.listenersLocked(true)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

func (p *projection[K, V]) listenersLocked(changed bool) []func() {
	if !changed || len(p.listeners) == 0 {
		return nil
	}
	return append([]func(){}, p.listeners...)
}

// scheduleRefetch runs Refetch in the background. Requests arriving while
// one runs collapse into a single follow-up.
func (p *projection[K, V]) scheduleRefetch() {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	if p.refetching {
		p.again = true
		p.mu.Unlock()
		return
	}
	p.refetching = true
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		for {
			if err := p.Refetch(p.ctx); err != nil && p.ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("background refetch failed")
			}

			p.mu.Lock()
			if !p.again || p.ctx.Err() != nil {
				p.refetching = false
				p.mu.Unlock()
				return
			}
			p.again = false
			p.mu.Unlock()
		}
	}()
}

// close stops background refetches and ignores further events.
func (p *projection[K, V]) close() {
	p.cancel()
	p.wg.Wait()
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

var bedEventTypes = []string{
	websocket.EventBedAssigned,
	websocket.EventBedReleased,
	websocket.EventBedTransferred,
	websocket.EventBedStatusChanged,
	websocket.EventBedCleaned,
	websocket.EventBedMaintenance,
}

// BedListProjection caches the beds of one room, fed by room-{id}.
type BedListProjection struct {
	*projection[uuid.UUID, *Bed]
	RoomID uuid.UUID
}

func NewBedListProjection(api *API, roomID uuid.UUID, logger zerolog.Logger) *BedListProjection {
	p := &projection[uuid.UUID, *Bed]{
		name:   "beds",
		topic:  websocket.RoomTopic(roomID.String()),
		events: bedEventTypes,
		fetch: func(ctx context.Context) ([]*Bed, error) {
			return api.RoomBeds(ctx, roomID)
		},
		interpret: bedsOf(roomID),
		key:       func(b *Bed) uuid.UUID { return b.ID },
		version:   func(b *Bed) int64 { return b.Version },
		less:      func(a, b *Bed) bool { return a.BedNumber < b.BedNumber },
		clone:     func(b *Bed) *Bed { return b.Clone() },
	}
	p.init(logger)
	return &BedListProjection{projection: p, RoomID: roomID}
}

// bedEventPayload covers both bed event shapes: a single bed, or the two
// beds of a transfer.
type bedEventPayload struct {
	Bed     *Bed `json:"bed"`
	FromBed *Bed `json:"from_bed"`
	ToBed   *Bed `json:"to_bed"`
}

func bedsOf(roomID uuid.UUID) interpretFunc[*Bed] {
	return func(ev Event) ([]*Bed, bool) {
		var data bedEventPayload
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, false
		}
		var out []*Bed
		for _, b := range []*Bed{data.Bed, data.FromBed, data.ToBed} {
			if b != nil && b.RoomID == roomID {
				out = append(out, b)
			}
		}
		return out, len(out) > 0
	}
}

// RoomListProjection caches the room summaries of one floor, fed by
// floor-{N}.
type RoomListProjection struct {
	*projection[uuid.UUID, *Room]
	FloorNumber int
}

func NewRoomListProjection(api *API, floor int, logger zerolog.Logger) *RoomListProjection {
	p := &projection[uuid.UUID, *Room]{
		name:   "rooms",
		topic:  websocket.FloorTopic(floor),
		events: []string{websocket.EventRoomOccupancyUpdated},
		fetch: func(ctx context.Context) ([]*Room, error) {
			return api.Rooms(ctx, floor)
		},
		interpret: func(ev Event) ([]*Room, bool) {
			var r Room
			if err := json.Unmarshal(ev.Data, &r); err != nil || r.ID == uuid.Nil {
				return nil, false
			}
			if r.FloorNumber != floor {
				return nil, true
			}
			return []*Room{&r}, true
		},
		key:     func(r *Room) uuid.UUID { return r.ID },
		version: func(r *Room) int64 { return r.Version },
		less:    func(a, b *Room) bool { return a.RoomNumber < b.RoomNumber },
		clone: func(r *Room) *Room {
			c := *r
			return &c
		},
	}
	p.init(logger)
	return &RoomListProjection{projection: p, FloorNumber: floor}
}

// FloorListProjection caches the summary of every floor, fed by
// bed-management.
type FloorListProjection struct {
	*projection[int, *Floor]
}

func NewFloorListProjection(api *API, logger zerolog.Logger) *FloorListProjection {
	p := &projection[int, *Floor]{
		name:   "floors",
		topic:  websocket.TopicBedManagement,
		events: []string{websocket.EventFloorStatsUpdated},
		fetch:  api.Floors,
		interpret: func(ev Event) ([]*Floor, bool) {
			var f Floor
			if err := json.Unmarshal(ev.Data, &f); err != nil {
				return nil, false
			}
			return []*Floor{&f}, true
		},
		key:     func(f *Floor) int { return f.FloorNumber },
		version: func(f *Floor) int64 { return f.Version },
		less:    func(a, b *Floor) bool { return a.FloorNumber < b.FloorNumber },
		clone: func(f *Floor) *Floor {
			c := *f
			return &c
		},
	}
	p.init(logger)
	return &FloorListProjection{projection: p}
}
