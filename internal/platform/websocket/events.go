package websocket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types published on the SyncChannel.
const (
	EventBedAssigned          = "bed:assigned"
	EventBedReleased          = "bed:released"
	EventBedTransferred       = "bed:transferred"
	EventBedStatusChanged     = "bed:status_changed"
	EventBedCleaned           = "bed:cleaned"
	EventBedMaintenance       = "bed:maintenance"
	EventRoomOccupancyUpdated = "room:occupancy_updated"
	EventFloorStatsUpdated    = "floor:stats_updated"
	EventAdmissionCreated     = "admission:created"
	EventAdmissionDischarged  = "admission:discharged"
)

// Topics.
const (
	TopicBedManagement = "bed-management"
	TopicAdmissions    = "admissions"

	floorPrefix = "floor-"
	roomPrefix  = "room-"
)

// Event is one SyncChannel message. Topic is the most specific topic the
// event was routed to; Topics lists all of them. Version is the version of
// the resource after the change.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	Topics       []string        `json:"topics"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Resource identifies what an event is about.
type Resource struct {
	Type    string
	ID      string
	Version int64
}

// Scope places an event in the building. A bed or room event carries both
// fields; a floor event only FloorNumber.
type Scope struct {
	FloorNumber int
	RoomID      string
}

func FloorTopic(floor int) string { return floorPrefix + strconv.Itoa(floor) }

func RoomTopic(roomID string) string { return roomPrefix + roomID }

// TopicsFor returns the topics an event of type eventType is routed to,
// most specific first, without duplicates. Unknown types route nowhere.
func TopicsFor(eventType string, scopes ...Scope) []string {
	var rooms, floors, globals []string
	withRooms, withFloors := false, false

	switch eventType {
	case EventBedAssigned, EventBedReleased, EventBedTransferred,
		EventBedStatusChanged, EventBedCleaned, EventBedMaintenance:
		withRooms, withFloors = true, true
		globals = append(globals, TopicBedManagement)
	case EventRoomOccupancyUpdated:
		withRooms, withFloors = true, true
	case EventFloorStatsUpdated:
		withFloors = true
		globals = append(globals, TopicBedManagement)
	case EventAdmissionCreated, EventAdmissionDischarged:
		globals = append(globals, TopicAdmissions)
	default:
		return nil
	}

	for _, s := range scopes {
		if withRooms && s.RoomID != "" {
			rooms = append(rooms, RoomTopic(s.RoomID))
		}
		if withFloors {
			floors = append(floors, FloorTopic(s.FloorNumber))
		}
	}

	out := make([]string, 0, len(rooms)+len(floors)+len(globals))
	seen := make(map[string]struct{}, cap(out))
	for _, group := range [][]string{rooms, floors, globals} {
		for _, t := range group {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// NewEvent builds a routed event with a fresh id. data is marshalled to
// JSON; nil leaves Data empty.
func NewEvent(eventType string, res Resource, at time.Time, data interface{}, scopes ...Scope) (Event, error) {
	topics := TopicsFor(eventType, scopes...)
	if len(topics) == 0 {
		return Event{}, fmt.Errorf("event %s has no topics", eventType)
	}

	ev := Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		Topic:        topics[0],
		Topics:       topics,
		ResourceType: res.Type,
		ResourceID:   res.ID,
		Version:      res.Version,
		Timestamp:    at.UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s data: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// TopicKind classifies a parsed topic.
type TopicKind string

const (
	KindBedManagement TopicKind = "bed-management"
	KindAdmissions    TopicKind = "admissions"
	KindFloor         TopicKind = "floor"
	KindRoom          TopicKind = "room"
)

type Topic struct {
	Kind        TopicKind
	FloorNumber int
	RoomID      string
}

func (t Topic) String() string {
	switch t.Kind {
	case KindFloor:
		return FloorTopic(t.FloorNumber)
	case KindRoom:
		return RoomTopic(t.RoomID)
	default:
		return string(t.Kind)
	}
}

// ParseTopic validates a topic name: "bed-management", "admissions",
// "floor-<n>" with n >= 0, or "room-<uuid>".
func ParseTopic(s string) (Topic, error) {
	switch {
	case s == TopicBedManagement:
		return Topic{Kind: KindBedManagement}, nil
	case s == TopicAdmissions:
		return Topic{Kind: KindAdmissions}, nil
	case strings.HasPrefix(s, floorPrefix):
		n, err := strconv.Atoi(strings.TrimPrefix(s, floorPrefix))
		if err != nil || n < 0 {
			return Topic{}, fmt.Errorf("invalid floor topic %q", s)
		}
		return Topic{Kind: KindFloor, FloorNumber: n}, nil
	case strings.HasPrefix(s, roomPrefix):
		id, err := uuid.Parse(strings.TrimPrefix(s, roomPrefix))
		if err != nil {
			return Topic{}, fmt.Errorf("invalid room topic %q", s)
		}
		return Topic{Kind: KindRoom, RoomID: id.String()}, nil
	default:
		return Topic{}, fmt.Errorf("unknown topic %q", s)
	}
}

// ClientMessage is a frame sent by a terminal. "subscribe" and
// "unsubscribe" are accepted as aliases of "join" and "leave".
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

const (
	ActionJoin        = "join"
	ActionLeave       = "leave"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Control frame types.
const (
	ControlJoined = "joined"
	ControlLeft   = "left"
	ControlError  = "error"
)

// ControlFrame acknowledges or rejects a ClientMessage. It shares the "type"
// key with Event; terminals tell them apart by the type value.
type ControlFrame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsControlType reports whether a frame type is a control frame.
func IsControlType(t string) bool {
	return t == ControlJoined || t == ControlLeft || t == ControlError
}
