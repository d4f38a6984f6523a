package websocket

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

const (
	room201 = "3f1c2a8e-5a4b-4c1e-9a77-201000000000"
	room305 = "3f1c2a8e-5a4b-4c1e-9a77-305000000000"
)

func TestTopicsFor(t *testing.T) {
	f2r201 := Scope{FloorNumber: 2, RoomID: room201}
	f3r305 := Scope{FloorNumber: 3, RoomID: room305}

	tests := []struct {
		name   string
		typ    string
		scopes []Scope
		want   []string
	}{
		{"bed status", EventBedStatusChanged, []Scope{f2r201}, []string{"room-" + room201, "floor-2", TopicBedManagement}},
		{"bed cleaned", EventBedCleaned, []Scope{f2r201}, []string{"room-" + room201, "floor-2", TopicBedManagement}},
		{"transfer across floors", EventBedTransferred, []Scope{f2r201, f3r305},
			[]string{"room-" + room201, "room-" + room305, "floor-2", "floor-3", TopicBedManagement}},
		{"transfer same room", EventBedTransferred, []Scope{f2r201, f2r201}, []string{"room-" + room201, "floor-2", TopicBedManagement}},
		{"room occupancy", EventRoomOccupancyUpdated, []Scope{f2r201}, []string{"room-" + room201, "floor-2"}},
		{"floor stats", EventFloorStatsUpdated, []Scope{{FloorNumber: 2}}, []string{"floor-2", TopicBedManagement}},
		{"admission created", EventAdmissionCreated, nil, []string{TopicAdmissions}},
		{"admission discharged", EventAdmissionDischarged, nil, []string{TopicAdmissions}},
		{"unknown", "bed:teleported", []Scope{f2r201}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TopicsFor(tt.typ, tt.scopes...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TopicsFor(%s) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("X", 3600))
	ev, err := NewEvent(EventBedStatusChanged,
		Resource{Type: "bed", ID: "bed-1", Version: 7}, at,
		map[string]string{"status": "cleaning"},
		Scope{FloorNumber: 2, RoomID: room201})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.ID == "" {
		t.Error("expected event id")
	}
	if ev.Topic != "room-"+room201 {
		t.Errorf("expected finest topic to be the room, got %s", ev.Topic)
	}
	if ev.Version != 7 || ev.ResourceID != "bed-1" || ev.ResourceType != "bed" {
		t.Errorf("unexpected resource fields: %+v", ev)
	}
	if ev.Timestamp.Location() != time.UTC || !ev.Timestamp.Equal(at) {
		t.Errorf("expected UTC timestamp equal to %v, got %v", at, ev.Timestamp)
	}

	var data map[string]string
	if err := json.Unmarshal(ev.Data, &data); err != nil || data["status"] != "cleaning" {
		t.Errorf("unexpected data %s: %v", ev.Data, err)
	}

	if _, err := NewEvent("nope", Resource{}, at, nil); err == nil {
		t.Error("expected error for unroutable event")
	}
}

func TestEvent_JSONShape(t *testing.T) {
	ev := Event{
		ID:           "e1",
		Type:         EventFloorStatsUpdated,
		Topic:        "floor-2",
		Topics:       []string{"floor-2", TopicBedManagement},
		ResourceType: "floor",
		ResourceID:   "2",
		Version:      12,
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "type", "topic", "topics", "resourceType", "resourceId", "version", "timestamp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
	if _, ok := m["data"]; ok {
		t.Errorf("expected data to be omitted, got %s", raw)
	}
}

func TestParseTopic(t *testing.T) {
	valid := map[string]Topic{
		"bed-management":   {Kind: KindBedManagement},
		"admissions":       {Kind: KindAdmissions},
		"floor-0":          {Kind: KindFloor, FloorNumber: 0},
		"floor-12":         {Kind: KindFloor, FloorNumber: 12},
		"room-" + room201: {Kind: KindRoom, RoomID: room201},
	}
	for in, want := range valid {
		got, err := ParseTopic(in)
		if err != nil {
			t.Errorf("ParseTopic(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseTopic(%q) = %+v, want %+v", in, got, want)
		}
		if got.String() != in {
			t.Errorf("round trip %q -> %q", in, got.String())
		}
	}

	for _, in := range []string{"", "floor-", "floor--1", "floor-two", "room-201", "Patient/123", "bed-management-2"} {
		if _, err := ParseTopic(in); err == nil {
			t.Errorf("ParseTopic(%q) expected error", in)
		}
	}
}

func TestIsControlType(t *testing.T) {
	for _, typ := range []string{ControlJoined, ControlLeft, ControlError} {
		if !IsControlType(typ) {
			t.Errorf("expected %s to be a control type", typ)
		}
	}
	if IsControlType(EventBedAssigned) {
		t.Error("bed:assigned is not a control type")
	}
}
