package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func registered(h *Hub, id string, buffer int, topics ...string) *Client {
	c := NewClient(id, "tester", buffer)
	h.Register(c)
	h.Subscribe(c, topics...)
	return c
}

func drain(c *Client) []map[string]interface{} {
	var out []map[string]interface{}
	for {
		select {
		case raw, ok := <-c.Send():
			if !ok {
				return out
			}
			var m map[string]interface{}
			_ = json.Unmarshal(raw, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func bedEvent(t *testing.T, floor int, roomID string) Event {
	t.Helper()
	ev, err := NewEvent(EventBedStatusChanged, Resource{Type: "bed", ID: "b1", Version: 2},
		time.Now(), nil, Scope{FloorNumber: floor, RoomID: roomID})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub()
	c := registered(hub, "c1", 8, "floor-2", TopicBedManagement)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("floor-2") != 1 {
		t.Fatalf("expected 1 subscriber on floor-2, got %d", hub.TopicCount("floor-2"))
	}

	hub.Unregister(c)
	hub.Unregister(c)

	if hub.ClientCount() != 0 || hub.TopicCount("floor-2") != 0 || hub.TopicCount(TopicBedManagement) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-c.Send(); ok {
		t.Fatal("expected send channel to be closed")
	}
}

func TestHub_DeliverOnlyToSubscribers(t *testing.T) {
	hub := newTestHub()
	floor2 := registered(hub, "floor2", 8, "floor-2")
	floor3 := registered(hub, "floor3", 8, "floor-3")
	idle := registered(hub, "idle", 8)

	n := hub.Deliver(bedEvent(t, 2, room201))
	if n != 1 {
		t.Fatalf("expected delivery to 1 client, got %d", n)
	}
	if got := len(drain(floor2)); got != 1 {
		t.Errorf("floor-2 subscriber expected 1 event, got %d", got)
	}
	if got := len(drain(floor3)); got != 0 {
		t.Errorf("floor-3 subscriber expected nothing, got %d", got)
	}
	if got := len(drain(idle)); got != 0 {
		t.Errorf("unsubscribed client expected nothing, got %d", got)
	}
}

func TestHub_DeliverOncePerClient(t *testing.T) {
	hub := newTestHub()
	c := registered(hub, "multi", 8, "room-"+room201, "floor-2", TopicBedManagement)

	if n := hub.Deliver(bedEvent(t, 2, room201)); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if got := len(drain(c)); got != 1 {
		t.Fatalf("expected exactly one frame, got %d", got)
	}
}

func TestHub_NoReplayForLateSubscriber(t *testing.T) {
	hub := newTestHub()
	c := registered(hub, "late", 8)

	hub.Deliver(bedEvent(t, 2, room201))
	hub.Subscribe(c, "floor-2")

	if got := len(drain(c)); got != 0 {
		t.Fatalf("expected no replay, got %d frames", got)
	}

	hub.Deliver(bedEvent(t, 2, room201))
	if got := len(drain(c)); got != 1 {
		t.Fatalf("expected 1 frame after subscribing, got %d", got)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub()
	c := registered(hub, "c", 8, "floor-2", "floor-3")
	hub.Unsubscribe(c, "floor-2")

	hub.Deliver(bedEvent(t, 2, room201))
	if got := len(drain(c)); got != 0 {
		t.Fatalf("expected nothing after leaving floor-2, got %d", got)
	}
	if hub.TopicCount("floor-3") != 1 {
		t.Fatalf("expected floor-3 subscription to remain")
	}
}

func TestHub_FullBufferDisconnectsClient(t *testing.T) {
	hub := newTestHub()
	slow := registered(hub, "slow", 1, "floor-2")
	fast := registered(hub, "fast", 8, "floor-2")

	ev := bedEvent(t, 2, room201)
	reached := make(chan []int, 1)
	go func() {
		var n []int
		for i := 0; i < 3; i++ {
			n = append(n, hub.Deliver(ev))
		}
		reached <- n
	}()

	var n []int
	select {
	case n = <-reached:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a full client")
	}
	if n[0] != 2 || n[1] != 1 || n[2] != 1 {
		t.Errorf("expected deliveries [2 1 1], got %v", n)
	}

	// The slow client keeps what it had queued, then its queue is closed.
	if got := len(drain(slow)); got != 1 {
		t.Errorf("slow client expected 1 buffered frame, got %d", got)
	}
	if _, ok := <-slow.Send(); ok {
		t.Error("expected slow client's queue closed")
	}
	if hub.ClientCount() != 1 || hub.TopicCount("floor-2") != 1 {
		t.Errorf("expected only the fast client left, got %d clients, %d on floor-2",
			hub.ClientCount(), hub.TopicCount("floor-2"))
	}
	if got := len(drain(fast)); got != 3 {
		t.Errorf("fast client expected 3 frames, got %d", got)
	}
}

func TestHub_FullBufferOnAckDisconnectsClient(t *testing.T) {
	hub := newTestHub()
	c := registered(hub, "c", 1)

	hub.ProcessMessage(c, ClientMessage{Action: ActionJoin, Topics: []string{"floor-1", "floor-2"}})
	if hub.ClientCount() != 0 {
		t.Fatal("expected client unregistered after its ack overflowed")
	}
	if hub.TopicCount("floor-1") != 0 || hub.TopicCount("floor-2") != 0 {
		t.Error("expected no subscriptions left")
	}
	if got := len(drain(c)); got != 1 {
		t.Errorf("expected the first ack queued, got %d frames", got)
	}
}

func TestHub_ProcessMessageAcks(t *testing.T) {
	hub := newTestHub()
	c := registered(hub, "c", 16)

	hub.ProcessMessage(c, ClientMessage{Action: ActionJoin, Topics: []string{"floor-2", "Patient/1"}})
	frames := drain(c)
	if len(frames) != 2 {
		t.Fatalf("expected 2 control frames, got %d", len(frames))
	}
	if frames[0]["type"] != ControlJoined || frames[0]["topic"] != "floor-2" {
		t.Errorf("expected joined floor-2, got %v", frames[0])
	}
	if frames[1]["type"] != ControlError || frames[1]["topic"] != "Patient/1" {
		t.Errorf("expected error for Patient/1, got %v", frames[1])
	}
	if hub.TopicCount("floor-2") != 1 {
		t.Fatal("expected floor-2 subscription")
	}

	hub.ProcessMessage(c, ClientMessage{Action: ActionUnsubscribe, Topics: []string{"floor-2"}})
	frames = drain(c)
	if len(frames) != 1 || frames[0]["type"] != ControlLeft {
		t.Fatalf("expected left frame, got %v", frames)
	}
	if hub.TopicCount("floor-2") != 0 {
		t.Fatal("expected floor-2 subscription removed")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "dance"})
	frames = drain(c)
	if len(frames) != 1 || frames[0]["type"] != ControlError {
		t.Fatalf("expected error for unknown action, got %v", frames)
	}
}

func TestHub_SubscribeAliasNormalizesRoomTopic(t *testing.T) {
	hub := newTestHub()
	c := registered(hub, "c", 8)

	upper := "room-3F1C2A8E-5A4B-4C1E-9A77-201000000000"
	hub.ProcessMessage(c, ClientMessage{Action: ActionSubscribe, Topics: []string{upper}})
	drain(c)

	if hub.TopicCount("room-"+room201) != 1 {
		t.Fatal("expected canonical room topic subscription")
	}
}

func TestHub_PublishImplementsPublisher(t *testing.T) {
	var p Publisher = newTestHub()
	if err := p.Publish(context.Background(), bedEvent(t, 2, room201)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestHub_ConcurrentRegisterDeliverUnregister(t *testing.T) {
	hub := newTestHub()
	ev := bedEvent(t, 2, room201)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := registered(hub, fmt.Sprintf("c%d", i), 4, "floor-2")
			hub.Unregister(c)
		}(i)
		go func() {
			defer wg.Done()
			hub.Deliver(ev)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_DisconnectAll(t *testing.T) {
	hub := newTestHub()
	a := registered(hub, "a", 4, "floor-2")
	b := registered(hub, "b", 4, "floor-2", TopicBedManagement)

	if n := hub.DisconnectAll(); n != 2 {
		t.Fatalf("expected 2 clients disconnected, got %d", n)
	}
	if hub.ClientCount() != 0 || hub.TopicCount("floor-2") != 0 || hub.TopicCount(TopicBedManagement) != 0 {
		t.Fatal("expected hub to be empty")
	}
	for _, c := range []*Client{a, b} {
		if _, ok := <-c.Send(); ok {
			t.Fatalf("expected %s send channel closed", c.ID)
		}
	}

	// A late unregister from the connection's read pump is a no-op.
	hub.Unregister(a)
	if hub.Deliver(bedEvent(t, 2, "r1")) != 0 {
		t.Fatal("expected no deliveries after disconnect")
	}
}
