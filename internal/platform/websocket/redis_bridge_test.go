package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func startBridge(t *testing.T, mr *miniredis.Miniredis, hub *Hub) *RedisBridge {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bridge := NewRedisBridge(client, "ibms:events", hub, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-bridge.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not subscribe")
	}
	return bridge
}

func waitFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case raw := <-c.Send():
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestRedisBridge_FansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	hubA := newTestHub()
	hubB := newTestHub()
	bridgeA := startBridge(t, mr, hubA)
	startBridge(t, mr, hubB)

	onA := registered(hubA, "a", 8, "floor-2")
	onB := registered(hubB, "b", 8, "floor-2")
	offB := registered(hubB, "b-other", 8, "floor-3")

	if err := bridgeA.Publish(context.Background(), bedEvent(t, 2, room201)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFrame(t, onA)
	waitFrame(t, onB)

	time.Sleep(50 * time.Millisecond)
	if got := len(drain(offB)); got != 0 {
		t.Fatalf("floor-3 subscriber on instance B got %d frames", got)
	}
}

func TestRedisBridge_PreservesPublishOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	hub := newTestHub()
	bridge := startBridge(t, mr, hub)
	c := registered(hub, "c", 16, "room-"+room201)

	for v := int64(1); v <= 5; v++ {
		ev := bedEvent(t, 2, room201)
		ev.Version = v
		if err := bridge.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for want := int64(1); want <= 5; want++ {
		raw := waitFrame(t, c)
		var got Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Version != want {
			t.Fatalf("expected version %d, got %d", want, got.Version)
		}
	}
}

func TestRedisBridge_PublishFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	bridge := NewRedisBridge(client, "ibms:events", newTestHub(), zerolog.Nop())

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bridge.Publish(ctx, bedEvent(t, 2, room201)); err == nil {
		t.Fatal("expected publish error with redis down")
	}
}
