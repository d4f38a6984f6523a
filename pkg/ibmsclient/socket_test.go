package ibmsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/ehr/ibms/internal/platform/websocket"
)

// recorder collects events delivered to a socket.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func connectSocket(t *testing.T, cfg Config) (*Socket, *recorder) {
	t.Helper()
	sock, err := NewSocket(cfg)
	if err != nil {
		t.Fatalf("new socket: %v", err)
	}
	rec := &recorder{}
	sock.On(AnyEvent, rec.add)
	if err := sock.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return sock, rec
}

func TestSocket_JoinAndReceive(t *testing.T) {
	srv := startServer(t)
	api := NewAPI(srv.config("nurse-jo"))
	w := seedWard(t, api)
	sock, rec := connectSocket(t, srv.config("nurse-jo"))

	if !sock.IsConnected() {
		t.Fatal("expected connected")
	}
	if err := sock.Join(context.Background(), websocket.FloorTopic(2)); err != nil {
		t.Fatalf("join: %v", err)
	}
	if n := srv.Hub.TopicCount("floor-2"); n != 1 {
		t.Fatalf("expected one floor-2 subscriber after ack, got %d", n)
	}

	if _, err := api.ReserveBed(context.Background(), w.BedA.ID, "incoming"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	waitFor(t, "status change", func() bool { return rec.count(websocket.EventBedStatusChanged) == 1 })
	waitFor(t, "room summary", func() bool { return rec.count(websocket.EventRoomOccupancyUpdated) == 1 })
	waitFor(t, "floor summary", func() bool { return rec.count(websocket.EventFloorStatsUpdated) == 1 })
}

func TestSocket_OncePerClientAcrossTopics(t *testing.T) {
	srv := startServer(t)
	api := NewAPI(srv.config("nurse-jo"))
	w := seedWard(t, api)
	sock, rec := connectSocket(t, srv.config("nurse-jo"))

	ctx := context.Background()
	for _, topic := range []string{websocket.FloorTopic(2), websocket.RoomTopic(w.Room.ID.String()), websocket.TopicBedManagement} {
		if err := sock.Join(ctx, topic); err != nil {
			t.Fatalf("join %s: %v", topic, err)
		}
	}

	if _, err := api.MarkBedForMaintenance(ctx, w.BedB.ID, "rail broken"); err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	// floor:stats_updated is published last for a transition.
	waitFor(t, "floor summary", func() bool { return rec.count(websocket.EventFloorStatsUpdated) >= 1 })

	if n := rec.count(websocket.EventBedStatusChanged); n != 1 {
		t.Errorf("expected bed:status_changed once, got %d", n)
	}
	if n := rec.count(websocket.EventBedMaintenance); n != 1 {
		t.Errorf("expected bed:maintenance once, got %d", n)
	}
	if n := rec.count(websocket.EventRoomOccupancyUpdated); n != 1 {
		t.Errorf("expected room:occupancy_updated once, got %d", n)
	}
}

func TestSocket_ReferenceCountedTopics(t *testing.T) {
	srv := startServer(t)
	sock, _ := connectSocket(t, srv.config("nurse-jo"))
	ctx := context.Background()

	topic := websocket.FloorTopic(3)
	if err := sock.Join(ctx, topic); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := sock.Join(ctx, topic); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if err := sock.Leave(ctx, topic); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// Give a wrongly sent leave time to land before checking.
	time.Sleep(50 * time.Millisecond)
	if n := srv.Hub.TopicCount(topic); n != 1 {
		t.Fatalf("expected topic still held, got %d subscribers", n)
	}
	if got := sock.Topics(); len(got) != 1 || got[0] != topic {
		t.Fatalf("expected %s held, got %v", topic, got)
	}

	if err := sock.Leave(ctx, topic); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "server unsubscribe", func() bool { return srv.Hub.TopicCount(topic) == 0 })
	if got := sock.Topics(); len(got) != 0 {
		t.Fatalf("expected no topics, got %v", got)
	}
}

func TestSocket_InvalidTopic(t *testing.T) {
	srv := startServer(t)
	sock, _ := connectSocket(t, srv.config("nurse-jo"))

	if err := sock.Join(context.Background(), "ward-7"); err == nil {
		t.Fatal("expected invalid topic to be rejected")
	}
	if got := sock.Topics(); len(got) != 0 {
		t.Fatalf("rejected topic must not be held, got %v", got)
	}
}

func TestSocket_ReconnectRejoins(t *testing.T) {
	srv := startServer(t)
	api := NewAPI(srv.config("nurse-jo"))
	w := seedWard(t, api)
	sock, rec := connectSocket(t, srv.config("nurse-jo"))

	states := make(chan bool, 8)
	sock.OnConnectionChange(func(up bool) { states <- up })

	if err := sock.Join(context.Background(), websocket.FloorTopic(2)); err != nil {
		t.Fatalf("join: %v", err)
	}

	srv.Hub.DisconnectAll()
	expectState(t, states, false)
	expectState(t, states, true)

	if n := srv.Hub.TopicCount("floor-2"); n != 1 {
		t.Fatalf("expected floor-2 re-joined before reconnect is announced, got %d", n)
	}
	if !sock.IsConnected() {
		t.Fatal("expected connected")
	}

	if _, err := api.ReserveBed(context.Background(), w.BedA.ID, "incoming"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	waitFor(t, "event after reconnect", func() bool { return rec.count(websocket.EventBedStatusChanged) == 1 })
}

func expectState(t *testing.T, states <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-states:
		if got != want {
			t.Fatalf("expected connected=%v, got %v", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for connected=%v", want)
	}
}

func TestSocket_ConnectFailureIsRecoverable(t *testing.T) {
	sock, err := NewSocket(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second, ReconnectMin: time.Hour})
	if err != nil {
		t.Fatalf("new socket: %v", err)
	}
	if err := sock.Connect(context.Background()); !errors.Is(err, ErrTransportDisconnected) {
		t.Fatalf("expected ErrTransportDisconnected, got %v", err)
	}
	if sock.IsConnected() {
		t.Fatal("expected disconnected")
	}

	// Topics joined while down stay held for the reconnect.
	if err := sock.Join(context.Background(), websocket.TopicBedManagement); !errors.Is(err, ErrTransportDisconnected) {
		t.Fatalf("expected ErrTransportDisconnected, got %v", err)
	}
	if got := sock.Topics(); len(got) != 1 {
		t.Fatalf("expected topic held, got %v", got)
	}

	done := make(chan struct{})
	go func() {
		_ = sock.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("close did not stop the reconnect loop")
	}
	if err := sock.Join(context.Background(), websocket.TopicAdmissions); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("expected ErrSocketClosed, got %v", err)
	}
}

func TestSocket_JoinWithoutAckTimesOut(t *testing.T) {
	// The server accepts the connection but never acknowledges a join.
	upgrader := gorillawebsocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	sock, _ := connectSocket(t, Config{BaseURL: ts.URL, JoinTimeout: 100 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- sock.Join(context.Background(), websocket.FloorTopic(2)) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("join without an ack did not time out")
	}
	if got := sock.Topics(); len(got) != 0 {
		t.Errorf("expected the hold dropped, got %v", got)
	}
}

func TestConfig_SocketURL(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{BaseURL: "http://localhost:8000/"}, "ws://localhost:8000/api/v1/ws"},
		{Config{BaseURL: "https://ibms.example"}, "wss://ibms.example/api/v1/ws"},
		{Config{BaseURL: "https://ibms.example", Token: "abc"}, "wss://ibms.example/api/v1/ws?access_token=abc"},
	}
	for _, tt := range tests {
		got, err := tt.cfg.withDefaults().socketURL()
		if err != nil {
			t.Fatalf("%s: %v", tt.cfg.BaseURL, err)
		}
		if got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}
