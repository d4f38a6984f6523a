package ibmsclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/server"
)

// liveServer runs the occupancy API on a memory store.
type liveServer struct {
	*server.Server
	HTTP *httptest.Server
}

func startServer(t *testing.T) *liveServer {
	t.Helper()
	srv := server.New(server.Options{Store: server.MemoryStore(), Logger: zerolog.Nop()})
	ts := httptest.NewServer(srv.Echo)
	t.Cleanup(func() {
		srv.Hub.DisconnectAll()
		ts.Close()
	})
	return &liveServer{Server: srv, HTTP: ts}
}

func (s *liveServer) config(actor string) Config {
	return Config{
		BaseURL:      s.HTTP.URL,
		Actor:        actor,
		Timeout:      5 * time.Second,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
		JoinTimeout:  2 * time.Second,
	}
}

// ward is floor 2, room 201 with beds 201-A and 201-B, and two admitted
// patients without beds.
type ward struct {
	Room       *Room
	BedA, BedB *Bed
	Ada, Bo    *Admission
}

func seedWard(t *testing.T, api *API) *ward {
	t.Helper()
	ctx := context.Background()

	room, err := api.CreateRoom(ctx, &Room{RoomNumber: "201", FloorNumber: 2})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	w := &ward{Room: room}
	if w.BedA, err = api.CreateBed(ctx, room.ID, &Bed{BedNumber: "201-A"}); err != nil {
		t.Fatalf("create bed: %v", err)
	}
	if w.BedB, err = api.CreateBed(ctx, room.ID, &Bed{BedNumber: "201-B"}); err != nil {
		t.Fatalf("create bed: %v", err)
	}
	if w.Ada, err = api.CreateAdmission(ctx, &Admission{PatientID: "MRN-1", PatientName: "Ada", AdmissionType: "emergency"}); err != nil {
		t.Fatalf("create admission: %v", err)
	}
	if w.Bo, err = api.CreateAdmission(ctx, &Admission{PatientID: "MRN-2", PatientName: "Bo", AdmissionType: "elective"}); err != nil {
		t.Fatalf("create admission: %v", err)
	}
	return w
}

func bedIn(beds []*Bed, id uuid.UUID) *Bed {
	for _, b := range beds {
		if b.ID == id {
			return b
		}
	}
	return nil
}
