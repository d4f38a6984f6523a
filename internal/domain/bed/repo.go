package bed

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores rooms, beds and their audit trail. Methods join the
// transaction carried by ctx when there is one.
type Repository interface {
	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	ListRooms(ctx context.Context, floor int) ([]*Room, error)

	ListFloors(ctx context.Context) ([]*Floor, error)
	GetFloor(ctx context.Context, floor int) (*Floor, error)

	CreateBed(ctx context.Context, b *Bed) error
	GetBed(ctx context.Context, id uuid.UUID) (*Bed, error)
	// GetBedForUpdate reads a bed and holds a row lock until the
	// transaction ends.
	GetBedForUpdate(ctx context.Context, id uuid.UUID) (*Bed, error)
	ListBedsByRoom(ctx context.Context, roomID uuid.UUID) ([]*Bed, error)
	// UpdateBed writes b if the stored version still equals
	// expectedVersion, otherwise it returns ErrConcurrentUpdate.
	UpdateBed(ctx context.Context, b *Bed, expectedVersion int64) error

	AddStatusChange(ctx context.Context, sc *StatusChange) error
	ListStatusChanges(ctx context.Context, bedID uuid.UUID, limit int) ([]*StatusChange, error)
}
