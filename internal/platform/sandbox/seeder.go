// Package sandbox generates a synthetic hospital for demos and development:
// floors of rooms and beds, plus admissions occupying some of them. Output
// is reproducible for a given seed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/domain/bed"
	"github.com/ehr/ibms/internal/domain/occupancy"
	"github.com/ehr/ibms/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the size and shape of the generated hospital.
type SeedConfig struct {
	FirstFloor    int     `json:"firstFloor"`
	Floors        int     `json:"floors"`
	RoomsPerFloor int     `json:"roomsPerFloor"`
	BedsPerRoom   int     `json:"bedsPerRoom"`
	Admissions    int     `json:"admissions"`
	AssignedRatio float64 `json:"assignedRatio"`
	Seed          int64   `json:"seed"`
}

// DefaultSeedConfig returns a small three-floor hospital.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		FirstFloor:    1,
		Floors:        3,
		RoomsPerFloor: 6,
		BedsPerRoom:   2,
		Admissions:    20,
		AssignedRatio: 0.6,
	}
}

func (c SeedConfig) withDefaults() SeedConfig {
	d := DefaultSeedConfig()
	if c.Floors <= 0 {
		c.Floors = d.Floors
	}
	if c.FirstFloor < 0 {
		c.FirstFloor = d.FirstFloor
	}
	if c.RoomsPerFloor <= 0 {
		c.RoomsPerFloor = d.RoomsPerFloor
	}
	if c.BedsPerRoom <= 0 {
		c.BedsPerRoom = d.BedsPerRoom
	}
	if c.Admissions < 0 {
		c.Admissions = 0
	}
	if c.AssignedRatio < 0 || c.AssignedRatio > 1 {
		c.AssignedRatio = d.AssignedRatio
	}
	return c
}

// ---------------------------------------------------------------------------
// SeedResult
// ---------------------------------------------------------------------------

// SeedResult summarizes a seed run.
type SeedResult struct {
	Floors      int           `json:"floors"`
	Rooms       int           `json:"rooms"`
	Beds        int           `json:"beds"`
	Admissions  int           `json:"admissions"`
	Assignments int           `json:"assignments"`
	Duration    time.Duration `json:"duration"`
}

// ErrAlreadySeeded is returned when the store already holds beds.
var ErrAlreadySeeded = errors.New("store already has beds")

// ---------------------------------------------------------------------------
// Name and type pools
// ---------------------------------------------------------------------------

var (
	firstNames = []string{
		"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
		"Linda", "David", "Elizabeth", "William", "Barbara", "Richard", "Susan",
		"Joseph", "Jessica", "Thomas", "Sarah", "Charles", "Karen", "Daniel",
		"Nancy", "Matthew", "Lisa", "Anthony", "Betty", "Mark", "Margaret",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez",
		"Wilson", "Anderson", "Thomas", "Taylor", "Moore", "Jackson", "Martin",
		"Lee", "Perez", "Thompson", "White", "Harris", "Sanchez", "Clark",
	}
	admissionTypes   = []string{"emergency", "emergency", "elective", "elective", "transfer", "maternity", "day_care"}
	admissionSources = []string{"emergency_department", "referral", "outpatient_clinic", "transfer_in"}
	bedLetters       = "ABCDEFGH"
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic values.
type DataGenerator struct {
	rng *rand.Rand
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) PatientName() string {
	return g.pick(firstNames) + " " + g.pick(lastNames)
}

func (g *DataGenerator) PatientID() string {
	return fmt.Sprintf("MRN-%08d", g.rng.Intn(100000000))
}

func (g *DataGenerator) AdmissionType() string { return g.pick(admissionTypes) }

func (g *DataGenerator) AdmissionSource() string { return g.pick(admissionSources) }

// RoomType makes the first room of every floor an ICU, about a quarter of
// the rest private, and the remainder wards.
func (g *DataGenerator) RoomType(index int) bed.RoomType {
	switch {
	case index == 0:
		return bed.RoomICU
	case g.rng.Intn(4) == 0:
		return bed.RoomPrivate
	case g.rng.Intn(3) == 0:
		return bed.RoomSemiPrivate
	default:
		return bed.RoomWard
	}
}

// BedType matches the bed to its room, with the odd specialised bed on
// wards.
func (g *DataGenerator) BedType(rt bed.RoomType) bed.Type {
	if rt == bed.RoomICU {
		return bed.TypeICU
	}
	switch g.rng.Intn(10) {
	case 0:
		return bed.TypeElectric
	case 1:
		return bed.TypeBariatric
	case 2:
		return bed.TypeIsolation
	default:
		return bed.TypeStandard
	}
}

// RoomNumber renders floor 2, index 0 as "201".
func RoomNumber(floor, index int) string {
	return fmt.Sprintf("%d%02d", floor, index+1)
}

// BedNumber renders room "201", index 0 as "201-A".
func BedNumber(room string, index int) string {
	if index < len(bedLetters) {
		return fmt.Sprintf("%s-%c", room, bedLetters[index])
	}
	return fmt.Sprintf("%s-%d", room, index+1)
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Inventory creates rooms and beds.
type Inventory interface {
	ListFloors(ctx context.Context) ([]*bed.Floor, error)
	CreateRoom(ctx context.Context, r *bed.Room) error
	CreateBed(ctx context.Context, b *bed.Bed) error
}

type Admitter interface {
	Create(ctx context.Context, a *occupancy.Admission) error
}

type Assigner interface {
	Assign(ctx context.Context, req occupancy.AssignRequest) (*occupancy.BedAssignment, error)
}

// Seeder writes a generated hospital through the regular services, so
// every invariant and event applies to seeded data too.
type Seeder struct {
	inventory  Inventory
	admissions Admitter
	ledger     Assigner
	logger     zerolog.Logger
}

func NewSeeder(inv Inventory, adm Admitter, ledger Assigner, logger zerolog.Logger) *Seeder {
	return &Seeder{
		inventory:  inv,
		admissions: adm,
		ledger:     ledger,
		logger:     logger.With().Str("component", "sandbox").Logger(),
	}
}

// Run generates the hospital described by cfg. It refuses to run against
// a store that already has beds.
func (s *Seeder) Run(ctx context.Context, cfg SeedConfig) (*SeedResult, error) {
	start := time.Now()
	cfg = cfg.withDefaults()
	gen := NewDataGenerator(cfg.Seed)

	floors, err := s.inventory.ListFloors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list floors: %w", err)
	}
	for _, f := range floors {
		if f.TotalBeds > 0 {
			return nil, ErrAlreadySeeded
		}
	}

	result := &SeedResult{Floors: cfg.Floors}
	var beds []*bed.Bed
	for f := 0; f < cfg.Floors; f++ {
		floor := cfg.FirstFloor + f
		for i := 0; i < cfg.RoomsPerFloor; i++ {
			room := &bed.Room{
				RoomNumber:  RoomNumber(floor, i),
				RoomType:    gen.RoomType(i),
				FloorNumber: floor,
			}
			if err := s.inventory.CreateRoom(ctx, room); err != nil {
				return nil, fmt.Errorf("create room %s: %w", room.RoomNumber, err)
			}
			result.Rooms++

			for j := 0; j < cfg.BedsPerRoom; j++ {
				b := &bed.Bed{
					RoomID:    room.ID,
					BedNumber: BedNumber(room.RoomNumber, j),
					BedType:   gen.BedType(room.RoomType),
				}
				if err := s.inventory.CreateBed(ctx, b); err != nil {
					return nil, fmt.Errorf("create bed %s: %w", b.BedNumber, err)
				}
				beds = append(beds, b)
				result.Beds++
			}
		}
	}

	// Assign in a shuffled order so occupancy spreads over every floor.
	order := gen.rng.Perm(len(beds))
	next := 0
	for i := 0; i < cfg.Admissions; i++ {
		adm := &occupancy.Admission{
			PatientID:     gen.PatientID(),
			PatientName:   gen.PatientName(),
			AdmissionType: gen.AdmissionType(),
		}
		src := gen.AdmissionSource()
		adm.AdmissionSource = &src
		if err := s.admissions.Create(ctx, adm); err != nil {
			return nil, fmt.Errorf("create admission: %w", err)
		}
		result.Admissions++

		if next >= len(order) || gen.rng.Float64() >= cfg.AssignedRatio {
			continue
		}
		b := beds[order[next]]
		next++
		if _, err := s.ledger.Assign(ctx, occupancy.AssignRequest{
			AdmissionID: adm.ID,
			BedID:       b.ID,
			Actor:       "sandbox",
		}); err != nil {
			return nil, fmt.Errorf("assign %s: %w", b.BedNumber, err)
		}
		result.Assignments++
	}

	result.Duration = time.Since(start)
	s.logger.Info().
		Int("rooms", result.Rooms).
		Int("beds", result.Beds).
		Int("admissions", result.Admissions).
		Int("assignments", result.Assignments).
		Dur("duration", result.Duration).
		Msg("sandbox seeded")
	return result, nil
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// SeedHandler exposes seeding on development servers.
type SeedHandler struct {
	seeder *Seeder
	mu     sync.Mutex
}

func NewSeedHandler(seeder *Seeder) *SeedHandler {
	return &SeedHandler{seeder: seeder}
}

// RegisterRoutes registers POST /sandbox/seed for admins.
func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	sg := g.Group("/sandbox", auth.RequireRole(auth.RoleAdmin))
	sg.POST("/seed", h.handleSeed)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := DefaultSeedConfig()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	result, err := h.seeder.Run(c.Request().Context(), cfg)
	if errors.Is(err, ErrAlreadySeeded) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
