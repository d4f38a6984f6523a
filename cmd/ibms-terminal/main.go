package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehr/ibms/pkg/ibmsclient"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ibmsclient.UserMessage(err))
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("IBMS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "ibms-terminal",
		Short:         "Bed board terminal for the occupancy API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.String("url", "http://localhost:8000", "Server base URL (IBMS_URL)")
	flags.String("token", "", "Bearer token (IBMS_TOKEN)")
	flags.String("actor", "", "Actor sent to development servers (IBMS_ACTOR)")
	flags.Duration("timeout", 10*time.Second, "Request timeout (IBMS_TIMEOUT)")
	flags.Bool("verbose", false, "Log socket activity to stderr")
	for _, name := range []string{"url", "token", "actor", "timeout", "verbose"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	c := &cli{v: v, out: out}
	rootCmd.AddCommand(c.watchCmd())
	rootCmd.AddCommand(c.floorsCmd(), c.roomsCmd(), c.bedsCmd(), c.historyCmd())
	rootCmd.AddCommand(c.assignCmd(), c.transferCmd(), c.releaseCmd())
	rootCmd.AddCommand(c.reserveCmd(), c.cancelCmd(), c.cleanCmd(), c.maintenanceCmd(), c.resolveCmd())
	return rootCmd
}

type cli struct {
	v   *viper.Viper
	out io.Writer
	mu  sync.Mutex // serializes redraws
}

func (c *cli) config() ibmsclient.Config {
	level := zerolog.WarnLevel
	if c.v.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return ibmsclient.Config{
		BaseURL: c.v.GetString("url"),
		Token:   c.v.GetString("token"),
		Actor:   c.v.GetString("actor"),
		Timeout: c.v.GetDuration("timeout"),
		Logger:  logger,
	}
}

func (c *cli) api() *ibmsclient.API { return ibmsclient.NewAPI(c.config()) }

func parseID(kind, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

func parseFloor(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid floor number %q", s)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Watch
// ---------------------------------------------------------------------------

func (c *cli) watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a live view until interrupted",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "overview",
		Short: "Occupancy of every floor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.watch(cmd.Context(), func(ctx context.Context, term *ibmsclient.Terminal) (closer, func(), error) {
				view, err := term.EnterOverview(ctx)
				if err != nil {
					return nil, nil, err
				}
				draw := func() {
					floors, err := view.Floors.Items()
					c.frame("overview", err, func() { renderFloors(c.out, floors) })
				}
				view.Floors.OnChange(draw)
				return view, draw, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "floor <number>",
		Short: "Rooms on one floor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			floor, err := parseFloor(args[0])
			if err != nil {
				return err
			}
			return c.watch(cmd.Context(), func(ctx context.Context, term *ibmsclient.Terminal) (closer, func(), error) {
				view, err := term.EnterFloor(ctx, floor)
				if err != nil {
					return nil, nil, err
				}
				draw := func() {
					rooms, err := view.Rooms.Items()
					c.frame(fmt.Sprintf("floor %d", floor), err, func() { renderRooms(c.out, rooms) })
				}
				view.Rooms.OnChange(draw)
				return view, draw, nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "room <room-id>",
		Short: "Beds in one room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := parseID("room", args[0])
			if err != nil {
				return err
			}
			return c.watch(cmd.Context(), func(ctx context.Context, term *ibmsclient.Terminal) (closer, func(), error) {
				view, err := term.EnterRoom(ctx, roomID)
				if err != nil {
					return nil, nil, err
				}
				draw := func() {
					beds, err := view.Beds.Items()
					c.frame("room "+roomID.String(), err, func() { renderBeds(c.out, beds) })
				}
				view.Beds.OnChange(draw)
				return view, draw, nil
			})
		},
	})

	return cmd
}

type closer interface{ Close() error }

type enterFunc func(ctx context.Context, term *ibmsclient.Terminal) (closer, func(), error)

// watch starts a terminal, opens one view and redraws it on every change
// until SIGINT or SIGTERM.
func (c *cli) watch(ctx context.Context, enter enterFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	term, err := ibmsclient.NewTerminal(c.config())
	if err != nil {
		return err
	}
	defer term.Close()

	term.OnConnectionChange(func(up bool) {
		if up {
			c.say("-- live")
		} else {
			c.say("-- disconnected, showing last known state")
		}
	})
	if err := term.Start(ctx); err != nil {
		c.say("-- disconnected, retrying in the background")
	}

	view, draw, err := enter(ctx, term)
	if err != nil {
		return err
	}
	defer view.Close()
	draw()

	<-ctx.Done()
	return nil
}

func (c *cli) say(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func (c *cli) frame(title string, err error, body func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n== %s (%s)\n", title, time.Now().Format("15:04:05"))
	if err != nil {
		fmt.Fprintln(c.out, ibmsclient.UserMessage(err))
		return
	}
	body()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (c *cli) floorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "floors",
		Short: "List floor occupancy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			floors, err := c.api().Floors(cmd.Context())
			if err != nil {
				return err
			}
			renderFloors(c.out, floors)
			return nil
		},
	}
}

func (c *cli) roomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms <floor>",
		Short: "List the rooms on a floor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			floor, err := parseFloor(args[0])
			if err != nil {
				return err
			}
			rooms, err := c.api().Rooms(cmd.Context(), floor)
			if err != nil {
				return err
			}
			renderRooms(c.out, rooms)
			return nil
		},
	}
}

func (c *cli) bedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "beds <room-id>",
		Short: "List the beds in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := parseID("room", args[0])
			if err != nil {
				return err
			}
			beds, err := c.api().RoomBeds(cmd.Context(), roomID)
			if err != nil {
				return err
			}
			renderBeds(c.out, beds)
			return nil
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <bed-id>",
		Short: "Show the status history of a bed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bedID, err := parseID("bed", args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			changes, err := c.api().StatusHistory(cmd.Context(), bedID, limit)
			if err != nil {
				return err
			}
			renderHistory(c.out, changes)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum entries")
	return cmd
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func (c *cli) assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <admission-id> <bed-id>",
		Short: "Assign an admitted patient to a bed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			admissionID, err := parseID("admission", args[0])
			if err != nil {
				return err
			}
			bedID, err := parseID("bed", args[1])
			if err != nil {
				return err
			}
			asg, err := c.api().AssignBed(cmd.Context(), admissionID, bedID)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "assigned admission %s to bed %s\n", asg.AdmissionID, asg.BedID)
			return nil
		},
	}
}

func (c *cli) transferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer <admission-id> <bed-id>",
		Short: "Move a patient to another bed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			admissionID, err := parseID("admission", args[0])
			if err != nil {
				return err
			}
			bedID, err := parseID("bed", args[1])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			res, err := c.api().TransferBed(cmd.Context(), admissionID, bedID, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "moved from %s (now %s) to %s\n",
				res.FromBed.BedNumber, res.FromBed.Status, res.ToBed.BedNumber)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Transfer reason")
	return cmd
}

func (c *cli) releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <admission-id>",
		Short: "Release a patient's bed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admissionID, err := parseID("admission", args[0])
			if err != nil {
				return err
			}
			req := ibmsclient.ReleaseRequest{AdmissionID: admissionID}
			req.Reason, _ = cmd.Flags().GetString("reason")
			req.DischargeType, _ = cmd.Flags().GetString("discharge-type")
			req.DischargeSummary, _ = cmd.Flags().GetString("summary")
			asg, err := c.api().ReleaseBed(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "released bed %s\n", asg.BedID)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "Release reason")
	cmd.Flags().String("discharge-type", "", "Discharge the admission too: routine, transfer, against_advice, deceased or other")
	cmd.Flags().String("summary", "", "Discharge summary")
	return cmd
}

// bedCmd builds a single-bed action command.
func (c *cli) bedCmd(use, short string, withReason bool, op func(ctx context.Context, api *ibmsclient.API, id uuid.UUID, reason string) (*ibmsclient.Bed, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <bed-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bedID, err := parseID("bed", args[0])
			if err != nil {
				return err
			}
			var reason string
			if withReason {
				reason, _ = cmd.Flags().GetString("reason")
			}
			b, err := op(cmd.Context(), c.api(), bedID, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "bed %s is %s\n", b.BedNumber, b.Status)
			return nil
		},
	}
	if withReason {
		cmd.Flags().String("reason", "", "Reason")
	}
	return cmd
}

func (c *cli) reserveCmd() *cobra.Command {
	return c.bedCmd("reserve", "Reserve an available bed", true,
		func(ctx context.Context, api *ibmsclient.API, id uuid.UUID, reason string) (*ibmsclient.Bed, error) {
			return api.ReserveBed(ctx, id, reason)
		})
}

func (c *cli) cancelCmd() *cobra.Command {
	return c.bedCmd("cancel-reservation", "Cancel a reservation", true,
		func(ctx context.Context, api *ibmsclient.API, id uuid.UUID, reason string) (*ibmsclient.Bed, error) {
			return api.CancelReservation(ctx, id, reason)
		})
}

func (c *cli) cleanCmd() *cobra.Command {
	return c.bedCmd("clean", "Mark a bed cleaned", false,
		func(ctx context.Context, api *ibmsclient.API, id uuid.UUID, _ string) (*ibmsclient.Bed, error) {
			return api.MarkBedCleaned(ctx, id)
		})
}

func (c *cli) maintenanceCmd() *cobra.Command {
	return c.bedCmd("maintenance", "Take a bed out of service", true,
		func(ctx context.Context, api *ibmsclient.API, id uuid.UUID, reason string) (*ibmsclient.Bed, error) {
			return api.MarkBedForMaintenance(ctx, id, reason)
		})
}

func (c *cli) resolveCmd() *cobra.Command {
	return c.bedCmd("resolve", "Return a bed from maintenance to cleaning", true,
		func(ctx context.Context, api *ibmsclient.API, id uuid.UUID, reason string) (*ibmsclient.Bed, error) {
			return api.ResolveMaintenance(ctx, id, reason)
		})
}
