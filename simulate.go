package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/wricardo/warehouse-fleet/fleet/config"
	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
	"github.com/wricardo/warehouse-fleet/fleet/sim"
)

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:      "simulate",
		Usage:     "Run a scenario until every job is delivered and print a summary",
		ArgsUsage: "[scenario]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-ticks", Value: 10000, Usage: "Give up after this many ticks"},
			&cli.DurationFlag{Name: "realtime", Usage: "Wall-clock time per tick (0 runs as fast as possible)"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Print every coordinator event"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, err := newLogger(cmd.Bool("debug"))
			if err != nil {
				return err
			}
			defer log.Sync()

			scenarios, err := config.NewManager(cmd.String("config-dir"))
			if err != nil {
				return fmt.Errorf("failed to create scenario manager: %w", err)
			}

			name := cmd.Args().First()
			var sc *scenario.Scenario
			if name == "" {
				name, sc = scenarios.GetDefault()
			} else if sc, err = scenarios.LoadScenario(name); err != nil {
				return err
			}

			return runSimulation(ctx, cmd.Root().Writer, simulationConfig{
				Name:     name,
				Scenario: sc,
				MaxTicks: int(cmd.Int("max-ticks")),
				Realtime: cmd.Duration("realtime"),
				Verbose:  cmd.Bool("verbose"),
				Log:      log,
			})
		},
	}
}

type simulationConfig struct {
	Name     string
	Scenario *scenario.Scenario
	MaxTicks int
	Realtime time.Duration
	Verbose  bool
	Log      *zap.Logger
}

// runSimulation drives a fresh coordinator for the scenario and writes a
// report to w. It fails when jobs remain open after MaxTicks.
func runSimulation(ctx context.Context, w io.Writer, cfg simulationConfig) error {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	fleet, err := cfg.Scenario.Build(coordinator.WithLogger(log.Named("coordinator")))
	if err != nil {
		return err
	}
	driver, err := sim.NewDriver(fleet, cfg.Scenario.TickSeconds, sim.WithLogger(log.Named("driver")))
	if err != nil {
		return err
	}

	m := fleet.Grid()
	fmt.Fprintf(w, "Scenario: %s (%s) %dx%d, %d carts, %d chargers, %d jobs\n",
		cfg.Scenario.Name, cfg.Name, m.Width(), m.Height(),
		len(fleet.CartSnapshot()), len(fleet.StationSnapshot()), len(cfg.Scenario.Jobs))

	onStep := func(r sim.StepReport) {
		if !cfg.Verbose {
			return
		}
		for _, e := range r.Events {
			fmt.Fprintf(w, "[t%d] %s\n", e.Tick, e.Message)
		}
	}

	if cfg.Realtime > 0 {
		err = playUntilIdle(ctx, driver, cfg.Realtime, cfg.MaxTicks, onStep)
	} else {
		var reports []sim.StepReport
		reports, err = driver.RunUntilIdle(ctx, cfg.MaxTicks)
		for _, r := range reports {
			onStep(r)
		}
	}

	writeSummary(w, fleet)
	return err
}

// playUntilIdle steps on a wall-clock ticker until the fleet has no open jobs
func playUntilIdle(ctx context.Context, driver *sim.Driver, interval time.Duration, maxTicks int, onStep func(sim.StepReport)) error {
	fleet := driver.Coordinator()
	if !fleet.Busy() {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	steps := 0
	err := driver.Play(ctx, interval, func(r sim.StepReport) {
		onStep(r)
		steps++
		if !fleet.Busy() || steps >= maxTicks {
			cancel()
		}
	})
	if err != nil {
		return err
	}
	if fleet.Busy() && steps >= maxTicks {
		return fmt.Errorf("%w: %d jobs open after %d ticks", sim.ErrStepLimit, len(fleet.JobSnapshot()), maxTicks)
	}
	return nil
}

func writeSummary(w io.Writer, fleet *coordinator.Coordinator) {
	stats := fleet.Stats()
	fmt.Fprintf(w, "\nFinished after %d ticks (%.0fs simulated)\n", stats.Ticks, stats.SimulatedSeconds)
	fmt.Fprintf(w, "Jobs: %d submitted, %d completed, %d requeued, %d open\n",
		stats.JobsSubmitted, stats.JobsCompleted, stats.JobsRequeued, len(fleet.JobSnapshot()))
	fmt.Fprintf(w, "Cells travelled: %d, charge sessions: %d, stranded carts: %d\n",
		stats.CellsTravelled, stats.ChargeSessions, stats.StrandedCarts)

	fmt.Fprintln(w, "Carts:")
	for _, c := range fleet.CartSnapshot() {
		line := fmt.Sprintf("  cart %d at %v battery %.1f%% %s", c.ID, c.Position, c.Battery, c.State)
		if c.Stranded {
			line += " STRANDED"
		}
		fmt.Fprintln(w, line)
	}
}
