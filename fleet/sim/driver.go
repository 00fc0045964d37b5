// Package sim drives a coordinator through simulated time.
//
// Each step moves every cart that has a route by one cell, reports the move
// back to the coordinator and then calls Tick with the fixed step length.
// Carts move in ID order. The driver is the only writer of cart positions.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
)

// ErrStepLimit is returned by RunUntilIdle when jobs remain after maxTicks
var ErrStepLimit = errors.New("step limit reached")

// StepReport summarises one driver step
type StepReport struct {
	Tick          int                 `json:"tick"`
	CellsMoved    int                 `json:"cells_moved"`
	CompletedJobs []int               `json:"completed_jobs,omitempty"`
	Events        []coordinator.Event `json:"events,omitempty"`
}

// Driver advances one coordinator
type Driver struct {
	c           *coordinator.Coordinator
	tickSeconds float64
	log         *zap.Logger
	ticks       int
}

// Option configures a Driver
type Option func(*Driver)

// WithLogger sets the driver logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDriver creates a driver that advances c by tickSeconds per step
func NewDriver(c *coordinator.Coordinator, tickSeconds float64, opts ...Option) (*Driver, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: coordinator is required", coordinator.ErrInvalidParams)
	}
	if tickSeconds <= 0 {
		return nil, fmt.Errorf("%w: tick length must be positive, got %g", coordinator.ErrInvalidParams, tickSeconds)
	}
	d := &Driver{c: c, tickSeconds: tickSeconds, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Coordinator returns the driven coordinator
func (d *Driver) Coordinator() *coordinator.Coordinator {
	return d.c
}

// TickSeconds returns the simulated length of one step
func (d *Driver) TickSeconds() float64 {
	return d.tickSeconds
}

// Step moves the fleet one cell and runs one scheduling pass
func (d *Driver) Step(ctx context.Context) (StepReport, error) {
	if err := ctx.Err(); err != nil {
		return StepReport{}, err
	}

	var report StepReport
	for _, cart := range d.c.CartSnapshot() {
		next, ok := d.c.NextCell(cart.ID)
		if !ok {
			continue
		}
		if err := d.c.ReportMove(cart.ID, next); err != nil {
			return report, fmt.Errorf("move cart %d: %w", cart.ID, err)
		}
		report.CellsMoved++
	}

	if err := d.c.Tick(ctx, d.tickSeconds); err != nil {
		d.log.Error("tick failed", zap.Int("tick", d.ticks+1), zap.Error(err))
		return report, err
	}
	d.ticks++
	report.Tick = d.ticks

	report.Events = d.c.DrainEvents()
	for _, e := range report.Events {
		if e.Type == coordinator.EventJobCompleted {
			report.CompletedJobs = append(report.CompletedJobs, e.JobID)
		}
	}

	if len(report.CompletedJobs) > 0 {
		d.log.Info("jobs completed", zap.Int("tick", report.Tick), zap.Ints("jobs", report.CompletedJobs))
	}
	return report, nil
}

// Run performs n steps and returns their reports
func (d *Driver) Run(ctx context.Context, n int) ([]StepReport, error) {
	reports := make([]StepReport, 0, n)
	for i := 0; i < n; i++ {
		r, err := d.Step(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// RunUntilIdle steps until no job is pending or in progress
func (d *Driver) RunUntilIdle(ctx context.Context, maxTicks int) ([]StepReport, error) {
	var reports []StepReport
	for i := 0; i < maxTicks; i++ {
		if !d.c.Busy() {
			return reports, nil
		}
		r, err := d.Step(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	if d.c.Busy() {
		return reports, fmt.Errorf("%w: %d jobs open after %d ticks", ErrStepLimit, len(d.c.JobSnapshot()), maxTicks)
	}
	return reports, nil
}

// Play steps once per interval of wall-clock time until ctx is done or a step
// fails. onStep, when set, receives every report.
func (d *Driver) Play(ctx context.Context, interval time.Duration, onStep func(StepReport)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r, err := d.Step(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if onStep != nil {
				onStep(r)
			}
		}
	}
}
