package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDriver(t *testing.T) *Driver {
	t.Helper()
	m, err := grid.Parse([]string{
		"T....",
		".....",
		"..#..",
		".....",
		"....T",
	})
	require.NoError(t, err)
	c, err := coordinator.New(m, coordinator.Params{
		InitialBattery:   100,
		DrainPerCell:     2,
		FastChargeRate:   10,
		ReserveThreshold: 15,
		StopDuration:     2,
		ChargePolicy:     coordinator.ChargeFull,
	})
	require.NoError(t, err)
	d, err := NewDriver(c, 1)
	require.NoError(t, err)
	return d
}

func TestNewDriverValidates(t *testing.T) {
	_, err := NewDriver(nil, 1)
	assert.ErrorIs(t, err, coordinator.ErrInvalidParams)

	d := newDriver(t)
	_, err = NewDriver(d.Coordinator(), 0)
	assert.ErrorIs(t, err, coordinator.ErrInvalidParams)
}

func TestStepMovesCarts(t *testing.T) {
	d := newDriver(t)
	c := d.Coordinator()
	_, err := c.SubmitJob(grid.Cell{X: 4, Y: 0}, grid.Cell{X: 0, Y: 4})
	require.NoError(t, err)

	r, err := d.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Tick)
	assert.Zero(t, r.CellsMoved, "assignment happens at the end of the first step")

	r, err = d.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Tick)
	assert.Equal(t, 1, r.CellsMoved)
}

func TestRunUntilIdleCompletesJobs(t *testing.T) {
	d := newDriver(t)
	c := d.Coordinator()
	for _, j := range [][2]grid.Cell{
		{{X: 4, Y: 0}, {X: 0, Y: 4}},
		{{X: 1, Y: 1}, {X: 3, Y: 3}},
		{{X: 0, Y: 2}, {X: 4, Y: 2}},
	} {
		_, err := c.SubmitJob(j[0], j[1])
		require.NoError(t, err)
	}

	reports, err := d.RunUntilIdle(context.Background(), 500)
	require.NoError(t, err)
	require.NotEmpty(t, reports)

	var completed []int
	for _, r := range reports {
		completed = append(completed, r.CompletedJobs...)
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, completed)
	assert.Equal(t, 3, c.Stats().JobsCompleted)
}

func TestRunUntilIdleStepLimit(t *testing.T) {
	d := newDriver(t)
	_, err := d.Coordinator().SubmitJob(grid.Cell{X: 4, Y: 0}, grid.Cell{X: 0, Y: 4})
	require.NoError(t, err)

	_, err = d.RunUntilIdle(context.Background(), 2)
	assert.ErrorIs(t, err, ErrStepLimit)
}

func TestRunStopsOnCancel(t *testing.T) {
	d := newDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, err := d.Run(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reports)
}

func TestPlayReturnsOnCancel(t *testing.T) {
	d := newDriver(t)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var steps int
	done := make(chan error, 1)
	go func() {
		done <- d.Play(ctx, time.Millisecond, func(StepReport) {
			mu.Lock()
			steps++
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return steps >= 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Play did not return after cancel")
	}
}
