// Command loadgen drives a running fleet server over its REST API. It opens
// one or more sessions, submits random jobs between the pickup and delivery
// stations of the layout in rounds, ticks each session until every job is
// delivered and prints throughput per session.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/service"
)

// errRejected marks a job the server refused as invalid input
var errRejected = errors.New("job rejected")

// Client calls the fleet REST API
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.Unmarshal(data, &apiErr)
		err := fmt.Errorf("%s %s failed: %s - %s", method, path, resp.Status, apiErr.Error)
		if resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %v", errRejected, err)
		}
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func (c *Client) CreateSession(ctx context.Context, scenarioID string) (*service.SessionInfo, error) {
	var info service.SessionInfo
	err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"scenario_id": scenarioID}, &info)
	return &info, err
}

func (c *Client) State(ctx context.Context, sessionID string) (*service.FleetState, error) {
	var state service.FleetState
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/state", nil, &state)
	return &state, err
}

func (c *Client) SubmitJob(ctx context.Context, sessionID string, pickup, delivery grid.Cell) (*coordinator.JobView, error) {
	var job coordinator.JobView
	body := map[string]grid.Cell{"pickup": pickup, "delivery": delivery}
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/jobs", body, &job)
	return &job, err
}

func (c *Client) Tick(ctx context.Context, sessionID string, ticks int) (*service.TickResult, error) {
	var result service.TickResult
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/tick", map[string]int{"ticks": ticks}, &result)
	return &result, err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID, nil, nil)
}

// Config controls one load run
type Config struct {
	Scenario      string
	Sessions      int
	Jobs          int
	JobsPerRound  int
	TicksPerRound int
	MaxTicks      int
	Seed          int64
	Keep          bool
}

// SessionResult summarises one session of a run
type SessionResult struct {
	SessionID     string
	Submitted     int
	Rejected      int
	Completed     int
	Ticks         int
	ChargeSession int
	Elapsed       time.Duration
}

// stations returns the cells jobs are drawn from: the marked pickup and
// delivery stations, or every walkable cell when the layout marks none
func stations(layout []string) (pickups, deliveries []grid.Cell, err error) {
	m, err := grid.Parse(layout)
	if err != nil {
		return nil, nil, err
	}
	pickups = m.CellsOfCategory(grid.Pickup)
	deliveries = m.CellsOfCategory(grid.Delivery)
	if len(pickups) == 0 || len(deliveries) == 0 {
		var all []grid.Cell
		for y := 0; y < m.Height(); y++ {
			for x := 0; x < m.Width(); x++ {
				if c := (grid.Cell{X: x, Y: y}); m.Walkable(c) {
					all = append(all, c)
				}
			}
		}
		if len(pickups) == 0 {
			pickups = all
		}
		if len(deliveries) == 0 {
			deliveries = all
		}
	}
	return pickups, deliveries, nil
}

// runSession loads one session and waits for all of its jobs to finish
func runSession(ctx context.Context, c *Client, cfg Config, rng *rand.Rand) (SessionResult, error) {
	start := time.Now()
	info, err := c.CreateSession(ctx, cfg.Scenario)
	if err != nil {
		return SessionResult{}, err
	}
	res := SessionResult{SessionID: info.ID}
	if !cfg.Keep {
		defer c.DeleteSession(context.Background(), info.ID)
	}

	state, err := c.State(ctx, info.ID)
	if err != nil {
		return res, err
	}
	pickups, deliveries, err := stations(state.Layout)
	if err != nil {
		return res, err
	}

	for res.Submitted+res.Rejected < cfg.Jobs || len(state.Jobs) > 0 {
		if res.Ticks >= cfg.MaxTicks {
			return res, fmt.Errorf("session %s: %d jobs still open after %d ticks", info.ID, len(state.Jobs), res.Ticks)
		}

		for i := 0; i < cfg.JobsPerRound && res.Submitted+res.Rejected < cfg.Jobs; i++ {
			p := pickups[rng.Intn(len(pickups))]
			d := deliveries[rng.Intn(len(deliveries))]
			if _, err := c.SubmitJob(ctx, info.ID, p, d); err != nil {
				if !errors.Is(err, errRejected) {
					return res, err
				}
				res.Rejected++
				continue
			}
			res.Submitted++
		}

		result, err := c.Tick(ctx, info.ID, cfg.TicksPerRound)
		if err != nil {
			return res, err
		}
		res.Ticks += result.TicksExecuted
		state = result.State
		res.Completed = state.Stats.JobsCompleted
		res.ChargeSession = state.Stats.ChargeSessions
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

// run loads cfg.Sessions sessions concurrently
func run(ctx context.Context, c *Client, cfg Config) ([]SessionResult, error) {
	results := make([]SessionResult, cfg.Sessions)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < cfg.Sessions; i++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
			res, err := runSession(gctx, c, cfg, rng)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return results, err
}

func printResults(w io.Writer, results []SessionResult) {
	fmt.Fprintf(w, "%-10s %9s %8s %9s %7s %8s %10s\n", "SESSION", "SUBMITTED", "REJECTED", "COMPLETED", "TICKS", "CHARGES", "JOBS/TICK")
	for _, r := range results {
		rate := 0.0
		if r.Ticks > 0 {
			rate = float64(r.Completed) / float64(r.Ticks)
		}
		fmt.Fprintf(w, "%-10s %9d %8d %9d %7d %8d %10.3f\n",
			r.SessionID, r.Submitted, r.Rejected, r.Completed, r.Ticks, r.ChargeSession, rate)
	}
}

func main() {
	app := &cli.Command{
		Name:  "loadgen",
		Usage: "Submit random jobs to a fleet server and report throughput",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "Fleet API base URL", Sources: cli.EnvVars("FLEET_API_URL")},
			&cli.StringFlag{Name: "scenario", Usage: "Scenario to load (server default when empty)"},
			&cli.IntFlag{Name: "sessions", Value: 1, Usage: "Concurrent sessions"},
			&cli.IntFlag{Name: "jobs", Value: 20, Usage: "Jobs per session"},
			&cli.IntFlag{Name: "jobs-per-round", Value: 2, Usage: "Jobs submitted between tick calls"},
			&cli.IntFlag{Name: "ticks-per-round", Value: 5, Usage: "Ticks per tick call"},
			&cli.IntFlag{Name: "max-ticks", Value: 5000, Usage: "Give up on a session after this many ticks"},
			&cli.IntFlag{Name: "seed", Value: 1, Usage: "Random seed"},
			&cli.BoolFlag{Name: "keep", Usage: "Keep sessions on the server afterwards"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := Config{
				Scenario:      cmd.String("scenario"),
				Sessions:      int(cmd.Int("sessions")),
				Jobs:          int(cmd.Int("jobs")),
				JobsPerRound:  int(cmd.Int("jobs-per-round")),
				TicksPerRound: int(cmd.Int("ticks-per-round")),
				MaxTicks:      int(cmd.Int("max-ticks")),
				Seed:          int64(cmd.Int("seed")),
				Keep:          cmd.Bool("keep"),
			}
			if cfg.Sessions < 1 || cfg.JobsPerRound < 1 || cfg.TicksPerRound < 1 {
				return fmt.Errorf("sessions, jobs-per-round and ticks-per-round must be positive")
			}

			results, err := run(ctx, NewClient(cmd.String("url")), cfg)
			printResults(os.Stdout, results)
			return err
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
