// Command analyze prints quick, human-readable heuristics about the scenario
// files in the project's configs directory. It summarizes dimensions, battery
// settings, counts of carts, chargers and stations, and highlights cells and
// seeded jobs a full battery cannot serve using shortest path distances.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/router"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
)

// maxListed bounds how many offending cells are printed per warning
const maxListed = 5

// Report is the analysis result for one scenario.
type Report struct {
	Name       string
	Width      int
	Height     int
	Carts      int
	Chargers   int
	Pickups    int
	Deliveries int
	Walkable   int
	Params     coordinator.Params

	// NoCharger lists walkable cells with no path to any charger.
	NoCharger []grid.Cell
	// OutOfRange lists cells a cart leaving a charger at full battery cannot
	// visit and return from.
	OutOfRange []grid.Cell
	// InfeasibleJobs holds the 1-based index of every seeded job no spawn
	// cart could accept at its initial battery.
	InfeasibleJobs []int
}

func main() {
	dir := "configs"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	files, err := scenarioFiles(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing %s: %v\n", dir, err)
		os.Exit(1)
	}

	for _, file := range files {
		fmt.Printf("\n=== Analyzing %s ===\n", filepath.Base(file))
		report, err := analyzeFile(file)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		printReport(os.Stdout, report)
	}
}

// scenarioFiles returns the scenario documents in dir in name order
func scenarioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := scenario.FormatForPath(e.Name()); ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func analyzeFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	format, _ := scenario.FormatForPath(path)
	sc, err := scenario.Decode(data, format)
	if err != nil {
		return nil, err
	}
	return analyze(sc)
}

func analyze(sc *scenario.Scenario) (*Report, error) {
	m, err := sc.Validate()
	if err != nil {
		return nil, err
	}
	r := router.New(m)

	report := &Report{
		Name:       sc.Name,
		Width:      m.Width(),
		Height:     m.Height(),
		Carts:      m.Count(grid.Spawn),
		Chargers:   m.Count(grid.Charger),
		Pickups:    m.Count(grid.Pickup),
		Deliveries: m.Count(grid.Delivery),
		Params:     sc.Params,
	}

	chargers := m.CellsOfCategory(grid.Charger)
	// Cells a full battery covers out and back
	reach := int(coordinator.MaxBattery / sc.Params.DrainPerCell / 2)

	for y := 0; y < m.Height(); y++ {
		for x := 0; x < m.Width(); x++ {
			c := grid.Cell{X: x, Y: y}
			if !m.Walkable(c) {
				continue
			}
			report.Walkable++

			best, ok := nearest(r, c, chargers)
			switch {
			case !ok:
				report.NoCharger = append(report.NoCharger, c)
			case best > reach:
				report.OutOfRange = append(report.OutOfRange, c)
			}
		}
	}

	spawns := m.CellsOfCategory(grid.Spawn)
	for i, job := range sc.Jobs {
		if !jobFeasible(r, sc.Params, spawns, chargers, job) {
			report.InfeasibleJobs = append(report.InfeasibleJobs, i+1)
		}
	}
	return report, nil
}

// nearest returns the shortest path length from c to any of targets
func nearest(r *router.Router, c grid.Cell, targets []grid.Cell) (int, bool) {
	best, found := 0, false
	for _, t := range targets {
		if d, ok := r.Distance(c, t); ok && (!found || d < best) {
			best, found = d, true
		}
	}
	return best, found
}

// jobFeasible applies the assignment rule to a fresh fleet: some cart must
// hold more battery than pickup, delivery and the way to a charger cost.
func jobFeasible(r *router.Router, p coordinator.Params, spawns, chargers []grid.Cell, job scenario.Job) bool {
	d, ok := r.Distance(job.Pickup, job.Delivery)
	if !ok {
		return false
	}
	c, ok := nearest(r, job.Delivery, chargers)
	if !ok {
		return false
	}
	for _, s := range spawns {
		pd, ok := r.Distance(s, job.Pickup)
		if !ok {
			continue
		}
		if p.InitialBattery > float64(pd+d+c)*p.DrainPerCell {
			return true
		}
	}
	return false
}

func listCells(w io.Writer, label string, cells []grid.Cell) {
	for i, c := range cells {
		if i == maxListed {
			fmt.Fprintf(w, "   ... and %d more\n", len(cells)-maxListed)
			break
		}
		fmt.Fprintf(w, "   %s: %v\n", label, c)
	}
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "Name: %s\n", r.Name)
	fmt.Fprintf(w, "Grid Size: %d x %d (%d walkable)\n", r.Width, r.Height, r.Walkable)
	fmt.Fprintf(w, "Battery: start %.0f%%, drain %.1f%%/cell, reserve %.0f%%, charge %.1f%%/s (%s)\n",
		r.Params.InitialBattery, r.Params.DrainPerCell, r.Params.ReserveThreshold, r.Params.FastChargeRate, r.Params.ChargePolicy)
	fmt.Fprintf(w, "Carts: %d, Chargers: %d, Pickups: %d, Deliveries: %d\n", r.Carts, r.Chargers, r.Pickups, r.Deliveries)

	if len(r.NoCharger) > 0 {
		fmt.Fprintf(w, "CRITICAL: %d cells have no path to any charger\n", len(r.NoCharger))
		listCells(w, "Cut off", r.NoCharger)
	}
	if len(r.OutOfRange) > 0 {
		fmt.Fprintf(w, "WARNING: %d cells are too far from every charger for a round trip on a full battery\n", len(r.OutOfRange))
		listCells(w, "Out of range", r.OutOfRange)
	}
	if len(r.NoCharger) == 0 && len(r.OutOfRange) == 0 {
		fmt.Fprintln(w, "OK: every walkable cell is within a round trip of a charger")
	}

	if len(r.InfeasibleJobs) > 0 {
		fmt.Fprintf(w, "WARNING: seeded jobs %v cannot be accepted by any cart at its initial battery\n", r.InfeasibleJobs)
	} else {
		fmt.Fprintln(w, "OK: every seeded job is feasible for at least one cart")
	}
}
