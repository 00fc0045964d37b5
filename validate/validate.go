// Command validate checks the scenario files in the ../configs directory and
// exits non-zero when any of them is unusable. It checks:
//   - YAML/JSON structure and required fields
//   - Layout characters (. X T # $ @) and rectangular rows
//   - Fleet parameters in range
//   - Presence of at least one spawn (T) and one charger (#)
//   - Connectivity: every spawn reaches a charger, and every pickup, delivery
//     and seeded job cell is reachable from at least one spawn
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/router"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
)

// ValidationResult captures the outcome of validating a single file.
// Notes holds informational lines; Errors is empty when Valid is true.
type ValidationResult struct {
	File   string
	Valid  bool
	Notes  []string
	Errors []string
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) note(format string, args ...interface{}) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// validateScenarioFile validates one scenario document on disk
func validateScenarioFile(filePath string) ValidationResult {
	result := ValidationResult{File: filepath.Base(filePath), Valid: true}

	format, ok := scenario.FormatForPath(filePath)
	if !ok {
		result.fail("Unsupported file extension")
		return result
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		result.fail("Failed to read file: %v", err)
		return result
	}
	sc, err := scenario.Decode(data, format)
	if err != nil {
		result.fail("%v", err)
		return result
	}

	m, err := sc.Validate()
	if err != nil {
		result.fail("%v", err)
		return result
	}
	result.note("Grid: %dx%d, %d carts, %d chargers, %d seeded jobs",
		m.Width(), m.Height(), m.Count(grid.Spawn), m.Count(grid.Charger), len(sc.Jobs))

	conn := validateConnectivity(m, sc.Jobs)
	result.Notes = append(result.Notes, conn.Notes...)
	for _, e := range conn.Errors {
		result.fail("%s", e)
	}
	return result
}

// validateConnectivity checks that spawns reach a charger and that every
// station and seeded job cell is reachable from some spawn
func validateConnectivity(m *grid.Map, jobs []scenario.Job) ValidationResult {
	result := ValidationResult{Valid: true}
	r := router.New(m)

	spawns := m.CellsOfCategory(grid.Spawn)
	chargers := m.CellsOfCategory(grid.Charger)

	reachesAny := func(from grid.Cell, targets []grid.Cell) bool {
		for _, t := range targets {
			if _, ok := r.Distance(from, t); ok {
				return true
			}
		}
		return false
	}

	stranded := 0
	for _, s := range spawns {
		if !reachesAny(s, chargers) {
			stranded++
			result.fail("Spawn at %v cannot reach any charger", s)
		}
	}
	if stranded == 0 {
		result.note("Connectivity: all %d spawns reach a charger", len(spawns))
	}

	type target struct {
		label string
		cell  grid.Cell
	}
	var targets []target
	for _, c := range m.CellsOfCategory(grid.Pickup) {
		targets = append(targets, target{"Pickup", c})
	}
	for _, c := range m.CellsOfCategory(grid.Delivery) {
		targets = append(targets, target{"Delivery", c})
	}
	for i, j := range jobs {
		targets = append(targets,
			target{fmt.Sprintf("Job %d pickup", i+1), j.Pickup},
			target{fmt.Sprintf("Job %d delivery", i+1), j.Delivery})
	}

	unreachable := 0
	for _, t := range targets {
		if !reachesAny(t.cell, spawns) {
			unreachable++
			result.fail("Unreachable: %s at %v", t.label, t.cell)
		}
	}
	if unreachable == 0 {
		result.note("Connectivity: all %d stations and job cells reachable from a spawn", len(targets))
	}
	return result
}

// scenarioFiles lists the YAML and JSON documents in dir
func scenarioFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	return files, nil
}

// main scans ../configs (or the directory given as the first argument),
// validates each scenario, prints a concise report and exits with non-zero
// status if any are invalid.
func main() {
	configDir := "../configs"
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}
	files, err := scenarioFiles(configDir)
	if err != nil {
		fmt.Printf("Error finding scenario files: %v\n", err)
		os.Exit(1)
	}

	allValid := true
	for _, file := range files {
		result := validateScenarioFile(file)

		fmt.Printf("\n%s %s\n", strings.Repeat("=", 20), result.File)

		if result.Valid {
			fmt.Println("VALID")
			for _, info := range result.Notes {
				fmt.Println("  " + info)
			}
		} else {
			fmt.Println("INVALID")
			allValid = false
			for _, err := range result.Errors {
				fmt.Println("  - " + err)
			}
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 40))
	if allValid {
		fmt.Println("All scenarios are valid!")
	} else {
		fmt.Println("Some scenarios have errors")
		os.Exit(1)
	}
}
