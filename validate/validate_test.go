package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
)

func writeScenario(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write scenario: %v", err)
	}
	return path
}

func TestValidateScenarioFile_Valid(t *testing.T) {
	path := writeScenario(t, "dock.yaml", `name: Dock
layout:
  - "T...$"
  - "..#.."
  - "....@"
jobs:
  - {pickup: {x: 4, y: 0}, delivery: {x: 4, y: 2}}
`)

	result := validateScenarioFile(path)
	if !result.Valid {
		t.Fatalf("Expected valid scenario, got errors: %v", result.Errors)
	}
	if result.File != "dock.yaml" {
		t.Errorf("Expected file name dock.yaml, got %s", result.File)
	}
	if len(result.Notes) != 3 {
		t.Errorf("Expected 3 notes, got %v", result.Notes)
	}
}

func TestValidateScenarioFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"bad json", "a.json", `{"name": `, "decode json"},
		{"bad char", "b.yaml", "name: b\nlayout: [\"T#Q\"]\n", "layout"},
		{"no charger", "c.yaml", "name: c\nlayout: [\"T..\"]\n", "charger"},
		{"bad params", "d.yaml", "name: d\nlayout: [\"T#\"]\nparams: {drain_per_cell: 0}\n", "drain_per_cell"},
		{"extension", "e.txt", "name: e", "Unsupported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validateScenarioFile(writeScenario(t, tt.file, tt.content))
			if result.Valid {
				t.Fatal("Expected invalid scenario")
			}
			if !strings.Contains(strings.Join(result.Errors, "\n"), tt.want) {
				t.Errorf("Expected an error mentioning %q, got %v", tt.want, result.Errors)
			}
		})
	}
}

func TestValidateConnectivity(t *testing.T) {
	m, err := grid.Parse([]string{
		"T#X$.",
		"..X..",
		"XXX.@",
	})
	if err != nil {
		t.Fatal(err)
	}

	jobs := []scenario.Job{{Pickup: grid.Cell{X: 0, Y: 1}, Delivery: grid.Cell{X: 1, Y: 1}}}
	result := validateConnectivity(m, jobs)

	if result.Valid {
		t.Fatal("Expected connectivity failure")
	}
	joined := strings.Join(result.Errors, "\n")
	for _, want := range []string{"Pickup at (3,0)", "Delivery at (4,2)"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected %q in errors, got %v", want, result.Errors)
		}
	}
	if strings.Contains(joined, "Job 1") {
		t.Errorf("Job cells next to the spawn should be reachable, got %v", result.Errors)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Expected 2 errors, got %v", result.Errors)
	}
}

func TestValidateConnectivity_SpawnWithoutCharger(t *testing.T) {
	m, err := grid.Parse([]string{"T.X.#"})
	if err != nil {
		t.Fatal(err)
	}

	result := validateConnectivity(m, nil)
	if result.Valid {
		t.Fatal("Expected failure for a spawn cut off from every charger")
	}
	if !strings.Contains(result.Errors[0], "Spawn at (0,0)") {
		t.Errorf("Unexpected errors %v", result.Errors)
	}
}

func TestBundledScenarios(t *testing.T) {
	files, err := scenarioFiles(filepath.Join("..", "configs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Skip("no bundled scenarios")
	}
	for _, f := range files {
		if result := validateScenarioFile(f); !result.Valid {
			t.Errorf("%s: %v", f, result.Errors)
		}
	}
}
