package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wricardo/warehouse-fleet/fleet/scenario"
	"github.com/wricardo/warehouse-fleet/fleet/service"
)

const dockYAML = `name: Dock
description: Test dock
layout:
  - "T...$"
  - "..#.."
  - "....@"
jobs:
  - pickup: {x: 4, y: 0}
    delivery: {x: 4, y: 2}
`

const aisleJSON = `{
  "name": "Aisle",
  "description": "JSON scenario",
  "layout": ["T#T", "...", "$.@"],
  "params": {"initial_battery": 80, "drain_per_cell": 1, "fast_charge_rate": 5,
             "reserve_threshold": 10, "stop_duration": 0, "charge_policy": "dwell"}
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

func createTestScenarioDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "dock.yaml", dockYAML)
	writeFile(t, dir, "aisle.json", aisleJSON)
	writeFile(t, dir, "broken.yml", "name: broken\nlayout: [\"....\"]\n")
	writeFile(t, dir, "notes.txt", "not a scenario")
	return dir
}

func TestNewManager(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		if _, err := NewManager(filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Error("Expected error for missing directory")
		}
	})

	t.Run("empty directory falls back to builtin", func(t *testing.T) {
		m, err := NewManager(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		name, sc := m.GetDefault()
		if name != "builtin" || sc == nil {
			t.Fatalf("Expected builtin default, got %q", name)
		}
		if _, err := sc.Validate(); err != nil {
			t.Errorf("Builtin scenario is invalid: %v", err)
		}
	})

	t.Run("first valid scenario becomes default", func(t *testing.T) {
		m, err := NewManager(createTestScenarioDir(t))
		if err != nil {
			t.Fatal(err)
		}
		if name, _ := m.GetDefault(); name != "aisle" {
			t.Errorf("Expected default 'aisle', got %q", name)
		}
	})

	t.Run("default file wins", func(t *testing.T) {
		dir := createTestScenarioDir(t)
		writeFile(t, dir, "default.yaml", dockYAML)
		m, err := NewManager(dir)
		if err != nil {
			t.Fatal(err)
		}
		if name, _ := m.GetDefault(); name != DefaultScenario {
			t.Errorf("Expected default %q, got %q", DefaultScenario, name)
		}
	})
}

func TestManager_LoadScenario(t *testing.T) {
	m, err := NewManager(createTestScenarioDir(t))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr error
		check   func(t *testing.T, sc *scenario.Scenario)
	}{
		{
			name:  "yaml with default params",
			input: "dock",
			check: func(t *testing.T, sc *scenario.Scenario) {
				if sc.Params != scenario.DefaultParams() {
					t.Errorf("Expected default params, got %+v", sc.Params)
				}
				if len(sc.Jobs) != 1 {
					t.Errorf("Expected 1 job, got %d", len(sc.Jobs))
				}
			},
		},
		{
			name:  "json with extension",
			input: "aisle.json",
			check: func(t *testing.T, sc *scenario.Scenario) {
				if sc.Params.DrainPerCell != 1 || sc.Params.ChargePolicy != "dwell" {
					t.Errorf("Unexpected params %+v", sc.Params)
				}
			},
		},
		{name: "invalid file", input: "broken", wantErr: scenario.ErrInvalidScenario},
		{name: "missing", input: "ghost", wantErr: ErrScenarioNotFound},
		{name: "path traversal", input: "../dock", wantErr: ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := m.LoadScenario(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadScenario failed: %v", err)
			}
			tt.check(t, sc)
		})
	}

	if _, err := m.LoadScenario("ghost"); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("Expected service.ErrNotFound, got %v", err)
	}
}

func TestManager_LoadScenarioCaches(t *testing.T) {
	dir := createTestScenarioDir(t)
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	first, err := m.LoadScenario("dock")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "dock.yaml")); err != nil {
		t.Fatal(err)
	}
	second, err := m.LoadScenario("dock")
	if err != nil {
		t.Fatalf("Expected cached scenario, got %v", err)
	}
	if first != second {
		t.Error("Expected the same cached pointer")
	}

	m.RefreshCache()
	if _, err := m.LoadScenario("dock"); !errors.Is(err, ErrScenarioNotFound) {
		t.Errorf("Expected not found after refresh, got %v", err)
	}
}

func TestManager_ListScenarios(t *testing.T) {
	m, err := NewManager(createTestScenarioDir(t))
	if err != nil {
		t.Fatal(err)
	}

	infos, err := m.ListScenarios()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("Expected 2 valid scenarios, got %d", len(infos))
	}

	aisle, dock := infos[0], infos[1]
	if aisle.ScenarioID != "aisle" || dock.ScenarioID != "dock" {
		t.Fatalf("Unexpected order: %s, %s", aisle.ScenarioID, dock.ScenarioID)
	}
	if aisle.Carts != 2 || aisle.Chargers != 1 || aisle.Width != 3 {
		t.Errorf("Unexpected aisle info %+v", aisle)
	}
	if dock.Filename != "dock.yaml" || dock.Jobs != 1 || dock.Height != 3 {
		t.Errorf("Unexpected dock info %+v", dock)
	}
}

func TestManager_SaveScenario(t *testing.T) {
	dir := createTestScenarioDir(t)
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	sc, err := m.LoadScenario("dock")
	if err != nil {
		t.Fatal(err)
	}
	copied := *sc
	copied.Name = "Dock copy"

	if err := m.SaveScenario("dock_copy", &copied); err != nil {
		t.Fatalf("SaveScenario failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dock_copy.yaml")); err != nil {
		t.Errorf("Expected yaml file: %v", err)
	}

	m.RefreshCache()
	loaded, err := m.LoadScenario("dock_copy")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "Dock copy" {
		t.Errorf("Expected saved name, got %q", loaded.Name)
	}

	t.Run("keeps json format", func(t *testing.T) {
		aisle, err := m.LoadScenario("aisle")
		if err != nil {
			t.Fatal(err)
		}
		if err := m.SaveScenario("aisle", aisle); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dir, "aisle.yaml")); !errors.Is(err, os.ErrNotExist) {
			t.Error("Expected no yaml file next to the json one")
		}
	})

	t.Run("rejects invalid", func(t *testing.T) {
		bad := copied
		bad.Layout = []string{"..."}
		if err := m.SaveScenario("bad", &bad); !errors.Is(err, scenario.ErrInvalidScenario) {
			t.Errorf("Expected ErrInvalidScenario, got %v", err)
		}
		if err := m.SaveScenario("a/b", &copied); !errors.Is(err, service.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m, err := NewManager(createTestScenarioDir(t))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "dock"
			if i%2 == 0 {
				name = "aisle"
			}
			if _, err := m.LoadScenario(name); err != nil {
				t.Errorf("LoadScenario(%s): %v", name, err)
			}
			if i%5 == 0 {
				m.RefreshCache()
			}
		}(i)
	}
	wg.Wait()
}
