// Package config loads scenario documents from a directory and caches them.
//
// A scenario is addressed by its file name without extension; small_dock
// resolves to small_dock.yaml, small_dock.yml or small_dock.json, in that
// order. The default scenario is "default" when such a file exists, otherwise
// the first valid scenario in name order, otherwise a built-in dock.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/scenario"
	"github.com/wricardo/warehouse-fleet/fleet/service"
)

var (
	ErrScenarioNotFound = fmt.Errorf("scenario %w", service.ErrNotFound)
	ErrInvalidName      = errors.New("invalid scenario name")
)

// DefaultScenario is the name tried first for the default
const DefaultScenario = "default"

// extensions in lookup order
var extensions = []string{".yaml", ".yml", ".json"}

// Manager handles scenario loading and caching
type Manager struct {
	dir         string
	defaultName string
	defaultSc   *scenario.Scenario
	scenarios   map[string]*scenario.Scenario
	mu          sync.RWMutex
}

// NewManager creates a new scenario manager over dir
func NewManager(dir string) (*Manager, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("scenario directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scenario directory %s is not a directory", dir)
	}

	m := &Manager{
		dir:       dir,
		scenarios: make(map[string]*scenario.Scenario),
	}
	m.pickDefault()
	return m, nil
}

// LoadScenario loads a scenario by name
func (m *Manager) LoadScenario(name string) (*scenario.Scenario, error) {
	name = trimExt(name)
	if err := checkName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if sc, ok := m.scenarios[name]; ok {
		m.mu.RUnlock()
		return sc, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(name)
}

func (m *Manager) loadLocked(name string) (*scenario.Scenario, error) {
	if sc, ok := m.scenarios[name]; ok {
		return sc, nil
	}

	for _, ext := range extensions {
		path := filepath.Join(m.dir, name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read scenario file: %w", err)
		}

		format, _ := scenario.FormatForPath(path)
		sc, err := scenario.Decode(data, format)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if _, err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}

		m.scenarios[name] = sc
		return sc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrScenarioNotFound, name)
}

// ListScenarios returns information about all valid scenarios, sorted by ID.
// Files that fail to load are skipped.
func (m *Manager) ListScenarios() ([]*service.ScenarioInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}

	seen := make(map[string]bool)
	var infos []*service.ScenarioInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := scenario.FormatForPath(entry.Name()); !ok {
			continue
		}
		name := trimExt(entry.Name())
		if seen[name] {
			continue
		}

		sc, err := m.LoadScenario(name)
		if err != nil {
			continue
		}
		mp, err := grid.Parse(sc.Layout)
		if err != nil {
			continue
		}
		seen[name] = true

		infos = append(infos, &service.ScenarioInfo{
			Filename:    entry.Name(),
			ScenarioID:  name,
			Name:        sc.Name,
			Description: sc.Description,
			Width:       mp.Width(),
			Height:      mp.Height(),
			Carts:       mp.Count(grid.Spawn),
			Chargers:    mp.Count(grid.Charger),
			Jobs:        len(sc.Jobs),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ScenarioID < infos[j].ScenarioID })
	return infos, nil
}

// GetDefault returns the default scenario and its ID
func (m *Manager) GetDefault() (string, *scenario.Scenario) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName, m.defaultSc
}

// SetDefault makes a loaded scenario the default
func (m *Manager) SetDefault(name string) error {
	sc, err := m.LoadScenario(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultName = trimExt(name)
	m.defaultSc = sc
	return nil
}

// RefreshCache drops every cached scenario and picks the default again
func (m *Manager) RefreshCache() {
	m.mu.Lock()
	m.scenarios = make(map[string]*scenario.Scenario)
	m.mu.Unlock()
	m.pickDefault()
}

// SaveScenario validates sc and writes it as name.yaml, replacing any cached
// copy. The file keeps the JSON format when name.json already exists.
func (m *Manager) SaveScenario(name string, sc *scenario.Scenario) error {
	name = trimExt(name)
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := sc.Validate(); err != nil {
		return err
	}

	format, ext := "yaml", ".yaml"
	if _, err := os.Stat(filepath.Join(m.dir, name+".json")); err == nil {
		format, ext = "json", ".json"
	}
	data, err := scenario.Encode(sc, format)
	if err != nil {
		return fmt.Errorf("failed to encode scenario: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, name+ext), data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario file: %w", err)
	}

	m.mu.Lock()
	m.scenarios[name] = sc
	m.mu.Unlock()
	return nil
}

func (m *Manager) pickDefault() {
	name, sc := DefaultScenario, (*scenario.Scenario)(nil)
	if loaded, err := m.LoadScenario(DefaultScenario); err == nil {
		sc = loaded
	} else if infos, err := m.ListScenarios(); err == nil && len(infos) > 0 {
		name = infos[0].ScenarioID
		sc, _ = m.LoadScenario(name)
	}
	if sc == nil {
		name, sc = "builtin", builtinScenario()
	}

	m.mu.Lock()
	m.defaultName, m.defaultSc = name, sc
	m.mu.Unlock()
}

// builtinScenario is the fallback when the directory holds no valid scenario
func builtinScenario() *scenario.Scenario {
	return &scenario.Scenario{
		Name:        "builtin",
		Description: "Five by five dock with one cart and one charger",
		Layout: []string{
			"T...$",
			".....",
			"..#..",
			".....",
			"....@",
		},
		Params:      scenario.DefaultParams(),
		TickSeconds: scenario.DefaultTickSeconds,
	}
}

func trimExt(name string) string {
	for _, ext := range extensions {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q: %w", ErrInvalidName, name, service.ErrInvalidInput)
	}
	return nil
}
