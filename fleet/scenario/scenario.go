// Package scenario describes a warehouse simulation: the layout, the fleet
// tunables, the tick length and the jobs submitted at start.
//
// Scenarios are stored as YAML (.yaml, .yml) or JSON (.json):
//
//	name: small_dock
//	description: One cart, one charger
//	layout:
//	  - "T...$"
//	  - "..#.."
//	  - "....@"
//	params:
//	  initial_battery: 100
//	  drain_per_cell: 2
//	tick_seconds: 1
//	jobs:
//	  - pickup: {x: 4, y: 0}
//	    delivery: {x: 4, y: 2}
//
// Params left out of the document take their values from DefaultParams.
package scenario

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wricardo/warehouse-fleet/fleet/coordinator"
	"github.com/wricardo/warehouse-fleet/fleet/grid"
	"github.com/wricardo/warehouse-fleet/fleet/router"
)

// ErrInvalidScenario wraps every validation failure
var ErrInvalidScenario = errors.New("invalid scenario")

// DefaultTickSeconds is used when tick_seconds is omitted
const DefaultTickSeconds = 1.0

// Job is a delivery request seeded at start
type Job struct {
	Pickup   grid.Cell `json:"pickup" yaml:"pickup"`
	Delivery grid.Cell `json:"delivery" yaml:"delivery"`
}

// Scenario is one simulation definition
type Scenario struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description"`
	Layout      []string           `json:"layout" yaml:"layout"`
	Params      coordinator.Params `json:"params" yaml:"params"`
	TickSeconds float64            `json:"tick_seconds,omitempty" yaml:"tick_seconds,omitempty"`
	Jobs        []Job              `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// DefaultParams returns the stock fleet tunables: a full battery, 2% per
// cell, 10% per second on a charger, a 15% reserve and a 5 second stop.
func DefaultParams() coordinator.Params {
	return coordinator.Params{
		InitialBattery:   100,
		DrainPerCell:     2,
		FastChargeRate:   10,
		ReserveThreshold: 15,
		StopDuration:     5,
		ChargePolicy:     coordinator.ChargeFull,
	}
}

// Decode parses a scenario document. format is "yaml" or "json"; an empty
// format sniffs the first non-space byte.
func Decode(data []byte, format string) (*Scenario, error) {
	if format == "" {
		format = "yaml"
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = "json"
		}
	}

	s := &Scenario{Params: DefaultParams(), TickSeconds: DefaultTickSeconds}
	switch format {
	case "json":
		if err := json.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidScenario, err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidScenario, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidScenario, format)
	}

	if s.TickSeconds == 0 {
		s.TickSeconds = DefaultTickSeconds
	}
	if s.Params.ChargePolicy == "" {
		s.Params.ChargePolicy = coordinator.ChargeFull
	}
	return s, nil
}

// FormatForPath maps a file extension to a Decode format
func FormatForPath(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", true
	case ".json":
		return "json", true
	}
	return "", false
}

// Encode renders a scenario in the given format
func Encode(s *Scenario, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(s, "", "  ")
	case "yaml":
		return yaml.Marshal(s)
	}
	return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidScenario, format)
}

// Validate checks the scenario for correctness and returns the parsed map
func (s *Scenario) Validate() (*grid.Map, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	if s.TickSeconds <= 0 {
		return nil, fmt.Errorf("%w: tick_seconds must be positive, got %g", ErrInvalidScenario, s.TickSeconds)
	}
	if err := s.Params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}

	m, err := grid.Parse(s.Layout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if m.Count(grid.Spawn) == 0 {
		return nil, fmt.Errorf("%w: layout must contain at least one cart spawn (%c)", ErrInvalidScenario, grid.Spawn.Char())
	}
	if m.Count(grid.Charger) == 0 {
		return nil, fmt.Errorf("%w: layout must contain at least one charger (%c)", ErrInvalidScenario, grid.Charger.Char())
	}

	for i, j := range s.Jobs {
		if !m.Walkable(j.Pickup) {
			return nil, fmt.Errorf("%w: job %d pickup %v is not walkable", ErrInvalidScenario, i+1, j.Pickup)
		}
		if !m.Walkable(j.Delivery) {
			return nil, fmt.Errorf("%w: job %d delivery %v is not walkable", ErrInvalidScenario, i+1, j.Delivery)
		}
	}
	return m, nil
}

// Build validates the scenario, creates a coordinator for it and submits the
// seed jobs in document order.
func (s *Scenario) Build(opts ...coordinator.Option) (*coordinator.Coordinator, error) {
	m, err := s.Validate()
	if err != nil {
		return nil, err
	}

	opts = append([]coordinator.Option{coordinator.WithRouter(router.New(m))}, opts...)
	c, err := coordinator.New(m, s.Params, opts...)
	if err != nil {
		return nil, err
	}

	for i, j := range s.Jobs {
		if _, err := c.SubmitJob(j.Pickup, j.Delivery); err != nil {
			return nil, fmt.Errorf("seed job %d: %w", i+1, err)
		}
	}
	return c, nil
}
