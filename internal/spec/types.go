// Package spec defines the typed stack model decoded from user-authored
// YAML. Shorthand forms (ports, volumes, command, environment) are kept
// as tagged unions here; the normalizer resolves them to one canonical
// shape so downstream code never re-inspects the original form.
package spec

import (
	"maps"
	"slices"

	"github.com/dockhand/dockhand/internal/layout"
)

// Mode selects the deployment model for a stack.
type Mode string

const (
	ModeComposition  Mode = "composition"
	ModeOrchestrated Mode = "orchestrated"
)

// State selects the lifecycle action for a stack.
type State string

const (
	StatePresent State = "present"
	StateAbsent  State = "absent"
)

// LabelSecretsFingerprint carries the order-independent hash of a
// service's addressed secret names. Engines compare it to decide
// whether secret rotation requires a service update, so user labels
// must never collide with it.
const LabelSecretsFingerprint = "secrets_fingerprint"

// Stack is one named, independently deployable collection of services,
// secrets, networks and directories.
type Stack struct {
	Name        string                 `yaml:"name"`
	Mode        Mode                   `yaml:"mode"`
	State       State                  `yaml:"state"`
	AllowPrune  bool                   `yaml:"allow_prune"`
	BaseDir     string                 `yaml:"base_dir"`
	Services    map[string]Service     `yaml:"services"`
	Secrets     map[string]Secret      `yaml:"secrets"`
	Networks    map[string]Network     `yaml:"networks"`
	Directories map[string]DirOverride `yaml:"directories"`
}

type Service struct {
	Image       string            `yaml:"image"`
	Command     Command           `yaml:"command"`
	Ports       []PortEntry       `yaml:"ports"`
	Volumes     []VolumeEntry     `yaml:"volumes"`
	Secrets     []string          `yaml:"secrets"`
	Deploy      *Deploy           `yaml:"deploy"`
	Environment Environment       `yaml:"environment"`
	Labels      map[string]string `yaml:"labels"`
	Networks    []string          `yaml:"networks"`
	Restart     string            `yaml:"restart"`
}

// Deploy carries orchestration-only scheduling knobs.
type Deploy struct {
	Replicas  int        `yaml:"replicas"`
	Placement *Placement `yaml:"placement"`
}

type Placement struct {
	Constraints StringOrList `yaml:"constraints"`
}

// Secret declares secret material either inline (value) or as a
// reference into an external source (value_from). Exactly one of the
// two must be set; the validator enforces it.
type Secret struct {
	Value     string `yaml:"value"`
	ValueFrom string `yaml:"value_from"`
}

type Network struct {
	Driver     string `yaml:"driver"`
	Internal   bool   `yaml:"internal"`
	Attachable bool   `yaml:"attachable"`
	External   bool   `yaml:"external"`
}

// DirOverride adjusts one logical directory, or declares an extra one.
type DirOverride struct {
	Path  string     `yaml:"path"`
	Owner string     `yaml:"owner"`
	Group string     `yaml:"group"`
	Mode  ModeString `yaml:"mode"`
}

// LayoutOverride converts the override into the resolver's form.
func (d DirOverride) LayoutOverride() (layout.Override, error) {
	ov := layout.Override{Path: d.Path, Owner: d.Owner, Group: d.Group}
	if d.Mode != "" {
		m, err := d.Mode.FileMode()
		if err != nil {
			return layout.Override{}, err
		}
		ov.Mode = m
		ov.ModeSet = true
	}
	return ov, nil
}

// ServiceNames returns the declared service names in sorted order.
func (s *Stack) ServiceNames() []string {
	return slices.Sorted(maps.Keys(s.Services))
}

// SecretNames returns the declared secret names in sorted order.
func (s *Stack) SecretNames() []string {
	return slices.Sorted(maps.Keys(s.Secrets))
}

// NetworkNames returns the declared network names in sorted order.
func (s *Stack) NetworkNames() []string {
	return slices.Sorted(maps.Keys(s.Networks))
}
