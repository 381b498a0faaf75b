// Package status models the observed state of a deployed stack for
// reporting. Backends fill reports; commands print them.
package status

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// Health summarizes one service's convergence.
type Health string

const (
	HealthRunning Health = "running"
	HealthPartial Health = "partial"
	HealthMissing Health = "missing"
)

// ServiceReport is the observed state of one service.
type ServiceReport struct {
	Name    string `json:"name"`
	Image   string `json:"image,omitempty"`
	Desired int    `json:"desired"`
	Running int    `json:"running"`
	Health  Health `json:"health"`
}

// Report is the observed state of one stack.
type Report struct {
	Stack    string          `json:"stack"`
	Mode     string          `json:"mode"`
	Services []ServiceReport `json:"services,omitempty"`
	Secrets  []string        `json:"secrets,omitempty"`
	Networks []string        `json:"networks,omitempty"`
	Notes    []string        `json:"notes,omitempty"`
}

// HealthFor derives a service health from its replica counts.
func HealthFor(desired, running int) Health {
	switch {
	case running == 0 && desired > 0:
		return HealthMissing
	case running < desired:
		return HealthPartial
	default:
		return HealthRunning
	}
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed)
)

// Fprint writes the report in a terse human form.
func (r *Report) Fprint(w io.Writer) {
	fmt.Fprintf(w, "%s (%s)\n", r.Stack, r.Mode)
	for _, s := range r.Services {
		c := okColor
		switch s.Health {
		case HealthPartial:
			c = warnColor
		case HealthMissing:
			c = badColor
		}
		c.Fprintf(w, "  %-10s %s %d/%d %s\n", s.Health, s.Name, s.Running, s.Desired, s.Image)
	}
	if len(r.Secrets) > 0 {
		fmt.Fprintf(w, "  secrets: %d materialized\n", len(r.Secrets))
	}
	if len(r.Networks) > 0 {
		fmt.Fprintf(w, "  networks: %d\n", len(r.Networks))
	}
	for _, n := range r.Notes {
		fmt.Fprintf(w, "  note: %s\n", n)
	}
}
