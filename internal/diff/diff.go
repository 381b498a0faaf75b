// Package diff records the changes a backend would make, or made, to
// converge a stack. Apply fills one as it goes; dry-run fills one
// instead of going.
package diff

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// Kind is the class of object an item touches.
type Kind string

const (
	KindDirectory Kind = "directory"
	KindNetwork   Kind = "network"
	KindSecret    Kind = "secret"
	KindService   Kind = "service"
	KindArtifact  Kind = "artifact"
)

// Op is the action taken on one object.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Item is one recorded change.
type Item struct {
	Op     Op     `json:"op"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// Changeset is the ordered change list for one stack. Order is
// convergence order: directories, networks, secrets, services, prune.
type Changeset struct {
	Stack string `json:"stack"`
	Items []Item `json:"items,omitempty"`
}

func New(stack string) *Changeset {
	return &Changeset{Stack: stack}
}

func (c *Changeset) Create(kind Kind, name, reason string) {
	c.Items = append(c.Items, Item{Op: OpCreate, Kind: kind, Name: name, Reason: reason})
}

func (c *Changeset) Update(kind Kind, name, reason string) {
	c.Items = append(c.Items, Item{Op: OpUpdate, Kind: kind, Name: name, Reason: reason})
}

func (c *Changeset) Delete(kind Kind, name, reason string) {
	c.Items = append(c.Items, Item{Op: OpDelete, Kind: kind, Name: name, Reason: reason})
}

// Empty reports whether converging would change nothing.
func (c *Changeset) Empty() bool {
	return len(c.Items) == 0
}

// ByOp returns the items matching one op, in recorded order.
func (c *Changeset) ByOp(op Op) []Item {
	var out []Item
	for _, it := range c.Items {
		if it.Op == op {
			out = append(out, it)
		}
	}
	return out
}

var (
	createColor = color.New(color.FgGreen)
	updateColor = color.New(color.FgYellow)
	deleteColor = color.New(color.FgRed)
)

// Fprint writes the changeset in a terse, colorized form.
func (c *Changeset) Fprint(w io.Writer) {
	if c.Empty() {
		fmt.Fprintf(w, "%s: no changes\n", c.Stack)
		return
	}
	fmt.Fprintf(w, "%s:\n", c.Stack)
	for _, it := range c.Items {
		suffix := ""
		if it.Reason != "" {
			suffix = " (" + it.Reason + ")"
		}
		switch it.Op {
		case OpCreate:
			createColor.Fprintf(w, "  + %s %s%s\n", it.Kind, it.Name, suffix)
		case OpUpdate:
			updateColor.Fprintf(w, "  ~ %s %s%s\n", it.Kind, it.Name, suffix)
		case OpDelete:
			deleteColor.Fprintf(w, "  - %s %s%s\n", it.Kind, it.Name, suffix)
		}
	}
}
