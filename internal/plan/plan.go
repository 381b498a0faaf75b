// Package plan holds the canonical stack plan: the fully resolved,
// deterministic description of everything a backend must converge.
// Encoding a plan twice for unchanged inputs yields byte-identical
// output, so checksums can stand in for deep comparison.
package plan

import (
	"encoding/json"
	"slices"

	"github.com/dockhand/dockhand/internal/layout"
	"github.com/dockhand/dockhand/internal/spec"
	"github.com/dockhand/dockhand/internal/util"
)

// ComposeFileName is the rendered compose artifact inside a stack
// directory.
const ComposeFileName = "docker-compose.yml"

// Port is a resolved port binding.
type Port struct {
	Published int    `json:"published"`
	Target    int    `json:"target"`
	Protocol  string `json:"protocol"`
}

// Mount is a resolved bind mount with all symbols expanded.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// SecretRef ties a service to one content-addressed secret. Name is
// what the container sees; AddressedName is the engine-side identity.
type SecretRef struct {
	Name          string `json:"name"`
	AddressedName string `json:"addressed_name"`
}

// DeployPlan carries orchestration scheduling, always populated for
// orchestrated stacks and never present for composition ones.
type DeployPlan struct {
	Replicas    int      `json:"replicas"`
	Constraints []string `json:"constraints,omitempty"`
}

type ServicePlan struct {
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Command  []string          `json:"command,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Ports    []Port            `json:"ports,omitempty"`
	Mounts   []Mount           `json:"mounts,omitempty"`
	Secrets  []SecretRef       `json:"secrets,omitempty"`
	Networks []string          `json:"networks,omitempty"`
	Restart  string            `json:"restart,omitempty"`
	Deploy   *DeployPlan       `json:"deploy,omitempty"`
}

// SecretPlan is one referenced secret with resolved payload. The
// payload never leaves the process through Encode or logs; only the
// hash and the addressed name are part of the plan artifact.
type SecretPlan struct {
	Name          string `json:"name"`
	AddressedName string `json:"addressed_name"`
	Hash          string `json:"hash"`
	Payload       []byte `json:"-"`
}

type NetworkPlan struct {
	Name       string `json:"name"`
	Driver     string `json:"driver,omitempty"`
	Internal   bool   `json:"internal,omitempty"`
	Attachable bool   `json:"attachable,omitempty"`
	External   bool   `json:"external,omitempty"`
}

// Plan is the canonical form of one stack. Services, secrets and
// networks are sorted by name; prune candidates are the sorted declared
// names of secrets no service references.
type Plan struct {
	Stack           string        `json:"stack"`
	Mode            spec.Mode     `json:"mode"`
	State           spec.State    `json:"state"`
	AllowPrune      bool          `json:"allow_prune,omitempty"`
	Directories     layout.Layout `json:"directories"`
	Services        []ServicePlan `json:"services,omitempty"`
	Secrets         []SecretPlan  `json:"secrets,omitempty"`
	Networks        []NetworkPlan `json:"networks,omitempty"`
	PruneCandidates []string      `json:"prune_candidates,omitempty"`
}

// Encode renders the plan as indented JSON. Output is deterministic:
// slices are pre-sorted and map keys are ordered by the encoder.
func (p *Plan) Encode() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Checksum returns the sha256 of the encoded plan, prefixed with the
// algorithm so stored checksums remain self-describing.
func (p *Plan) Checksum() (string, error) {
	raw, err := p.Encode()
	if err != nil {
		return "", err
	}
	return "sha256:" + util.Fingerprint(raw), nil
}

// Service returns the plan for one service by name.
func (p *Plan) Service(name string) (*ServicePlan, bool) {
	for i := range p.Services {
		if p.Services[i].Name == name {
			return &p.Services[i], true
		}
	}
	return nil, false
}

// Secret returns the plan for one secret by declared name.
func (p *Plan) Secret(name string) (*SecretPlan, bool) {
	for i := range p.Secrets {
		if p.Secrets[i].Name == name {
			return &p.Secrets[i], true
		}
	}
	return nil, false
}

// Network returns the plan for one network by name.
func (p *Plan) Network(name string) (*NetworkPlan, bool) {
	for i := range p.Networks {
		if p.Networks[i].Name == name {
			return &p.Networks[i], true
		}
	}
	return nil, false
}

// ScopedNetworkName returns the engine-side name of a non-external
// network. Compose and swarm both prefix by project, so dockhand uses
// the same convention for networks it manages directly.
func (p *Plan) ScopedNetworkName(name string) string {
	return p.Stack + "_" + name
}

// AddressedSecretNames returns the addressed names of all referenced
// secrets in sorted order. Secrets sort by declared name, which is not
// the same order, so this re-sorts.
func (p *Plan) AddressedSecretNames() []string {
	out := make([]string, 0, len(p.Secrets))
	for _, s := range p.Secrets {
		out = append(out, s.AddressedName)
	}
	slices.Sort(out)
	return out
}
