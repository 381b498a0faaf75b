package render

import (
	"context"
	"fmt"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/dockhand/dockhand/internal/plan"
)

// Compose document shape. Emitted through yaml.Marshal rather than
// templates so values are always quoted correctly; map keys come out
// sorted, which keeps the bytes stable across runs.
type composeDoc struct {
	Name     string                    `yaml:"name"`
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks,omitempty"`
	Secrets  map[string]composeSecret  `yaml:"secrets,omitempty"`
}

type composeService struct {
	Image       string             `yaml:"image"`
	Command     []string           `yaml:"command,omitempty"`
	Environment map[string]string  `yaml:"environment,omitempty"`
	Labels      map[string]string  `yaml:"labels,omitempty"`
	Ports       []string           `yaml:"ports,omitempty"`
	Volumes     []string           `yaml:"volumes,omitempty"`
	Networks    []string           `yaml:"networks,omitempty"`
	Restart     string             `yaml:"restart,omitempty"`
	Secrets     []composeSecretRef `yaml:"secrets,omitempty"`
	Deploy      *composeDeploy     `yaml:"deploy,omitempty"`
}

type composeSecretRef struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type composeDeploy struct {
	Replicas  int               `yaml:"replicas"`
	Placement *composePlacement `yaml:"placement,omitempty"`
}

type composePlacement struct {
	Constraints []string `yaml:"constraints,omitempty"`
}

type composeNetwork struct {
	Name       string `yaml:"name,omitempty"`
	Driver     string `yaml:"driver,omitempty"`
	Internal   bool   `yaml:"internal,omitempty"`
	Attachable bool   `yaml:"attachable,omitempty"`
	External   bool   `yaml:"external,omitempty"`
}

type composeSecret struct {
	File string `yaml:"file"`
}

// Composition renders the compose document for a plan. In composition
// mode this is exactly what the backend deploys; for orchestrated
// stacks it is an inspection artifact, since the swarm backend talks to
// the API directly.
func Composition(pl *plan.Plan) ([]byte, error) {
	doc := composeDoc{
		Name:     pl.Stack,
		Services: map[string]composeService{},
	}

	for _, svc := range pl.Services {
		cs := composeService{
			Image:       svc.Image,
			Command:     svc.Command,
			Environment: svc.Env,
			Labels:      svc.Labels,
			Networks:    svc.Networks,
			Restart:     svc.Restart,
		}
		for _, p := range svc.Ports {
			cs.Ports = append(cs.Ports, fmt.Sprintf("%d:%d/%s", p.Published, p.Target, p.Protocol))
		}
		for _, m := range svc.Mounts {
			v := m.Source + ":" + m.Target
			if m.ReadOnly {
				v += ":ro"
			}
			cs.Volumes = append(cs.Volumes, v)
		}
		for _, ref := range svc.Secrets {
			cs.Secrets = append(cs.Secrets, composeSecretRef{Source: ref.AddressedName, Target: ref.Name})
		}
		if svc.Deploy != nil {
			cd := &composeDeploy{Replicas: svc.Deploy.Replicas}
			if len(svc.Deploy.Constraints) > 0 {
				cd.Placement = &composePlacement{Constraints: svc.Deploy.Constraints}
			}
			cs.Deploy = cd
		}
		doc.Services[svc.Name] = cs
	}

	if len(pl.Networks) > 0 {
		doc.Networks = map[string]composeNetwork{}
		for _, n := range pl.Networks {
			cn := composeNetwork{
				Driver:     n.Driver,
				Internal:   n.Internal,
				Attachable: n.Attachable,
			}
			if n.External {
				// External networks resolve to their unscoped engine name.
				cn = composeNetwork{Name: n.Name, External: true}
			}
			doc.Networks[n.Name] = cn
		}
	}

	if len(pl.Secrets) > 0 {
		doc.Secrets = map[string]composeSecret{}
		for _, s := range pl.Secrets {
			doc.Secrets[s.AddressedName] = composeSecret{
				File: pl.Directories.Secrets.Path + "/" + s.AddressedName,
			}
		}
	}

	return yaml.Marshal(doc)
}

// VerifyRendered parses a rendered compose document back through the
// compose loader, catching anything the emitter produced that the
// engine would later refuse. Deploy and placement are part of the
// compose schema, so orchestrated plans verify the same way.
func VerifyRendered(ctx context.Context, stackName string, rendered []byte) error {
	_, err := loader.LoadWithContext(ctx, composetypes.ConfigDetails{
		ConfigFiles: []composetypes.ConfigFile{
			{Filename: plan.ComposeFileName, Content: rendered},
		},
	}, func(o *loader.Options) {
		o.SetProjectName(stackName, true)
	})
	if err != nil {
		return fmt.Errorf("rendered compose for %s does not load: %w", stackName, err)
	}
	return nil
}

// RenderComposition emits and verifies the compose document in one step.
func RenderComposition(ctx context.Context, pl *plan.Plan) ([]byte, error) {
	out, err := Composition(pl)
	if err != nil {
		return nil, err
	}
	if err := VerifyRendered(ctx, pl.Stack, out); err != nil {
		return nil, err
	}
	return out, nil
}
