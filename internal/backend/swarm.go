package backend

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/diff"
	"github.com/dockhand/dockhand/internal/plan"
	"github.com/dockhand/dockhand/internal/secretaddr"
	"github.com/dockhand/dockhand/internal/status"
	"github.com/dockhand/dockhand/internal/util"
)

var waitPoll = 500 * time.Millisecond

// Swarm converges a stack against a swarm manager. Services carry a
// fingerprint label over their full spec, so update-vs-skip never needs
// a field-by-field comparison against engine defaults.
type Swarm struct {
	api  SwarmAPI
	log  *zap.Logger
	opts Options
}

func NewSwarm(api SwarmAPI, log *zap.Logger, opts Options) *Swarm {
	if log == nil {
		log = zap.NewNop()
	}
	return &Swarm{api: api, log: log, opts: opts}
}

func (s *Swarm) Apply(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error) {
	cs, err := s.converge(ctx, pl, false)
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "apply", Err: err}
	}
	return cs, nil
}

func (s *Swarm) Diff(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error) {
	cs, err := s.converge(ctx, pl, true)
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "diff", Err: err}
	}
	return cs, nil
}

func (s *Swarm) converge(ctx context.Context, pl *plan.Plan, dry bool) (*diff.Changeset, error) {
	cs := diff.New(pl.Stack)
	if err := s.ensureNetworks(ctx, pl, cs, dry); err != nil {
		return nil, err
	}
	ids, err := s.ensureSecrets(ctx, pl, cs, dry)
	if err != nil {
		return nil, err
	}
	waits, err := s.ensureServices(ctx, pl, cs, ids, dry)
	if err != nil {
		return nil, err
	}
	if !dry && s.opts.Wait {
		for _, w := range waits {
			if err := s.waitReady(ctx, w.name, w.replicas); err != nil {
				return nil, err
			}
		}
	}
	if err := s.pruneSecrets(ctx, pl, cs, dry); err != nil {
		return nil, err
	}
	if err := s.pruneNetworks(ctx, pl, cs, dry); err != nil {
		return nil, err
	}
	return cs, nil
}

func (s *Swarm) Destroy(ctx context.Context, pl *plan.Plan) (*diff.Changeset, error) {
	cs := diff.New(pl.Stack)
	f := ownedArgs(pl.Stack)

	svcs, err := s.api.ServiceList(ctx, swarm.ServiceListOptions{Filters: f})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: err}
	}
	slices.SortFunc(svcs, func(a, b swarm.Service) int {
		return strings.Compare(a.Spec.Annotations.Name, b.Spec.Annotations.Name)
	})
	for _, sv := range svcs {
		if err := s.api.ServiceRemove(ctx, sv.ID); err != nil {
			return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: fmt.Errorf("service %s: %w", sv.Spec.Annotations.Name, err)}
		}
		cs.Delete(diff.KindService, sv.Spec.Annotations.Name, "")
	}

	// Destroy removes every owned secret regardless of allow_prune:
	// the gate protects rotation, not teardown.
	secs, err := s.api.SecretList(ctx, swarm.SecretListOptions{Filters: f})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: err}
	}
	slices.SortFunc(secs, func(a, b swarm.Secret) int { return strings.Compare(a.Spec.Name, b.Spec.Name) })
	for _, sec := range secs {
		if err := s.api.SecretRemove(ctx, sec.ID); err != nil {
			s.log.Warn("secret busy, leaving for next run",
				zap.String("secret", sec.Spec.Name), zap.Error(err))
			continue
		}
		cs.Delete(diff.KindSecret, sec.Spec.Name, "")
	}

	nets, err := s.api.NetworkList(ctx, network.ListOptions{Filters: f})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "destroy", Err: err}
	}
	slices.SortFunc(nets, func(a, b network.Summary) int { return strings.Compare(a.Name, b.Name) })
	for _, nw := range nets {
		if err := s.api.NetworkRemove(ctx, nw.ID); err != nil {
			s.log.Warn("network busy, leaving for next run",
				zap.String("network", nw.Name), zap.Error(err))
			continue
		}
		cs.Delete(diff.KindNetwork, nw.Name, "")
	}
	return cs, nil
}

func (s *Swarm) Status(ctx context.Context, pl *plan.Plan) (*status.Report, error) {
	rep := &status.Report{Stack: pl.Stack, Mode: string(pl.Mode)}

	svcs, err := s.api.ServiceList(ctx, swarm.ServiceListOptions{Filters: ownedArgs(pl.Stack), Status: true})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "status", Err: err}
	}
	byName := map[string]swarm.Service{}
	for _, sv := range svcs {
		byName[sv.Spec.Annotations.Name] = sv
	}
	for i := range pl.Services {
		svc := &pl.Services[i]
		name := ServiceName(pl.Stack, svc.Name)
		desired, running, image := replicasOf(svc), 0, svc.Image
		if cur, ok := byName[name]; ok {
			if cur.Spec.TaskTemplate.ContainerSpec != nil {
				image = cur.Spec.TaskTemplate.ContainerSpec.Image
			}
			if cur.ServiceStatus != nil {
				desired = int(cur.ServiceStatus.DesiredTasks)
				running = int(cur.ServiceStatus.RunningTasks)
			} else {
				running, err = s.runningTasks(ctx, name)
				if err != nil {
					return nil, &IntentError{Stack: pl.Stack, Op: "status", Err: err}
				}
			}
			delete(byName, name)
		}
		rep.Services = append(rep.Services, status.ServiceReport{
			Name:    svc.Name,
			Image:   image,
			Desired: desired,
			Running: running,
			Health:  status.HealthFor(desired, running),
		})
	}
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		rep.Notes = append(rep.Notes, fmt.Sprintf("service %s is deployed but no longer declared", name))
	}

	secs, err := s.api.SecretList(ctx, swarm.SecretListOptions{Filters: ownedArgs(pl.Stack)})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "status", Err: err}
	}
	for _, sec := range secs {
		rep.Secrets = append(rep.Secrets, sec.Spec.Name)
	}
	slices.Sort(rep.Secrets)

	nets, err := s.api.NetworkList(ctx, network.ListOptions{Filters: ownedArgs(pl.Stack)})
	if err != nil {
		return nil, &IntentError{Stack: pl.Stack, Op: "status", Err: err}
	}
	for _, nw := range nets {
		rep.Networks = append(rep.Networks, nw.Name)
	}
	slices.Sort(rep.Networks)
	return rep, nil
}

func (s *Swarm) ensureNetworks(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) error {
	for i := range pl.Networks {
		n := &pl.Networks[i]
		if n.External {
			found, err := s.findNetwork(ctx, n.Name)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("external network %s not found", n.Name)
			}
			continue
		}
		name := pl.ScopedNetworkName(n.Name)
		found, err := s.findNetwork(ctx, name)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		cs.Create(diff.KindNetwork, name, "")
		if dry {
			continue
		}
		_, err = s.api.NetworkCreate(ctx, name, network.CreateOptions{
			Driver:     n.Driver,
			Internal:   n.Internal,
			Attachable: n.Attachable,
			Labels:     StackLabels(pl.Stack),
			Scope:      "swarm",
		})
		if err != nil {
			return fmt.Errorf("network %s: %w", name, err)
		}
	}
	return nil
}

// findNetwork resolves a network by exact name. The engine's name
// filter matches substrings, so the result needs a second pass.
func (s *Swarm) findNetwork(ctx context.Context, name string) (bool, error) {
	f := filters.NewArgs()
	f.Add("name", name)
	nets, err := s.api.NetworkList(ctx, network.ListOptions{Filters: f})
	if err != nil {
		return false, err
	}
	for _, nw := range nets {
		if nw.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *Swarm) ensureSecrets(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) (map[string]string, error) {
	existing, err := s.api.SecretList(ctx, swarm.SecretListOptions{Filters: ownedArgs(pl.Stack)})
	if err != nil {
		return nil, err
	}
	byName := map[string]swarm.Secret{}
	for _, sec := range existing {
		byName[sec.Spec.Name] = sec
	}
	ids := map[string]string{}
	for i := range pl.Secrets {
		sp := &pl.Secrets[i]
		if cur, ok := byName[sp.AddressedName]; ok {
			if got := cur.Spec.Labels[LabelContent]; got != sp.Hash {
				return nil, &secretaddr.AddressingError{
					AddressedName: sp.AddressedName,
					Detail:        fmt.Sprintf("engine secret holds content %s, want %s", got, sp.Hash),
				}
			}
			ids[sp.AddressedName] = cur.ID
			continue
		}
		cs.Create(diff.KindSecret, sp.AddressedName, "")
		if dry {
			continue
		}
		resp, err := s.api.SecretCreate(ctx, swarm.SecretSpec{
			Annotations: swarm.Annotations{Name: sp.AddressedName, Labels: SecretLabels(pl.Stack, *sp)},
			Data:        sp.Payload,
		})
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", sp.AddressedName, err)
		}
		ids[sp.AddressedName] = resp.ID
	}
	return ids, nil
}

type serviceWait struct {
	name     string
	replicas int
}

func (s *Swarm) ensureServices(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, secretIDs map[string]string, dry bool) ([]serviceWait, error) {
	existing, err := s.api.ServiceList(ctx, swarm.ServiceListOptions{Filters: ownedArgs(pl.Stack)})
	if err != nil {
		return nil, err
	}
	byName := map[string]swarm.Service{}
	for _, sv := range existing {
		byName[sv.Spec.Annotations.Name] = sv
	}

	var waits []serviceWait
	declared := map[string]bool{}
	for i := range pl.Services {
		svc := &pl.Services[i]
		name := ServiceName(pl.Stack, svc.Name)
		declared[name] = true

		specv := s.serviceSpec(pl, svc, secretIDs)
		fp := util.MustFingerprintJSON(specv)
		specv.Annotations.Labels[LabelFingerprint] = fp

		cur, ok := byName[name]
		switch {
		case !ok:
			cs.Create(diff.KindService, name, "")
			if !dry {
				if _, err := s.api.ServiceCreate(ctx, specv, swarm.ServiceCreateOptions{}); err != nil {
					return nil, fmt.Errorf("service %s: %w", name, err)
				}
			}
			waits = append(waits, serviceWait{name, replicasOf(svc)})
		case cur.Spec.Annotations.Labels[LabelFingerprint] != fp:
			cs.Update(diff.KindService, name, "spec changed")
			if !dry {
				if _, err := s.api.ServiceUpdate(ctx, cur.ID, cur.Version, specv, swarm.ServiceUpdateOptions{}); err != nil {
					return nil, fmt.Errorf("service %s: %w", name, err)
				}
			}
			waits = append(waits, serviceWait{name, replicasOf(svc)})
		}
	}

	for _, name := range slices.Sorted(maps.Keys(byName)) {
		if declared[name] {
			continue
		}
		cs.Delete(diff.KindService, name, "removed from stack")
		if dry {
			continue
		}
		if err := s.api.ServiceRemove(ctx, byName[name].ID); err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
	}
	return waits, nil
}

// serviceSpec maps one planned service onto a swarm service spec. The
// fingerprint label is stamped by the caller after hashing.
func (s *Swarm) serviceSpec(pl *plan.Plan, svc *plan.ServicePlan, secretIDs map[string]string) swarm.ServiceSpec {
	env := make([]string, 0, len(svc.Env))
	for _, k := range slices.Sorted(maps.Keys(svc.Env)) {
		env = append(env, k+"="+svc.Env[k])
	}

	var mounts []mount.Mount
	for _, m := range svc.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var secrets []*swarm.SecretReference
	for _, ref := range svc.Secrets {
		secrets = append(secrets, &swarm.SecretReference{
			File: &swarm.SecretReferenceFileTarget{
				Name: ref.Name,
				UID:  "0",
				GID:  "0",
				Mode: 0o400,
			},
			SecretID:   secretIDs[ref.AddressedName],
			SecretName: ref.AddressedName,
		})
	}

	var nets []swarm.NetworkAttachmentConfig
	for _, name := range svc.Networks {
		target := pl.ScopedNetworkName(name)
		if np, ok := pl.Network(name); ok && np.External {
			target = np.Name
		}
		nets = append(nets, swarm.NetworkAttachmentConfig{Target: target})
	}

	task := swarm.TaskSpec{
		ContainerSpec: &swarm.ContainerSpec{
			Image:   svc.Image,
			Labels:  svc.Labels,
			Args:    svc.Command,
			Env:     env,
			Mounts:  mounts,
			Secrets: secrets,
		},
		Networks: nets,
	}
	if svc.Restart != "" {
		task.RestartPolicy = &swarm.RestartPolicy{Condition: restartCondition(svc.Restart)}
	}
	if svc.Deploy != nil && len(svc.Deploy.Constraints) > 0 {
		task.Placement = &swarm.Placement{Constraints: svc.Deploy.Constraints}
	}

	replicas := uint64(replicasOf(svc))
	out := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   ServiceName(pl.Stack, svc.Name),
			Labels: StackLabels(pl.Stack),
		},
		TaskTemplate: task,
		Mode:         swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &replicas}},
	}
	if len(svc.Ports) > 0 {
		ep := &swarm.EndpointSpec{}
		for _, p := range svc.Ports {
			ep.Ports = append(ep.Ports, swarm.PortConfig{
				Protocol:      swarm.PortConfigProtocol(p.Protocol),
				TargetPort:    uint32(p.Target),
				PublishedPort: uint32(p.Published),
				PublishMode:   swarm.PortConfigPublishModeIngress,
			})
		}
		out.EndpointSpec = ep
	}
	return out
}

func restartCondition(restart string) swarm.RestartPolicyCondition {
	switch restart {
	case "no":
		return swarm.RestartPolicyConditionNone
	case "on-failure":
		return swarm.RestartPolicyConditionOnFailure
	default:
		// always and unless-stopped both map here; swarm has no notion
		// of staying down across engine restarts.
		return swarm.RestartPolicyConditionAny
	}
}

func (s *Swarm) pruneSecrets(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) error {
	existing, err := s.api.SecretList(ctx, swarm.SecretListOptions{Filters: ownedArgs(pl.Stack)})
	if err != nil {
		return err
	}
	names := make([]string, 0, len(existing))
	ids := map[string]string{}
	for _, sec := range existing {
		names = append(names, sec.Spec.Name)
		ids[sec.Spec.Name] = sec.ID
	}
	candidates := secretaddr.PruneCandidates(names, pl.AddressedSecretNames())
	if len(candidates) == 0 {
		return nil
	}
	if !pl.AllowPrune {
		s.log.Info("secret prune skipped",
			zap.String("stack", pl.Stack),
			zap.Int("candidates", len(candidates)))
		return nil
	}
	for _, name := range candidates {
		if dry {
			cs.Delete(diff.KindSecret, name, "unreferenced")
			continue
		}
		if err := s.api.SecretRemove(ctx, ids[name]); err != nil {
			// Tasks from the previous spec hold old secrets until they
			// drain. The next run picks them up.
			s.log.Warn("secret busy, leaving for next run",
				zap.String("secret", name), zap.Error(err))
			continue
		}
		cs.Delete(diff.KindSecret, name, "unreferenced")
	}
	return nil
}

func (s *Swarm) pruneNetworks(ctx context.Context, pl *plan.Plan, cs *diff.Changeset, dry bool) error {
	owned, err := s.api.NetworkList(ctx, network.ListOptions{Filters: ownedArgs(pl.Stack)})
	if err != nil {
		return err
	}
	declared := map[string]bool{}
	for _, n := range pl.Networks {
		if !n.External {
			declared[pl.ScopedNetworkName(n.Name)] = true
		}
	}
	slices.SortFunc(owned, func(a, b network.Summary) int { return strings.Compare(a.Name, b.Name) })
	for _, nw := range owned {
		if declared[nw.Name] {
			continue
		}
		if dry {
			cs.Delete(diff.KindNetwork, nw.Name, "no longer in stack")
			continue
		}
		if err := s.api.NetworkRemove(ctx, nw.ID); err != nil {
			s.log.Warn("network busy, leaving for next run",
				zap.String("network", nw.Name), zap.Error(err))
			continue
		}
		cs.Delete(diff.KindNetwork, nw.Name, "no longer in stack")
	}
	return nil
}

func (s *Swarm) waitReady(ctx context.Context, name string, desired int) error {
	deadline := time.Now().Add(s.opts.WaitTimeout)
	for {
		running, err := s.runningTasks(ctx, name)
		if err != nil {
			return err
		}
		if running >= desired {
			return nil
		}
		if time.Now().After(deadline) {
			return &WaitTimeoutError{Service: name, Desired: desired, Running: running, Timeout: s.opts.WaitTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

func (s *Swarm) runningTasks(ctx context.Context, service string) (int, error) {
	f := filters.NewArgs()
	f.Add("service", service)
	tasks, err := s.api.TaskList(ctx, swarm.TaskListOptions{Filters: f})
	if err != nil {
		return 0, err
	}
	running := 0
	for _, t := range tasks {
		if t.DesiredState == swarm.TaskStateRunning && t.Status.State == swarm.TaskStateRunning {
			running++
		}
	}
	return running, nil
}

func replicasOf(svc *plan.ServicePlan) int {
	if svc.Deploy != nil && svc.Deploy.Replicas > 0 {
		return svc.Deploy.Replicas
	}
	return 1
}

func ownedArgs(stack string) filters.Args {
	f := filters.NewArgs()
	f.Add("label", LabelOwner+"="+OwnerValue)
	f.Add("label", LabelStack+"="+stack)
	return f
}
