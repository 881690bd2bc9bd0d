package stack

import (
	"fmt"
	"sort"
)

// Operation kinds, in the order a plan emits them.
const (
	OpCreateNetwork = "create-network"
	OpCreateVolume  = "create-volume"
	OpCreateService = "create-service"

	OpRemoveService = "remove-service"
	OpRemoveNetwork = "remove-network"
)

// Operation is one step of a deployment or rollback plan.
type Operation struct {
	Kind string
	Name string
	Wave int // create-service and remove-service only
}

// Plan is an ordered list of operations plus the service waves it was
// derived from. Services within one wave have no dependencies on each
// other and may run in parallel.
type Plan struct {
	Ops   []Operation
	Waves [][]string
}

// PlanDeployment computes the deployment plan for a validated document.
// Services whose profiles do not intersect the enabled set are excluded;
// services with no profiles always deploy.
func PlanDeployment(doc *Document, profiles []string) (*Plan, error) {
	active := activeServices(doc, profiles)
	waves, err := computeWaves(doc, active)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Waves: waves}
	for _, name := range sortedKeys(doc.Networks) {
		if !bool(doc.Networks[name].External) {
			plan.Ops = append(plan.Ops, Operation{Kind: OpCreateNetwork, Name: name})
		}
	}
	for _, name := range sortedKeys(doc.Volumes) {
		if !bool(doc.Volumes[name].External) {
			plan.Ops = append(plan.Ops, Operation{Kind: OpCreateVolume, Name: name})
		}
	}
	for wave, services := range waves {
		for _, name := range services {
			plan.Ops = append(plan.Ops, Operation{Kind: OpCreateService, Name: name, Wave: wave})
		}
	}
	return plan, nil
}

// StartupOrder flattens the waves into a deterministic service start
// sequence.
func (p *Plan) StartupOrder() []string {
	var out []string
	for _, wave := range p.Waves {
		out = append(out, wave...)
	}
	return out
}

// PlanRollback inverts a deployment plan: services are removed in reverse
// creation order, then the networks the plan created. Volumes are kept;
// they may hold data.
func PlanRollback(p *Plan) []Operation {
	var services, networks []Operation
	for _, op := range p.Ops {
		switch op.Kind {
		case OpCreateService:
			services = append(services, Operation{Kind: OpRemoveService, Name: op.Name, Wave: op.Wave})
		case OpCreateNetwork:
			networks = append(networks, Operation{Kind: OpRemoveNetwork, Name: op.Name})
		}
	}

	out := make([]Operation, 0, len(services)+len(networks))
	for i := len(services) - 1; i >= 0; i-- {
		out = append(out, services[i])
	}
	out = append(out, networks...)
	return out
}

// activeServices filters the document's services by the enabled profile
// set.
func activeServices(doc *Document, profiles []string) map[string]bool {
	enabled := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		enabled[p] = true
	}

	active := make(map[string]bool, len(doc.Services))
	for name, svc := range doc.Services {
		if len(svc.Profiles) == 0 {
			active[name] = true
			continue
		}
		for _, p := range svc.Profiles {
			if enabled[p] {
				active[name] = true
				break
			}
		}
	}
	return active
}

// computeWaves layers the active services with Kahn's algorithm: wave k
// holds every service whose dependencies all sit in earlier waves.
// Within a wave, names are sorted for deterministic plans.
func computeWaves(doc *Document, active map[string]bool) ([][]string, error) {
	inDegree := make(map[string]int, len(active))
	dependents := make(map[string][]string)

	for name := range active {
		inDegree[name] = 0
	}
	for name := range active {
		for _, dep := range doc.Services[name].DependsOn {
			// A dependency excluded by profiles cannot gate this service.
			if !active[dep] {
				continue
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var waves [][]string
	placed := 0
	current := zeroDegree(inDegree)

	for len(current) > 0 {
		sort.Strings(current)
		waves = append(waves, current)
		placed += len(current)

		var next []string
		for _, name := range current {
			for _, dep := range dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
			delete(inDegree, name)
		}
		current = next
	}

	if placed != len(active) {
		return nil, fmt.Errorf("dependency cycle: %d of %d services unplaceable", len(active)-placed, len(active))
	}
	return waves, nil
}

// zeroDegree collects names whose in-degree is zero.
func zeroDegree(inDegree map[string]int) []string {
	var out []string
	for name, deg := range inDegree {
		if deg == 0 {
			out = append(out, name)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
