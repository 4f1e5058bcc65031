// Package dependency turns a flat descriptor set into an ordered list of
// start phases. Phase k contains every service whose dependencies are fully
// satisfied by phases 0..k-1; services within a phase may start concurrently.
package dependency

import (
	"fmt"
	"sort"
	"strings"

	"fleetctl/internal/services"
)

// Phase is one batch of services eligible to start concurrently.
type Phase []services.ServiceDescriptor

// Names returns the member names, mostly for logging and tests.
func (p Phase) Names() []string {
	out := make([]string, len(p))
	for i, d := range p {
		out[i] = d.Name
	}
	return out
}

// UnknownDependencyError reports a dependency reference that does not
// resolve to any registered service.
type UnknownDependencyError struct {
	Service    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %s depends on unknown service %s", e.Service, e.Dependency)
}

// CycleError reports a dependency cycle. Cycle holds the full path, with
// the first service repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// Build validates the descriptor set and computes ordered start phases.
// It is a pure function: no side effects, deterministic output. On any
// validation failure it returns no phases at all, never a partial list.
func Build(descriptors []services.ServiceDescriptor) ([]Phase, error) {
	byName := make(map[string]services.ServiceDescriptor, len(descriptors))
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
		names = append(names, d.Name)
	}
	sort.Strings(names)

	// All dependency references must resolve before anything else runs.
	for _, name := range names {
		for _, dep := range byName[name].Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, &UnknownDependencyError{Service: name, Dependency: dep}
			}
		}
	}

	if cycle := findCycle(names, byName); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	return layer(names, byName), nil
}

// findCycle runs a DFS with recursion-stack marking and returns the first
// cycle path found, or nil for an acyclic graph.
func findCycle(names []string, byName map[string]services.ServiceDescriptor) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	mark := make(map[string]int, len(names))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		mark[name] = inStack
		stack = append(stack, name)

		deps := append([]string(nil), byName[name].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch mark[dep] {
			case inStack:
				// Slice the stack from the first occurrence to close the loop
				for i, n := range stack {
					if n == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		mark[name] = done
		return nil
	}

	for _, name := range names {
		if mark[name] == unvisited {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// layer computes phases via Kahn's algorithm: repeatedly remove services
// whose dependencies are already placed. Ties within a phase are ordered
// required-first, then by name, for deterministic output.
func layer(names []string, byName map[string]services.ServiceDescriptor) []Phase {
	placed := make(map[string]bool, len(names))
	remaining := append([]string(nil), names...)

	var phases []Phase
	for len(remaining) > 0 {
		var phase Phase
		var next []string

		for _, name := range remaining {
			satisfied := true
			for _, dep := range byName[name].Dependencies {
				if !placed[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				phase = append(phase, byName[name])
			} else {
				next = append(next, name)
			}
		}

		sort.Slice(phase, func(i, j int) bool {
			if phase[i].Required != phase[j].Required {
				return phase[i].Required
			}
			return phase[i].Name < phase[j].Name
		})

		for _, d := range phase {
			placed[d.Name] = true
		}
		phases = append(phases, phase)
		remaining = next
	}
	return phases
}

// Dependents returns the names of every service that depends on the given
// one, directly or transitively. Used for cascading the Degraded label.
func Dependents(name string, descriptors []services.ServiceDescriptor) []string {
	direct := make(map[string][]string)
	for _, d := range descriptors {
		for _, dep := range d.Dependencies {
			direct[dep] = append(direct[dep], d.Name)
		}
	}

	seen := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, child := range direct[n] {
			if !seen[child] {
				seen[child] = true
				walk(child)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
