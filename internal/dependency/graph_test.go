package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetctl/internal/services"
)

func desc(name string, required bool, deps ...string) services.ServiceDescriptor {
	return services.ServiceDescriptor{
		Name:         name,
		Host:         services.HostLocal,
		Required:     required,
		Dependencies: deps,
	}
}

func TestBuild_LinearChain(t *testing.T) {
	phases, err := Build([]services.ServiceDescriptor{
		desc("worker", false, "orchestrator"),
		desc("registry", true),
		desc("orchestrator", true, "registry"),
	})
	require.NoError(t, err)
	require.Len(t, phases, 3)

	assert.Equal(t, []string{"registry"}, phases[0].Names())
	assert.Equal(t, []string{"orchestrator"}, phases[1].Names())
	assert.Equal(t, []string{"worker"}, phases[2].Names())
}

func TestBuild_DependenciesAlwaysInEarlierPhase(t *testing.T) {
	descriptors := []services.ServiceDescriptor{
		desc("a", true),
		desc("b", true, "a"),
		desc("c", false, "a"),
		desc("d", true, "b", "c"),
		desc("e", false, "a", "d"),
		desc("f", true),
	}

	phases, err := Build(descriptors)
	require.NoError(t, err)

	phaseOf := make(map[string]int)
	for i, p := range phases {
		for _, name := range p.Names() {
			phaseOf[name] = i
		}
	}

	for _, d := range descriptors {
		for _, dep := range d.Dependencies {
			assert.Less(t, phaseOf[dep], phaseOf[d.Name],
				"dependency %s of %s must be in an earlier phase", dep, d.Name)
		}
	}
}

func TestBuild_PhaseOrderingRequiredFirstThenName(t *testing.T) {
	phases, err := Build([]services.ServiceDescriptor{
		desc("zeta", true),
		desc("alpha", false),
		desc("mike", true),
		desc("beta", false),
	})
	require.NoError(t, err)
	require.Len(t, phases, 1)

	assert.Equal(t, []string{"mike", "zeta", "alpha", "beta"}, phases[0].Names())
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build([]services.ServiceDescriptor{
		desc("a", true, "ghost"),
	})
	require.Error(t, err)

	var unknownErr *UnknownDependencyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "a", unknownErr.Service)
	assert.Equal(t, "ghost", unknownErr.Dependency)
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuild_CycleNamesEveryMember(t *testing.T) {
	_, phasesErr := Build([]services.ServiceDescriptor{
		desc("a", true, "c"),
		desc("b", true, "a"),
		desc("c", true, "b"),
	})
	require.Error(t, phasesErr)

	var cycleErr *CycleError
	require.ErrorAs(t, phasesErr, &cycleErr)
	assert.Contains(t, cycleErr.Cycle, "a")
	assert.Contains(t, cycleErr.Cycle, "b")
	assert.Contains(t, cycleErr.Cycle, "c")
	// The path closes the loop by repeating the entry node
	assert.Equal(t, cycleErr.Cycle[0], cycleErr.Cycle[len(cycleErr.Cycle)-1])
}

func TestBuild_SelfDependency(t *testing.T) {
	_, err := Build([]services.ServiceDescriptor{
		desc("a", true, "a"),
	})
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "a"}, cycleErr.Cycle)
}

func TestBuild_CycleReturnsNoPartialPhases(t *testing.T) {
	phases, err := Build([]services.ServiceDescriptor{
		desc("standalone", true),
		desc("x", true, "y"),
		desc("y", true, "x"),
	})
	require.Error(t, err)
	assert.Nil(t, phases)
}

func TestDependents_Transitive(t *testing.T) {
	descriptors := []services.ServiceDescriptor{
		desc("registry", true),
		desc("orchestrator", true, "registry"),
		desc("worker", false, "orchestrator"),
		desc("other", false),
	}

	assert.Equal(t, []string{"orchestrator", "worker"}, Dependents("registry", descriptors))
	assert.Equal(t, []string{"worker"}, Dependents("orchestrator", descriptors))
	assert.Empty(t, Dependents("worker", descriptors))
}
