package cleanup

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryOrdersDependenciesFirst(test *testing.T) {
	test.Parallel()
	registry, err := NewRegistry(
		newFakeCleaner(test, nil, "Vpc", "Subnet", "SecurityGroup", "InternetGateway", "RouteTable"),
		newFakeCleaner(test, nil, "RouteTable", "Subnet"),
		newFakeCleaner(test, nil, "Subnet", "NetworkAcl"),
		newFakeCleaner(test, nil, "NetworkAcl"),
		newFakeCleaner(test, nil, "SecurityGroup"),
		newFakeCleaner(test, nil, "InternetGateway"),
	)
	require.NoError(test, err)

	order := registry.Order()
	require.Len(test, order, 6)
	position := make(map[string]int, len(order))
	for index, resourceType := range order {
		position[resourceType] = index
	}
	for _, edge := range registry.Edges() {
		require.Less(test, position[edge.To], position[edge.From], "%s must run before %s", edge.To, edge.From)
	}
	require.Equal(test, "Vpc", order[len(order)-1])
	require.Equal(test, []string{"InternetGateway", "NetworkAcl", "Subnet", "RouteTable", "SecurityGroup", "Vpc"}, order)
}

func TestRegistryOrderIsDeterministic(test *testing.T) {
	test.Parallel()
	build := func(reverse bool) []string {
		cleaners := []Cleaner{
			newFakeCleaner(test, nil, "A"),
			newFakeCleaner(test, nil, "B", "A"),
			newFakeCleaner(test, nil, "C"),
		}
		if reverse {
			cleaners[0], cleaners[2] = cleaners[2], cleaners[0]
		}
		registry, err := NewRegistry(cleaners...)
		require.NoError(test, err)
		return registry.Order()
	}
	require.Equal(test, build(false), build(true))
}

func TestRegistryRejectsCycle(test *testing.T) {
	test.Parallel()
	_, err := NewRegistry(
		newFakeCleaner(test, nil, "A", "B"),
		newFakeCleaner(test, nil, "B", "C"),
		newFakeCleaner(test, nil, "C", "A"),
	)
	var cycleErr CycleDetectedError
	require.True(test, errors.As(err, &cycleErr), "expected cycle error, got %v", err)
	require.Equal(test, []string{"A", "B", "C", "A"}, cycleErr.Path)
	require.Contains(test, err.Error(), "A -> B -> C -> A")
}

func TestRegistryRejectsSelfDependency(test *testing.T) {
	test.Parallel()
	_, err := NewRegistry(newFakeCleaner(test, nil, "A", "A"))
	var cycleErr CycleDetectedError
	require.ErrorAs(test, err, &cycleErr)
}

func TestRegistryRejectsMissingDependency(test *testing.T) {
	test.Parallel()
	_, err := NewRegistry(newFakeCleaner(test, nil, "Subnet", "NetworkAcl"))
	var missing DependencyNotFoundError
	require.ErrorAs(test, err, &missing)
	require.Equal(test, DependencyNotFoundError{From: "Subnet", To: "NetworkAcl"}, missing)
}

func TestRegistryRejectsDuplicates(test *testing.T) {
	test.Parallel()
	_, err := NewRegistry(newFakeCleaner(test, nil, "Vpc"), newFakeCleaner(test, nil, " Vpc "))
	var duplicate DuplicateCleanerError
	require.ErrorAs(test, err, &duplicate)
	require.Equal(test, "Vpc", duplicate.ResourceType)
}

func TestNewDescriptorValidates(test *testing.T) {
	test.Parallel()
	_, err := NewDescriptor("  ")
	require.ErrorIs(test, err, ErrInvalidDescriptor)
	_, err = NewDescriptor("Vpc", "Subnet", "")
	require.ErrorIs(test, err, ErrInvalidDescriptor)
	descriptor, err := NewDescriptor("Vpc", "Subnet", " Subnet ")
	require.NoError(test, err)
	require.Equal(test, []string{"Subnet"}, descriptor.Depends)
}

func TestRegistryDOT(test *testing.T) {
	test.Parallel()
	registry, err := NewRegistry(
		newFakeCleaner(test, nil, "Subnet", "NetworkAcl"),
		newFakeCleaner(test, nil, "NetworkAcl"),
	)
	require.NoError(test, err)
	dot := registry.DOT()
	require.True(test, strings.HasPrefix(dot, "digraph cleaners {\n"))
	require.Contains(test, dot, `n0 [label="1. NetworkAcl"];`)
	require.Contains(test, dot, `n1 [label="2. Subnet"];`)
	require.Contains(test, dot, "n1 -> n0;")
}
