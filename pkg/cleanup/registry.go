package cleanup

import (
	"fmt"
	"sort"
	"strings"
)

// Edge means "From is cleaned after To".
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Registry holds every cleaner and one valid execution order computed at construction.
// A registry is immutable once built and safe for concurrent use.
type Registry struct {
	cleaners map[string]Cleaner
	depends  map[string][]string
	order    []string
	edges    []Edge
}

// NewRegistry validates descriptors and computes the execution order. Dependencies
// always run before their dependents; ties are broken by resource type name.
func NewRegistry(cleaners ...Cleaner) (*Registry, error) {
	registry := &Registry{
		cleaners: make(map[string]Cleaner, len(cleaners)),
		depends:  make(map[string][]string, len(cleaners)),
	}
	for _, cleaner := range cleaners {
		if cleaner == nil {
			return nil, fmt.Errorf("%w: nil cleaner", ErrInvalidDescriptor)
		}
		descriptor, err := NewDescriptor(cleaner.Descriptor().ResourceType, cleaner.Descriptor().Depends...)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.cleaners[descriptor.ResourceType]; exists {
			return nil, DuplicateCleanerError{ResourceType: descriptor.ResourceType}
		}
		dependencies := append([]string(nil), descriptor.Depends...)
		sort.Strings(dependencies)
		registry.cleaners[descriptor.ResourceType] = cleaner
		registry.depends[descriptor.ResourceType] = dependencies
	}

	resourceTypes := registry.sortedTypes()
	for _, resourceType := range resourceTypes {
		for _, dependency := range registry.depends[resourceType] {
			if _, ok := registry.cleaners[dependency]; !ok {
				return nil, DependencyNotFoundError{From: resourceType, To: dependency}
			}
			registry.edges = append(registry.edges, Edge{From: resourceType, To: dependency})
		}
	}

	order, err := registry.topoSort(resourceTypes)
	if err != nil {
		return nil, err
	}
	registry.order = order
	return registry, nil
}

func (registry *Registry) sortedTypes() []string {
	resourceTypes := make([]string, 0, len(registry.cleaners))
	for resourceType := range registry.cleaners {
		resourceTypes = append(resourceTypes, resourceType)
	}
	sort.Strings(resourceTypes)
	return resourceTypes
}

func (registry *Registry) topoSort(resourceTypes []string) ([]string, error) {
	const (
		stateNew uint8 = iota
		stateVisiting
		stateDone
	)

	state := make(map[string]uint8, len(resourceTypes))
	stack := make([]string, 0, len(resourceTypes))
	stackPos := make(map[string]int, len(resourceTypes))
	order := make([]string, 0, len(resourceTypes))

	var visit func(resourceType string) error
	visit = func(resourceType string) error {
		if state[resourceType] == stateDone {
			return nil
		}
		state[resourceType] = stateVisiting
		stackPos[resourceType] = len(stack)
		stack = append(stack, resourceType)

		for _, dependency := range registry.depends[resourceType] {
			if state[dependency] == stateVisiting {
				cycle := append([]string(nil), stack[stackPos[dependency]:]...)
				cycle = append(cycle, dependency)
				return CycleDetectedError{Path: cycle}
			}
			if err := visit(dependency); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(stackPos, resourceType)
		state[resourceType] = stateDone
		order = append(order, resourceType)
		return nil
	}

	for _, resourceType := range resourceTypes {
		if state[resourceType] != stateNew {
			continue
		}
		if err := visit(resourceType); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Order returns the resource types in execution order.
func (registry *Registry) Order() []string {
	return append([]string(nil), registry.order...)
}

// Cleaners returns the cleaners in execution order.
func (registry *Registry) Cleaners() []Cleaner {
	cleaners := make([]Cleaner, 0, len(registry.order))
	for _, resourceType := range registry.order {
		cleaners = append(cleaners, registry.cleaners[resourceType])
	}
	return cleaners
}

// Dependencies returns the resource types cleaned before resourceType.
func (registry *Registry) Dependencies(resourceType string) []string {
	return append([]string(nil), registry.depends[resourceType]...)
}

// Edges returns every dependency edge sorted by dependent then dependency.
func (registry *Registry) Edges() []Edge {
	return append([]Edge(nil), registry.edges...)
}

// Len reports how many cleaners are registered.
func (registry *Registry) Len() int {
	return len(registry.order)
}

// DOT exports the dependency graph as Graphviz DOT text.
func (registry *Registry) DOT() string {
	var builder strings.Builder
	builder.WriteString("digraph cleaners {\n")
	builder.WriteString("  rankdir=LR;\n")
	aliases := make(map[string]string, len(registry.order))
	for index, resourceType := range registry.order {
		alias := fmt.Sprintf("n%d", index)
		aliases[resourceType] = alias
		builder.WriteString(fmt.Sprintf("  %s [label=\"%d. %s\"];\n", alias, index+1, escapeDOT(resourceType)))
	}
	for _, edge := range registry.edges {
		builder.WriteString(fmt.Sprintf("  %s -> %s;\n", aliases[edge.From], aliases[edge.To]))
	}
	builder.WriteString("}\n")
	return builder.String()
}

func escapeDOT(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}
