package readiness

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// IntrospectFunc fetches whatever state a feature guards. It is called on the
// proxy's loop and must not block; it reports completion through done, which
// may be called from any goroutine. Calls after the first are ignored.
type IntrospectFunc func(ctx context.Context, done func(error))

// Spec declares a feature.
type Spec struct {
	// Name is the feature token.
	Name Feature

	// DependsOn lists the features that must be ready first.
	DependsOn []Feature

	// Interfaces lists the remote interfaces the feature requires. If any is
	// missing the feature is inapplicable.
	Interfaces []string

	// Introspect runs the feature's introspection. Nil means the feature is
	// ready as soon as its prerequisites are.
	Introspect IntrospectFunc
}

// Graph is an immutable, acyclic feature graph. It is checked at construction.
type Graph struct {
	core  Feature
	specs map[Feature]*Spec

	// dependents maps a feature to the features that depend on it.
	dependents map[Feature][]Feature

	// order lists features so that every prerequisite precedes its dependents.
	order []Feature

	// levels groups features by depth; features of one level are independent.
	levels [][]Feature
}

// NewGraph validates specs and builds a graph. core names the feature that
// every readiness request implicitly includes.
func NewGraph(core Feature, specs ...Spec) (*Graph, error) {
	g := &Graph{
		core:       core,
		specs:      make(map[Feature]*Spec, len(specs)),
		dependents: make(map[Feature][]Feature, len(specs)),
	}

	if err := g.initialize(specs); err != nil {
		return nil, err
	}
	if _, ok := g.specs[core]; !ok {
		return nil, NewGraphError(fmt.Sprintf("core feature %s is not declared", core)).WithFeature(core)
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

// initialize indexes specs and validates their dependencies.
func (g *Graph) initialize(specs []Spec) error {
	for i := range specs {
		spec := specs[i]
		if spec.Name == "" {
			return NewGraphError("feature has empty name")
		}
		if _, exists := g.specs[spec.Name]; exists {
			return NewGraphError(fmt.Sprintf("duplicate feature: %s", spec.Name)).WithFeature(spec.Name)
		}
		spec.DependsOn = append([]Feature(nil), spec.DependsOn...)
		spec.Interfaces = append([]string(nil), spec.Interfaces...)
		g.specs[spec.Name] = &spec
	}

	for _, spec := range g.specs {
		for _, dep := range spec.DependsOn {
			if _, exists := g.specs[dep]; !exists {
				return NewGraphError(
					fmt.Sprintf("feature %s depends on undeclared feature %s", spec.Name, dep),
				).WithFeature(spec.Name)
			}
			g.dependents[dep] = append(g.dependents[dep], spec.Name)
		}
	}
	for f := range g.dependents {
		sortFeatures(g.dependents[f])
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *Graph) detectCycles() error {
	visited := make(map[Feature]bool)
	onStack := make(map[Feature]bool)

	for _, f := range g.sortedNames() {
		if visited[f] {
			continue
		}
		if cycle := g.visit(f, visited, onStack, nil); cycle != nil {
			return NewGraphError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle))).
				WithCode(ErrCodeCycle)
		}
	}
	return nil
}

func (g *Graph) visit(f Feature, visited, onStack map[Feature]bool, path []Feature) []Feature {
	visited[f] = true
	onStack[f] = true
	path = append(path, f)

	for _, dependent := range g.dependents[f] {
		if !visited[dependent] {
			if cycle := g.visit(dependent, visited, onStack, path); cycle != nil {
				return cycle
			}
		} else if onStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(append([]Feature(nil), path[i:]...), dependent)
				}
			}
		}
	}

	onStack[f] = false
	return nil
}

// computeLevels runs Kahn's algorithm, grouping features by depth.
func (g *Graph) computeLevels() error {
	inDegree := make(map[Feature]int, len(g.specs))
	for name, spec := range g.specs {
		inDegree[name] = len(spec.DependsOn)
	}

	current := make([]Feature, 0)
	for _, name := range g.sortedNames() {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	processed := 0
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		g.order = append(g.order, current...)
		processed += len(current)

		next := make([]Feature, 0)
		for _, f := range current {
			for _, dependent := range g.dependents[f] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortFeatures(next)
		current = next
	}

	if processed != len(g.specs) {
		return NewGraphError("failed to order all features").WithCode(ErrCodeCycle)
	}
	return nil
}

func (g *Graph) sortedNames() []Feature {
	names := make([]Feature, 0, len(g.specs))
	for name := range g.specs {
		names = append(names, name)
	}
	sortFeatures(names)
	return names
}

// Core returns the feature every request includes.
func (g *Graph) Core() Feature {
	return g.core
}

// Spec returns the declaration of f.
func (g *Graph) Spec(f Feature) (Spec, bool) {
	spec, ok := g.specs[f]
	if !ok {
		return Spec{}, false
	}
	return *spec, true
}

// Has reports whether f is declared.
func (g *Graph) Has(f Feature) bool {
	_, ok := g.specs[f]
	return ok
}

// Features returns every feature, prerequisites first.
func (g *Graph) Features() []Feature {
	return append([]Feature(nil), g.order...)
}

// Levels returns features grouped by depth. Features of one level do not
// depend on each other.
func (g *Graph) Levels() [][]Feature {
	out := make([][]Feature, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]Feature(nil), level...)
	}
	return out
}

// Closure returns fs and all their transitive prerequisites, prerequisites
// first. It fails on the first undeclared feature.
func (g *Graph) Closure(fs ...Feature) ([]Feature, error) {
	in := make(map[Feature]bool)
	var walk func(f Feature)
	walk = func(f Feature) {
		if in[f] {
			return
		}
		in[f] = true
		for _, dep := range g.specs[f].DependsOn {
			walk(dep)
		}
	}

	for _, f := range fs {
		if !g.Has(f) {
			return nil, NewUnknownFeatureError(f)
		}
		walk(f)
	}

	out := make([]Feature, 0, len(in))
	for _, f := range g.order {
		if in[f] {
			out = append(out, f)
		}
	}
	return out, nil
}

// ToDOT renders the graph in Graphviz DOT format. status, when non-nil,
// colors each node by its readiness status.
func (g *Graph) ToDOT(status func(Feature) Status) string {
	var sb strings.Builder

	sb.WriteString("digraph Features {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, features := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, f := range features {
			spec := g.specs[f]
			label := string(f)
			if len(spec.Interfaces) > 0 {
				label += "\\n" + strings.Join(spec.Interfaces, "\\n")
			}
			color := "white"
			if status != nil {
				color = statusColor(status(f))
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				f, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, f := range g.order {
		for _, dep := range g.specs[f].DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, f))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func statusColor(s Status) string {
	switch s {
	case StatusReady:
		return "lightgreen"
	case StatusInProgress:
		return "lightblue"
	case StatusFailed:
		return "lightcoral"
	case StatusInapplicable:
		return "lightgray"
	default:
		return "white"
	}
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []Feature) string {
	names := make([]string, len(cycle))
	for i, f := range cycle {
		names[i] = string(f)
	}
	return strings.Join(names, " -> ")
}

func sortFeatures(fs []Feature) {
	sort.Slice(fs, func(i, j int) bool { return fs[i] < fs[j] })
}
