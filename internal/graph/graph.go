package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"tsstage/internal/apperr"
	"tsstage/internal/project"
)

// Node represents a descriptor in the reference graph.
type Node struct {
	Descriptor *project.Descriptor
}

// Edge represents a ProjectReference from one descriptor to another.
type Edge struct {
	From string // referencing descriptor key
	To   string // referenced descriptor key
}

// Graph holds the transitive closure of a root descriptor's references.
type Graph struct {
	Root  string
	Nodes map[string]*Node
	Edges []Edge

	// Walk order, root first.
	order []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: []Edge{},
	}
}

// Walk yields root followed by every descriptor reachable through
// ProjectReference items, depth-first and pre-order. Each descriptor is
// yielded once even when the references form a cycle or a diamond. A load
// failure is yielded as the final element.
func Walk(ctx context.Context, loader project.Loader, root *project.Descriptor) iter.Seq2[*project.Descriptor, error] {
	return func(yield func(*project.Descriptor, error) bool) {
		visited := map[string]struct{}{project.Key(root.Path): {}}

		var visit func(d *project.Descriptor) bool
		visit = func(d *project.Descriptor) bool {
			if !yield(d, nil) {
				return false
			}
			for _, ref := range d.References() {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return false
				}
				key := project.Key(project.Resolve(d, ref))
				if _, seen := visited[key]; seen {
					continue
				}
				visited[key] = struct{}{}

				child, err := loader.Open(key)
				if err != nil {
					yield(nil, fmt.Errorf("load reference %q of %s: %w", ref.Include, d.Path, err))
					return false
				}
				if !visit(child) {
					return false
				}
			}
			return true
		}
		visit(root)
	}
}

// Build drains Walk into a Graph, recording one edge per reference item.
// A reference with an empty path is returned as a contract error.
func Build(ctx context.Context, loader project.Loader, root *project.Descriptor) (g *Graph, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var ae *apperr.Error
			perr, ok := rec.(error)
			if !ok || !errors.As(perr, &ae) || ae.Kind != apperr.KindContract {
				panic(rec)
			}
			g, err = nil, perr
		}
	}()

	g = NewGraph()
	g.Root = project.Key(root.Path)
	for d, err := range Walk(ctx, loader, root) {
		if err != nil {
			return nil, err
		}
		g.AddDescriptor(d)
	}
	return g, nil
}

// AddDescriptor adds d as a node together with its outgoing reference edges.
func (g *Graph) AddDescriptor(d *project.Descriptor) {
	if d == nil {
		return
	}
	key := project.Key(d.Path)
	if _, ok := g.Nodes[key]; ok {
		return
	}
	g.Nodes[key] = &Node{Descriptor: d}
	g.order = append(g.order, key)
	for _, ref := range d.References() {
		g.Edges = append(g.Edges, Edge{From: key, To: project.Key(project.Resolve(d, ref))})
	}
}

// Ordered returns the descriptors in walk order.
func (g *Graph) Ordered() []*project.Descriptor {
	out := make([]*project.Descriptor, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.Nodes[key].Descriptor)
	}
	return out
}

// GetDependencies returns the descriptors the given one references directly.
func (g *Graph) GetDependencies(id string) []*Node {
	var deps []*Node
	for _, edge := range g.Edges {
		if edge.From == id {
			if node, ok := g.Nodes[edge.To]; ok {
				deps = append(deps, node)
			}
		}
	}
	return deps
}

// GetDependents returns the descriptors that reference the given one.
func (g *Graph) GetDependents(id string) []*Node {
	var deps []*Node
	for _, edge := range g.Edges {
		if edge.To == id {
			if node, ok := g.Nodes[edge.From]; ok {
				deps = append(deps, node)
			}
		}
	}
	return deps
}

// WriteTree prints the reference tree rooted at g.Root. A descriptor already
// printed higher up is marked with "(*)" and not expanded again.
func (g *Graph) WriteTree(w io.Writer) error {
	printed := make(map[string]bool)
	var write func(id string, depth int) error
	write = func(id string, depth int) error {
		node, ok := g.Nodes[id]
		if !ok {
			return nil
		}
		indent := strings.Repeat("  ", depth)
		if printed[id] {
			_, err := fmt.Fprintf(w, "%s%s (*)\n", indent, node.Descriptor.Name())
			return err
		}
		printed[id] = true
		sources := len(project.SourceItems(node.Descriptor))
		if _, err := fmt.Fprintf(w, "%s%s [%d sources] %s\n", indent, node.Descriptor.Name(), sources, node.Descriptor.Path); err != nil {
			return err
		}
		for _, dep := range g.GetDependencies(id) {
			if err := write(project.Key(dep.Descriptor.Path), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return write(g.Root, 0)
}

// WriteDependents prints every descriptor in walk order followed by the
// descriptors that reference it.
func (g *Graph) WriteDependents(w io.Writer) error {
	for _, d := range g.Ordered() {
		var names []string
		for _, dep := range g.GetDependents(project.Key(d.Path)) {
			names = append(names, dep.Descriptor.Name())
		}
		used := "(none)"
		if len(names) > 0 {
			used = strings.Join(names, ", ")
		}
		if _, err := fmt.Fprintf(w, "%s <- %s\n", d.Name(), used); err != nil {
			return err
		}
	}
	return nil
}
