// Package graph builds the module dependency graph.
package graph

import (
	"fmt"
	"slices"

	"tools/chunkpack/cache"
	"tools/chunkpack/loader"
)

// ModuleID is the canonical absolute path of a module.
type ModuleID string

// Import is one edge out of a module. Exactly one of Target and External is
// set.
type Import struct {
	Specifier string
	Target    ModuleID
	External  string
}

// Node is a loaded module.
type Node struct {
	ID ModuleID
	// Name is the root-relative display id used inside bundles.
	Name    string
	Kind    loader.Kind
	Source  []byte
	Code    []byte
	Map     []byte
	Imports []Import
	// Deps are files inlined into Code.
	Deps []cache.Dependency
	// Index is the discovery position.
	Index int
}

// Entry is a named traversal root.
type Entry struct {
	Name string
	// Path is set for a file entry.
	Path string
	// Packages is set for an aggregate entry.
	Packages []string
	// Roots are the resolved modules, in declared order.
	Roots []ModuleID
}

// Aggregate reports whether the entry is a package list that is loaded but
// not executed.
func (e *Entry) Aggregate() bool { return len(e.Packages) > 0 }

// Graph is the set of loaded modules and their entries.
type Graph struct {
	Nodes   map[ModuleID]*Node
	Entries []*Entry
	// Order lists module ids in discovery order.
	Order []ModuleID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: map[ModuleID]*Node{}}
}

// Add inserts n and assigns its discovery index.
func (g *Graph) Add(n *Node) {
	n.Index = len(g.Order)
	g.Nodes[n.ID] = n
	g.Order = append(g.Order, n.ID)
}

// Node returns the node for id, or nil.
func (g *Graph) Node(id ModuleID) *Node {
	return g.Nodes[id]
}

// Entry returns the entry with the given name, or nil.
func (g *Graph) Entry(name string) *Entry {
	for _, e := range g.Entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Validate checks that every import target and entry root is a node.
func (g *Graph) Validate() error {
	for _, e := range g.Entries {
		for _, root := range e.Roots {
			if g.Nodes[root] == nil {
				return &GraphError{Path: string(root), Err: fmt.Errorf("entry %q root is not in the graph", e.Name)}
			}
		}
	}
	for _, id := range g.Order {
		for _, imp := range g.Nodes[id].Imports {
			if imp.External != "" {
				continue
			}
			if g.Nodes[imp.Target] == nil {
				return &GraphError{Path: string(id), Err: fmt.Errorf("import %q points to missing module %s", imp.Specifier, imp.Target)}
			}
		}
	}
	return nil
}

// Reachable returns the set of modules reachable from roots.
func (g *Graph) Reachable(roots []ModuleID) map[ModuleID]bool {
	seen := map[ModuleID]bool{}
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		seen[id] = true
		for _, imp := range n.Imports {
			if imp.Target != "" && !seen[imp.Target] {
				stack = append(stack, imp.Target)
			}
		}
	}
	return seen
}

// PostOrder returns the modules reachable from roots for which keep returns
// true, dependencies first. Imports are visited in declared order and a
// cycle is cut at the edge that closes it. Modules not kept are still
// traversed.
func (g *Graph) PostOrder(roots []ModuleID, keep func(ModuleID) bool) []ModuleID {
	var out []ModuleID
	visited := map[ModuleID]bool{}
	var visit func(id ModuleID)
	visit = func(id ModuleID) {
		if visited[id] {
			return
		}
		n := g.Nodes[id]
		if n == nil {
			return
		}
		visited[id] = true
		for _, imp := range n.Imports {
			if imp.Target != "" {
				visit(imp.Target)
			}
		}
		if keep == nil || keep(id) {
			out = append(out, id)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	return out
}

// GraphError reports a failure to build or validate the graph.
type GraphError struct {
	Path string
	Err  error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("module graph: %s: %v", e.Path, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }
