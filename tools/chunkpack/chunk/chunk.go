// Package chunk partitions a module graph into output chunks.
package chunk

import (
	"fmt"

	"tools/chunkpack/graph"
	"tools/chunkpack/loader"
)

// Kind is the output type of a chunk.
type Kind int

const (
	Script Kind = iota
	Style
)

func (k Kind) String() string {
	if k == Style {
		return "style"
	}
	return "script"
}

// Chunk is one output file before rendering.
type Chunk struct {
	Name string
	Kind Kind
	// Modules are the chunk's members, dependencies first.
	Modules []graph.ModuleID
	// Exec lists the modules run once the chunk and its requirements are
	// installed.
	Exec []graph.ModuleID
	// Requires names the chunks that must be installed before Exec runs.
	Requires []string
	// Entry is the entry the chunk was cut for, if any.
	Entry string
	// Runtime marks the synthetic runtime chunk. It holds no modules.
	Runtime bool
}

// Policy controls how the graph is split.
type Policy struct {
	// Split lets aggregate entries claim their modules and enables the
	// common chunk.
	Split bool
	// ExtractStyle puts stylesheets in per-entry style chunks instead of
	// script chunks.
	ExtractStyle bool
	// Common names the chunk for modules shared by two or more executable
	// entries. Empty disables it.
	Common string
	// Runtime names the runtime chunk.
	Runtime string
}

// DefaultRuntime is the runtime chunk name used when Policy.Runtime is empty.
const DefaultRuntime = "manifest"

// Plan is the result of Split.
type Plan struct {
	// Chunks in emission order: aggregate, common, entry, style, runtime.
	Chunks []*Chunk
	// Assets are static-copy modules, in discovery order.
	Assets []graph.ModuleID
	// Owner maps each script module to its chunk name.
	Owner map[graph.ModuleID]string
}

// Chunk returns the chunk with the given name and kind, or nil.
func (p *Plan) Chunk(name string, kind Kind) *Chunk {
	for _, c := range p.Chunks {
		if c.Name == name && c.Kind == kind {
			return c
		}
	}
	return nil
}

// RuntimeChunk returns the runtime chunk.
func (p *Plan) RuntimeChunk() *Chunk {
	for _, c := range p.Chunks {
		if c.Runtime {
			return c
		}
	}
	return nil
}

// Split partitions g according to policy.
func Split(g *graph.Graph, policy Policy) (*Plan, error) {
	if policy.Runtime == "" {
		policy.Runtime = DefaultRuntime
	}
	if err := checkNames(g, policy); err != nil {
		return nil, err
	}
	s := &splitter{g: g, policy: policy, owner: map[graph.ModuleID]string{}}

	var executable, aggregate []*graph.Entry
	for _, e := range g.Entries {
		if e.Aggregate() {
			aggregate = append(aggregate, e)
		} else {
			executable = append(executable, e)
		}
	}

	if policy.Split {
		for _, e := range aggregate {
			s.claim(e.Roots, e.Name)
		}
		if policy.Common != "" {
			s.claimShared(executable, policy.Common)
		}
	}
	for _, e := range executable {
		s.claim(e.Roots, e.Name)
	}
	if !policy.Split {
		for _, e := range aggregate {
			s.claim(e.Roots, e.Name)
		}
	}

	plan := &Plan{Owner: s.owner}
	for _, e := range aggregate {
		plan.Chunks = append(plan.Chunks, &Chunk{Name: e.Name, Kind: Script, Entry: e.Name, Modules: s.members(e.Roots, e.Name)})
	}
	if policy.Split && policy.Common != "" {
		var roots []graph.ModuleID
		for _, e := range executable {
			roots = append(roots, e.Roots...)
		}
		if members := s.members(roots, policy.Common); len(members) > 0 {
			plan.Chunks = append(plan.Chunks, &Chunk{Name: policy.Common, Kind: Script, Modules: members})
		}
	}
	for _, e := range executable {
		plan.Chunks = append(plan.Chunks, &Chunk{
			Name:     e.Name,
			Kind:     Script,
			Entry:    e.Name,
			Modules:  s.members(e.Roots, e.Name),
			Exec:     s.executable(e.Roots),
			Requires: s.requires(e, plan.Chunks),
		})
	}
	if policy.ExtractStyle {
		for _, e := range g.Entries {
			styles := g.PostOrder(e.Roots, func(id graph.ModuleID) bool {
				return g.Nodes[id].Kind == loader.KindStylesheet
			})
			if len(styles) > 0 {
				plan.Chunks = append(plan.Chunks, &Chunk{Name: e.Name, Kind: Style, Entry: e.Name, Modules: styles})
			}
		}
	}
	plan.Chunks = append(plan.Chunks, &Chunk{Name: policy.Runtime, Kind: Script, Runtime: true})

	for _, id := range g.Order {
		if g.Nodes[id].Kind == loader.KindStatic {
			plan.Assets = append(plan.Assets, id)
		}
	}
	if err := s.checkPartition(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

type splitter struct {
	g      *graph.Graph
	policy Policy
	owner  map[graph.ModuleID]string
}

// scripted reports whether a module is bundled into a script chunk.
func (s *splitter) scripted(id graph.ModuleID) bool {
	switch s.g.Nodes[id].Kind {
	case loader.KindScript, loader.KindJSON:
		return true
	case loader.KindStylesheet:
		return !s.policy.ExtractStyle
	}
	return false
}

// claim assigns every unowned script module reachable from roots to name.
func (s *splitter) claim(roots []graph.ModuleID, name string) {
	for _, id := range s.g.PostOrder(roots, nil) {
		if s.scripted(id) && s.owner[id] == "" {
			s.owner[id] = name
		}
	}
}

// claimShared assigns unowned script modules reachable from two or more
// entries to name.
func (s *splitter) claimShared(entries []*graph.Entry, name string) {
	counts := map[graph.ModuleID]int{}
	for _, e := range entries {
		for id := range s.g.Reachable(e.Roots) {
			counts[id]++
		}
	}
	for id, n := range counts {
		if n >= 2 && s.scripted(id) && s.owner[id] == "" {
			s.owner[id] = name
		}
	}
}

// executable filters roots to those bundled into script chunks. A
// stylesheet entry has nothing to run.
func (s *splitter) executable(roots []graph.ModuleID) []graph.ModuleID {
	var out []graph.ModuleID
	for _, id := range roots {
		if s.scripted(id) {
			out = append(out, id)
		}
	}
	return out
}

func (s *splitter) members(roots []graph.ModuleID, name string) []graph.ModuleID {
	return s.g.PostOrder(roots, func(id graph.ModuleID) bool { return s.owner[id] == name })
}

// requires lists, in plan order, the chunks holding modules that entry e
// reaches but does not own.
func (s *splitter) requires(e *graph.Entry, chunks []*Chunk) []string {
	needed := map[string]bool{}
	for id := range s.g.Reachable(e.Roots) {
		if owner := s.owner[id]; owner != "" && owner != e.Name {
			needed[owner] = true
		}
	}
	var out []string
	for _, c := range chunks {
		if needed[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

// checkPartition verifies each script module is in exactly one chunk.
func (s *splitter) checkPartition(plan *Plan) error {
	seen := map[graph.ModuleID]string{}
	for _, c := range plan.Chunks {
		if c.Kind != Script {
			continue
		}
		for _, id := range c.Modules {
			if prev, ok := seen[id]; ok {
				return fmt.Errorf("module %s is in chunks %q and %q", id, prev, c.Name)
			}
			seen[id] = c.Name
		}
	}
	for id := range s.owner {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("module %s is owned by %q but not emitted", id, s.owner[id])
		}
	}
	return nil
}

func checkNames(g *graph.Graph, policy Policy) error {
	names := map[string]bool{}
	for _, e := range g.Entries {
		names[e.Name] = true
	}
	if names[policy.Runtime] {
		return fmt.Errorf("entry %q clashes with the runtime chunk name", policy.Runtime)
	}
	if policy.Common != "" && (names[policy.Common] || policy.Common == policy.Runtime) {
		return fmt.Errorf("common chunk name %q clashes with another chunk", policy.Common)
	}
	return nil
}
