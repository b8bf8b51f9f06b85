package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"tools/chunkpack/loader"
	"tools/chunkpack/resolve"
)

// Resolver maps specifiers to files.
type Resolver interface {
	Resolve(spec, fromDir string) (resolve.Result, error)
	ResolveFile(path string) (string, error)
	Root() string
	Rel(abs string) string
}

// Loader transforms one module.
type Loader interface {
	Load(ctx context.Context, path string, src []byte) (*loader.Result, error)
}

// Builder discovers the graph breadth first, loading each level of the
// traversal in parallel.
type Builder struct {
	Resolver Resolver
	Loader   Loader
	// Concurrency bounds the number of modules loaded at once. Zero means
	// GOMAXPROCS.
	Concurrency int
	Logger      *slog.Logger
}

// Build loads every module reachable from entries and validates the graph.
// Discovery order depends only on the inputs, never on scheduling.
func (b *Builder) Build(ctx context.Context, entries []Entry) (*Graph, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	g := New()

	visited := map[ModuleID]bool{}
	var frontier []ModuleID
	for _, e := range entries {
		entry := e
		roots, err := b.resolveEntry(&entry)
		if err != nil {
			return nil, err
		}
		entry.Roots = roots
		g.Entries = append(g.Entries, &entry)
		for _, id := range roots {
			if !visited[id] {
				visited[id] = true
				frontier = append(frontier, id)
			}
		}
	}

	limit := b.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	for depth := 0; len(frontier) > 0; depth++ {
		nodes, err := b.loadLevel(ctx, frontier, limit)
		if err != nil {
			return nil, err
		}
		logger.Debug("loaded graph level", "depth", depth, "modules", len(nodes))

		var next []ModuleID
		for _, n := range nodes {
			g.Add(n)
			for _, imp := range n.Imports {
				if imp.Target == "" || visited[imp.Target] {
					continue
				}
				visited[imp.Target] = true
				next = append(next, imp.Target)
			}
		}
		frontier = next
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	logger.Info("module graph built", "modules", len(g.Order), "entries", len(g.Entries), "duration", time.Since(start))
	return g, nil
}

func (b *Builder) resolveEntry(e *Entry) ([]ModuleID, error) {
	if !e.Aggregate() {
		path, err := b.Resolver.ResolveFile(e.Path)
		if err != nil {
			return nil, &GraphError{Path: e.Path, Err: fmt.Errorf("entry %q: %w", e.Name, err)}
		}
		return []ModuleID{ModuleID(path)}, nil
	}
	var roots []ModuleID
	for _, pkg := range e.Packages {
		res, err := b.Resolver.Resolve(pkg, b.Resolver.Root())
		if err != nil {
			return nil, &GraphError{Path: pkg, Err: fmt.Errorf("entry %q: %w", e.Name, err)}
		}
		if res.External != "" {
			continue
		}
		roots = append(roots, ModuleID(res.Path))
	}
	return roots, nil
}

// loadLevel loads one frontier on a bounded worker pool. Results are stored
// by position so the caller sees them in frontier order.
func (b *Builder) loadLevel(parent context.Context, frontier []ModuleID, limit int) ([]*Node, error) {
	nodes := make([]*Node, len(frontier))
	errs := make([]error, len(frontier))

	eg, ctx := errgroup.WithContext(parent)
	eg.SetLimit(limit)
	for i, id := range frontier {
		eg.Go(func() error {
			n, err := b.load(ctx, id)
			if err != nil {
				errs[i] = err
				return err
			}
			nodes[i] = n
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		// Report the first failure in frontier order, not completion order.
		// Loads cut short by another module's failure are not failures.
		for _, e := range errs {
			if e != nil && !errors.Is(e, context.Canceled) {
				return nil, e
			}
		}
		return nil, err
	}
	return nodes, nil
}

func (b *Builder) load(ctx context.Context, id ModuleID) (*Node, error) {
	path := string(id)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &GraphError{Path: path, Err: fmt.Errorf("failed to read module: %w", err)}
	}
	res, err := b.Loader.Load(ctx, path, src)
	if err != nil {
		return nil, &GraphError{Path: path, Err: err}
	}
	n := &Node{
		ID:     id,
		Name:   b.Resolver.Rel(path),
		Kind:   res.Kind,
		Source: src,
		Code:   res.Code,
		Map:    res.Map,
		Deps:   res.Deps,
	}
	if res.Kind != loader.KindScript {
		return n, nil
	}
	dir := filepath.Dir(path)
	specs, err := ScanRequires(path, res.Code)
	if err != nil {
		return nil, &GraphError{Path: path, Err: err}
	}
	for _, spec := range specs {
		r, err := b.Resolver.Resolve(spec, dir)
		if err != nil {
			return nil, &GraphError{Path: path, Err: err}
		}
		n.Imports = append(n.Imports, Import{Specifier: spec, Target: ModuleID(r.Path), External: r.External})
	}
	return n, nil
}
