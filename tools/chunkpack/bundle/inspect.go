package bundle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"tools/chunkpack/cache"
	"tools/chunkpack/chunk"
	"tools/chunkpack/config"
	"tools/chunkpack/graph"
)

// GraphArgs holds the arguments for the graph subcommand.
type GraphArgs struct {
	Config string
	// Chunks also prints the chunk each module is assigned to.
	Chunks bool
}

// RunGraph loads the module graph for a configuration and prints it to
// stdout. Nothing is written to the output directory.
func RunGraph(ctx context.Context, args GraphArgs) error {
	path, err := config.Find(args.Config)
	if err != nil {
		return stageError(StageConfig, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return stageError(StageConfig, err)
	}
	bc, err := NewContext(cfg, slog.Default())
	if err != nil {
		return stageError(StageConfig, err)
	}
	g, err := bc.LoadGraph(ctx, cache.Nop{})
	if err != nil {
		return err
	}
	var plan *chunk.Plan
	if args.Chunks {
		if plan, err = chunk.Split(g, bc.Policy); err != nil {
			return stageError(StageSplit, err)
		}
	}
	return PrintGraph(os.Stdout, g, plan)
}

// PrintGraph writes entries and modules in discovery order. plan may be nil.
func PrintGraph(w io.Writer, g *graph.Graph, plan *chunk.Plan) error {
	bw := bufio.NewWriter(w)
	for _, e := range g.Entries {
		fmt.Fprintf(bw, "entry %s\n", e.Name)
		for _, root := range e.Roots {
			fmt.Fprintf(bw, "  %s\n", g.Nodes[root].Name)
		}
	}
	for _, id := range g.Order {
		n := g.Nodes[id]
		fmt.Fprintf(bw, "module %s (%s)", n.Name, n.Kind)
		if plan != nil {
			if owner := plan.Owner[id]; owner != "" {
				fmt.Fprintf(bw, " in %s", owner)
			}
		}
		fmt.Fprintln(bw)
		for _, imp := range n.Imports {
			if imp.External != "" {
				fmt.Fprintf(bw, "  %s -> external %s\n", imp.Specifier, imp.External)
				continue
			}
			fmt.Fprintf(bw, "  %s -> %s\n", imp.Specifier, g.Nodes[imp.Target].Name)
		}
		for _, dep := range n.Deps {
			rel, err := filepath.Rel(filepath.Dir(string(id)), dep.Path)
			if err != nil {
				rel = dep.Path
			}
			fmt.Fprintf(bw, "  inlined %s\n", filepath.ToSlash(rel))
		}
	}
	// bufio keeps the first write error and returns it here.
	return bw.Flush()
}
