package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/thought-machine/go-flags"

	"tools/chunkpack/bundle"
	"tools/chunkpack/transpile"
)

var opts = struct {
	Usage string

	Verbose bool `short:"v" long:"verbose" description:"Log debug output"`

	Build struct {
		Config      string   `short:"c" long:"config" description:"Path to chunkpack.yaml (default: ./chunkpack.yaml)"`
		Out         string   `short:"o" long:"out" description:"Output directory, overriding outputPath"`
		Minify      bool     `long:"minify" description:"Minify scripts and stylesheets"`
		SourceMaps  bool     `long:"source-maps" description:"Write source maps next to each chunk"`
		Concurrency int      `short:"j" long:"concurrency" description:"Number of modules loaded at once"`
		NoCache     bool     `long:"no-cache" description:"Ignore the persistent transform cache"`
		Define      []string `long:"define" description:"Define substitutions (key=value), overriding the config file"`
	} `command:"build" alias:"b" description:"Bundle the configured entries into fingerprinted chunks"`

	Graph struct {
		Config string `short:"c" long:"config" description:"Path to chunkpack.yaml (default: ./chunkpack.yaml)"`
		Chunks bool   `long:"chunks" description:"Show the chunk each module is assigned to"`
	} `command:"graph" alias:"g" description:"Print the module graph without writing output"`

	Transpile struct {
		Config string `short:"c" long:"config" description:"Path to chunkpack.yaml (default: ./chunkpack.yaml)"`
		OutDir string `short:"o" long:"out-dir" required:"true" description:"Output directory for transpiled files"`
		Args   struct {
			Sources []string `positional-arg-name:"sources" description:"Source files to transpile"`
		} `positional-args:"true"`
	} `command:"transpile" alias:"t" description:"Run the loader rules over individual files without bundling"`
}{
	Usage: `
chunkpack bundles a JavaScript application into content-hashed chunks.

It provides three operations:
  - build:     Resolve, transform and split the configured entries, then write
               the chunks, extracted stylesheets, static files and index.html
  - graph:     Print the module graph the build would use
  - transpile: Run the loader rules over individual files without bundling
`,
}

var subCommands = map[string]func(ctx context.Context) error{
	"build": func(ctx context.Context) error {
		return bundle.Run(ctx, bundle.Args{
			Config:      opts.Build.Config,
			Out:         opts.Build.Out,
			Minify:      opts.Build.Minify,
			SourceMaps:  opts.Build.SourceMaps,
			Concurrency: opts.Build.Concurrency,
			NoCache:     opts.Build.NoCache,
			Define:      opts.Build.Define,
		})
	},
	"graph": func(ctx context.Context) error {
		return bundle.RunGraph(ctx, bundle.GraphArgs{
			Config: opts.Graph.Config,
			Chunks: opts.Graph.Chunks,
		})
	},
	"transpile": func(ctx context.Context) error {
		return transpile.Run(ctx, transpile.Args{
			Config: opts.Transpile.Config,
			OutDir: opts.Transpile.OutDir,
			Srcs:   opts.Transpile.Args.Sources,
		})
	},
}

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if p.Active == nil {
		p.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := subCommands[p.Active.Name](ctx); err != nil {
		slog.Error(p.Active.Name+" failed", "error", err)
		stop()
		os.Exit(1)
	}
}
