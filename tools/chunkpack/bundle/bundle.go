// Package bundle runs a complete build: graph, split, emit and write.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"tools/chunkpack/cache"
	"tools/chunkpack/chunk"
	"tools/chunkpack/common"
	"tools/chunkpack/config"
	"tools/chunkpack/emit"
	"tools/chunkpack/graph"
	"tools/chunkpack/html"
	"tools/chunkpack/loader"
	"tools/chunkpack/output"
	"tools/chunkpack/resolve"
)

// Build stages, as reported by BuildError.
const (
	StageConfig = "config"
	StageGraph  = "graph"
	StageSplit  = "split"
	StageEmit   = "emit"
	StageHTML   = "html"
	StageClean  = "clean"
	StageCopy   = "copy"
	StageWrite  = "write"
)

// cacheMaxAge is how long an entry stays in the persistent cache.
const cacheMaxAge = 30 * 24 * time.Hour

// Args holds the arguments for the build subcommand.
type Args struct {
	Config      string
	Out         string
	Minify      bool
	SourceMaps  bool
	Concurrency int
	NoCache     bool
	Define      []string
}

// Stats summarises a build.
type Stats struct {
	Modules     int
	Chunks      int
	Artifacts   int
	StaticFiles int
	CacheHits   int64
	CacheMisses int64
	Duration    time.Duration
}

// Result is a successful build.
type Result struct {
	Manifest *emit.Manifest
	Stats    Stats
}

// BuildError reports the stage a build failed in and, where known, the
// file responsible.
type BuildError struct {
	Stage string
	Path  string
	Err   error
}

func (e *BuildError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("build failed in %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("build failed in %s (%s): %v", e.Stage, e.Path, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &BuildError{Stage: stage, Path: errorPath(err), Err: err}
}

// errorPath finds the file a component error names.
func errorPath(err error) string {
	var (
		transformErr  *loader.TransformError
		unresolvedErr *resolve.UnresolvedImportError
		graphErr      *graph.GraphError
		emitErr       *emit.EmitError
		templateErr   *html.TemplateError
		configErr     *config.Error
	)
	switch {
	case errors.As(err, &transformErr):
		return transformErr.Path
	case errors.As(err, &graphErr):
		return graphErr.Path
	case errors.As(err, &unresolvedErr) && unresolvedErr.Importer != "":
		return unresolvedErr.Importer
	case errors.As(err, &emitErr):
		return emitErr.Path
	case errors.As(err, &templateErr):
		return templateErr.Path
	case errors.As(err, &configErr):
		return configErr.Path
	}
	return ""
}

// Run loads the configuration named by args and builds it.
func Run(ctx context.Context, args Args) error {
	path, err := config.Find(args.Config)
	if err != nil {
		return stageError(StageConfig, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return stageError(StageConfig, err)
	}
	cfg.Apply(config.Overrides{
		OutputPath:  args.Out,
		Minify:      args.Minify,
		SourceMaps:  args.SourceMaps,
		Concurrency: args.Concurrency,
		NoCache:     args.NoCache,
		Define:      common.ParseDefines(args.Define),
	})
	res, err := Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	slog.Info("build complete",
		"output", cfg.OutputPath,
		"modules", res.Stats.Modules,
		"chunks", res.Stats.Chunks,
		"files", res.Stats.Artifacts+res.Stats.StaticFiles,
		"cache_hits", res.Stats.CacheHits,
		"cache_misses", res.Stats.CacheMisses,
		"duration", res.Stats.Duration)
	return nil
}

// Build runs every stage for cfg. Artifacts are rendered in memory first, so
// a failure before the write stage leaves the output directory untouched. A
// failure while writing removes the output directory.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Result, error) {
	start := time.Now()
	bc, err := NewContext(cfg, logger)
	if err != nil {
		return nil, stageError(StageConfig, err)
	}
	logger = bc.Logger

	store, closeCache, err := openCache(cfg, logger)
	if err != nil {
		return nil, stageError(StageConfig, err)
	}
	defer closeCache()

	g, err := bc.LoadGraph(ctx, store)
	if err != nil {
		return nil, err
	}

	plan, err := chunk.Split(g, bc.Policy)
	if err != nil {
		return nil, stageError(StageSplit, err)
	}
	logger.Debug("split chunks", "chunks", len(plan.Chunks), "assets", len(plan.Assets))

	out, err := emit.New(emit.Options{
		FilenamePattern:      cfg.FilenamePattern,
		ChunkFilenamePattern: cfg.ChunkFilenamePattern,
		CSSFilenamePattern:   cfg.CSSFilenamePattern,
		AssetFilenamePattern: cfg.AssetFilenamePattern,
		PublicPath:           cfg.PublicPath,
		SourceMaps:           cfg.SourceMaps,
		Minify:               bc.Minify,
		ManifestFile:         cfg.ManifestFile,
		Common:               bc.Policy.Common,
		Logger:               logger,
	}).Emit(g, plan)
	if err != nil {
		return nil, stageError(StageEmit, err)
	}

	if bc.HTML != nil {
		doc, err := renderHTML(bc.HTML, out)
		if err != nil {
			return nil, stageError(StageHTML, err)
		}
		out.Artifacts = append(out.Artifacts, emit.Artifact{Kind: emit.ArtifactHTML, Path: "index.html", Data: doc})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	static, err := bc.write(out)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Manifest: out.Manifest,
		Stats: Stats{
			Modules:     len(g.Order),
			Chunks:      len(plan.Chunks),
			Artifacts:   len(out.Artifacts),
			StaticFiles: static,
			Duration:    time.Since(start),
		},
	}
	if s, ok := store.(interface{ Stats() cache.Stats }); ok {
		stats := s.Stats()
		res.Stats.CacheHits, res.Stats.CacheMisses = stats.Hits, stats.Misses
	}
	return res, nil
}

// LoadGraph resolves and loads every module reachable from the configured
// entries.
func (c *Context) LoadGraph(ctx context.Context, store cache.Cache) (*graph.Graph, error) {
	cfg := c.Config
	r, err := resolve.New(resolve.Options{
		Root:       cfg.Context,
		Extensions: cfg.Extensions,
		Modules:    cfg.Modules,
		Alias:      cfg.Alias,
		Externals:  cfg.Externals,
	})
	if err != nil {
		return nil, stageError(StageConfig, err)
	}
	p, err := c.Pipeline(r, store)
	if err != nil {
		return nil, stageError(StageConfig, err)
	}

	entries := make([]graph.Entry, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		entries = append(entries, graph.Entry{Name: e.Name, Path: e.Path, Packages: e.Packages})
	}
	b := &graph.Builder{Resolver: r, Loader: p, Concurrency: cfg.Concurrency, Logger: c.Logger}
	g, err := b.Build(ctx, entries)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, stageError(StageGraph, err)
	}
	return g, nil
}

// Pipeline builds the loader pipeline for the context's settings.
func (c *Context) Pipeline(r *resolve.Resolver, store cache.Cache) (*loader.Pipeline, error) {
	cfg := c.Config
	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	targets, err := common.ParseTargets(cfg.TargetEnvironments)
	if err != nil {
		return nil, err
	}
	return loader.New(loader.Options{
		Rules:      rules,
		CSSChain:   cfg.CSSTransformChain,
		Targets:    targets,
		Define:     c.Define,
		Minify:     c.Minify,
		SourceMaps: cfg.SourceMaps,
		Resolver:   r,
		Cache:      store,
		Logger:     c.Logger,
	})
}

// write replaces the output directory contents. It returns the number of
// static files copied.
func (c *Context) write(out *emit.Output) (int, error) {
	cfg := c.Config
	if c.Clean {
		if err := output.Clean(cfg.OutputPath, cfg.Context); err != nil {
			return 0, &BuildError{Stage: StageClean, Path: cfg.OutputPath, Err: err}
		}
	} else if err := os.MkdirAll(cfg.OutputPath, 0755); err != nil {
		return 0, &BuildError{Stage: StageWrite, Path: cfg.OutputPath, Err: err}
	}

	var copied []string
	if c.StaticDir != "" {
		var err error
		copied, err = output.CopyStatic(c.StaticDir, cfg.OutputPath, c.StaticIgnore)
		if err != nil {
			c.discard()
			return 0, &BuildError{Stage: StageCopy, Path: c.StaticDir, Err: err}
		}
		c.Logger.Debug("copied static files", "count", len(copied))
	}

	if err := emit.Write(cfg.OutputPath, out.Artifacts); err != nil {
		c.discard()
		return 0, stageError(StageWrite, err)
	}
	return len(copied), nil
}

// discard removes a partially written output directory.
func (c *Context) discard() {
	if err := output.Remove(c.Config.OutputPath, c.Config.Context); err != nil {
		c.Logger.Warn("failed to remove partial output", "dir", c.Config.OutputPath, "error", err)
	}
}

func renderHTML(opts *html.Options, out *emit.Output) ([]byte, error) {
	template, err := html.ReadTemplate(opts.Path)
	if err != nil {
		return nil, err
	}
	return html.Inject(template, html.Assets{Scripts: out.Scripts, Styles: out.Styles}, *opts)
}

// openCache returns the transform cache: an in-memory LRU, backed by the
// persistent store when cacheDirectory is set. A persistent cache that
// cannot be opened is skipped with a warning.
func openCache(cfg *config.Config, logger *slog.Logger) (cache.Cache, func(), error) {
	var next cache.Cache
	closeFn := func() {}
	if cfg.CacheDirectory != "" {
		disk, err := cache.OpenDisk(cfg.CacheDirectory, logger)
		if err != nil {
			logger.Warn("persistent transform cache disabled", "dir", cfg.CacheDirectory, "error", err)
		} else {
			if n, err := disk.Prune(cacheMaxAge); err != nil {
				logger.Warn("failed to prune transform cache", "error", err)
			} else if n > 0 {
				logger.Debug("pruned transform cache", "entries", n)
			}
			next = disk
			closeFn = func() {
				if err := disk.Close(); err != nil {
					logger.Warn("failed to close transform cache", "error", err)
				}
			}
		}
	}
	mem, err := cache.NewMemory(cache.DefaultSize, next)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to create transform cache: %w", err)
	}
	return mem, closeFn, nil
}
