// Package transpile runs the loader pipeline over individual files without
// building a graph.
package transpile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"tools/chunkpack/bundle"
	"tools/chunkpack/cache"
	"tools/chunkpack/config"
	"tools/chunkpack/loader"
	"tools/chunkpack/resolve"
)

// Args holds the arguments for the transpile subcommand.
type Args struct {
	Config string
	OutDir string
	Srcs   []string
}

// Run transforms each source with the configured loader rules and writes the
// result to OutDir under its base name. Scripts and JSON become .js files,
// stylesheets .css files; static files are copied unchanged.
func Run(ctx context.Context, args Args) error {
	cfg, err := loadConfig(args.Config)
	if err != nil {
		return err
	}
	bc, err := bundle.NewContext(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to configure build: %w", err)
	}
	r, err := resolve.New(resolve.Options{
		Root:       cfg.Context,
		Extensions: cfg.Extensions,
		Modules:    cfg.Modules,
		Alias:      cfg.Alias,
		Externals:  cfg.Externals,
	})
	if err != nil {
		return err
	}
	store, err := cache.NewMemory(0, nil)
	if err != nil {
		return err
	}
	p, err := bc.Pipeline(r, store)
	if err != nil {
		return fmt.Errorf("failed to create loader pipeline: %w", err)
	}

	if err := os.MkdirAll(args.OutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := checkNames(args.Srcs, p); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Concurrency > 0 {
		g.SetLimit(cfg.Concurrency)
	}
	for _, src := range args.Srcs {
		g.Go(func() error {
			return transpile(ctx, p, src, args.OutDir, cfg.SourceMaps)
		})
	}
	return g.Wait()
}

func loadConfig(path string) (*config.Config, error) {
	path, err := config.Find(path)
	if errors.Is(err, config.ErrNoConfig) {
		cfg := config.DefaultConfig()
		cfg.LoaderRules = config.DefaultLoaderRules
		if cfg.Context, err = os.Getwd(); err != nil {
			return nil, err
		}
		return cfg, nil
	} else if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// checkNames fails if two sources would be written to the same file.
func checkNames(srcs []string, p *loader.Pipeline) error {
	seen := map[string]string{}
	for _, src := range srcs {
		kind, _ := p.Classify(src)
		name := outputName(src, kind)
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%s and %s both transpile to %s", prev, src, name)
		}
		seen[name] = src
	}
	return nil
}

func outputName(src string, kind loader.Kind) string {
	base := filepath.Base(src)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	switch kind {
	case loader.KindScript, loader.KindJSON:
		return stem + ".js"
	case loader.KindStylesheet:
		return stem + ".css"
	}
	return base
}

func transpile(ctx context.Context, p *loader.Pipeline, src, outDir string, sourceMaps bool) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	res, err := p.Load(ctx, abs, data)
	if err != nil {
		return fmt.Errorf("failed to transpile %s: %w", src, err)
	}

	name := outputName(src, res.Kind)
	outPath := filepath.Join(outDir, name)
	code := res.Code
	if sourceMaps && len(res.Map) > 0 {
		mapPath := outPath + ".map"
		if err := os.WriteFile(mapPath, res.Map, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", mapPath, err)
		}
		comment := "\n//# sourceMappingURL=" + name + ".map\n"
		if res.Kind == loader.KindStylesheet {
			comment = "\n/*# sourceMappingURL=" + name + ".map */\n"
		}
		code = append(append([]byte(nil), code...), comment...)
	}
	if err := os.WriteFile(outPath, code, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outPath, err)
	}
	return nil
}
