// Package loader classifies modules and runs their source transforms.
//
// A file is matched against the configured rules in declared order and the
// first matching rule decides its kind and transform stages. Each stage result
// is cached by content so an unchanged file is never transformed twice.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"tools/chunkpack/cache"
	"tools/chunkpack/common"
	"tools/chunkpack/resolve"
)

// Kind classifies a module.
type Kind int

const (
	KindScript Kind = iota
	KindStylesheet
	KindJSON
	KindStatic
)

var kindNames = map[Kind]string{
	KindScript:     "script",
	KindStylesheet: "stylesheet",
	KindJSON:       "json",
	KindStatic:     "static-copy",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a configured kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "script", "js":
		return KindScript, nil
	case "stylesheet", "style", "css":
		return KindStylesheet, nil
	case "json":
		return KindJSON, nil
	case "static-copy", "static", "file":
		return KindStatic, nil
	}
	return 0, fmt.Errorf("unknown module kind %q", s)
}

// DefaultKind returns the kind a file gets from its extension alone.
func DefaultKind(path string) Kind {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := common.Loaders[ext]; !ok {
		return KindStatic
	}
	switch common.LoaderFor(path) {
	case api.LoaderCSS:
		return KindStylesheet
	case api.LoaderJSON:
		return KindJSON
	}
	return KindScript
}

// Rule assigns a kind and stage list to files matching Test inside Include.
type Rule struct {
	Test *regexp.Regexp
	// Include lists absolute directories the rule is scoped to. Empty means
	// everywhere.
	Include    []string
	Kind       Kind
	Transforms []string
}

// MatchesExtension reports whether the rule's pattern matches path.
func (r Rule) MatchesExtension(path string) bool {
	return r.Test != nil && r.Test.MatchString(filepath.ToSlash(path))
}

// InScope reports whether path lies inside one of the rule's directories.
func (r Rule) InScope(path string) bool {
	if len(r.Include) == 0 {
		return true
	}
	for _, dir := range r.Include {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// DefaultCSSChain is the stage list a "css" transform expands to.
var DefaultCSSChain = []string{StageImport, StagePrecss, StageCompat}

// Options configures a Pipeline.
type Options struct {
	Rules []Rule
	// CSSChain replaces DefaultCSSChain when set.
	CSSChain   []string
	Targets    common.Targets
	Define     map[string]string
	Minify     bool
	SourceMaps bool
	// Resolver is used for @import package paths and display names.
	Resolver *resolve.Resolver
	Cache    cache.Cache
	Logger   *slog.Logger
}

// Result is a transformed module.
type Result struct {
	Path string
	Kind Kind
	Code []byte
	Map  []byte
	// Deps are files inlined into Code, with their content hashes.
	Deps []cache.Dependency
	// Stages lists the stages that ran, in order.
	Stages []string
}

// Pipeline runs loader rules. It is safe for concurrent use.
type Pipeline struct {
	rules    []Rule
	cssChain []string
	stages   map[string]Stage
	define   bool
	minify   bool
	resolver *resolve.Resolver
	cache    cache.Cache
	logger   *slog.Logger
}

// New validates opts and builds the stage catalogue.
func New(opts Options) (*Pipeline, error) {
	p := &Pipeline{
		rules:    opts.Rules,
		cssChain: opts.CSSChain,
		define:   len(opts.Define) > 0,
		minify:   opts.Minify,
		resolver: opts.Resolver,
		cache:    opts.Cache,
		logger:   opts.Logger,
	}
	if len(p.cssChain) == 0 {
		p.cssChain = DefaultCSSChain
	}
	if p.cache == nil {
		p.cache = cache.Nop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.stages = newStages(opts)

	for _, name := range p.cssChain {
		if name == StageCSS || !slices.Contains(cssStages, name) {
			return nil, fmt.Errorf("invalid css transform %q", name)
		}
	}
	for i, rule := range p.rules {
		if rule.Test == nil {
			return nil, fmt.Errorf("loader rule %d has no test pattern", i)
		}
		for _, name := range rule.Transforms {
			if _, ok := p.stages[name]; !ok && name != StageCSS {
				return nil, fmt.Errorf("loader rule %s: unknown transform %q", rule.Test, name)
			}
		}
	}
	return p, nil
}

// Classify returns the kind of path and the stages that will run on it.
func (p *Pipeline) Classify(path string) (Kind, []string) {
	extMatched := false
	for _, rule := range p.rules {
		if !rule.MatchesExtension(path) {
			continue
		}
		extMatched = true
		if rule.InScope(path) {
			return rule.Kind, p.plan(rule.Kind, rule.Transforms)
		}
	}
	if !extMatched && len(p.rules) > 0 {
		return KindStatic, nil
	}
	kind := DefaultKind(path)
	return kind, p.plan(kind, nil)
}

// plan expands a rule's stage list and adds the implicit stages for kind.
func (p *Pipeline) plan(kind Kind, transforms []string) []string {
	var stages []string
	for _, name := range transforms {
		if name == StageCSS {
			stages = append(stages, p.cssChain...)
			continue
		}
		stages = append(stages, name)
	}
	switch kind {
	case KindStatic:
		return nil
	case KindScript:
		if !slices.Contains(stages, StageLower) {
			stages = append([]string{StageCJS}, stages...)
		}
		if p.define {
			stages = append(stages, StageDefine)
		}
	case KindJSON:
		if !slices.Contains(stages, StageJSON) {
			stages = append(stages, StageJSON)
		}
	}
	if p.minify {
		stages = append(stages, StageMinify)
	}
	return stages
}

// Load classifies path and runs its stages over src.
func (p *Pipeline) Load(ctx context.Context, path string, src []byte) (*Result, error) {
	kind, stages := p.Classify(path)
	res := &Result{Path: path, Kind: kind, Code: src}
	if kind == KindStatic {
		return res, nil
	}

	unit := Unit{Path: path, Name: p.displayName(path), Code: src}
	for _, name := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := p.run(ctx, p.stages[name], unit)
		if err != nil {
			return nil, &TransformError{Stage: name, Path: path, Err: err}
		}
		unit = out
		res.Stages = append(res.Stages, name)
	}
	res.Code = unit.Code
	res.Map = unit.Map
	res.Deps = unit.Deps
	return res, nil
}

// run executes one stage through the cache.
func (p *Pipeline) run(ctx context.Context, stage Stage, in Unit) (Unit, error) {
	key := cache.Key(keyInput(in), in.Name+"\x00"+stage.Identity())
	if e, ok := p.cache.Get(key); ok && cache.Fresh(e) {
		p.logger.Debug("transform cache hit", "path", in.Name, "stage", stage.Name())
		return in.next(e.Code, e.Map, e.Deps), nil
	}
	out, err := stage.Transform(ctx, in)
	if err != nil {
		return Unit{}, err
	}
	p.cache.Put(key, cache.Entry{Code: out.Code, Map: out.Map, Deps: out.Deps[len(in.Deps):]})
	p.logger.Debug("transformed", "path", in.Name, "stage", stage.Name())
	return out, nil
}

func (p *Pipeline) displayName(path string) string {
	if p.resolver != nil {
		return p.resolver.Rel(path)
	}
	return filepath.Base(path)
}

func keyInput(u Unit) []byte {
	if len(u.Map) == 0 {
		return u.Code
	}
	b := make([]byte, 0, len(u.Code)+1+len(u.Map))
	b = append(b, u.Code...)
	b = append(b, 0)
	return append(b, u.Map...)
}

// TransformError reports a stage failure for one file.
type TransformError struct {
	Stage string
	Path  string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s transform failed for %s: %v", e.Stage, e.Path, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
