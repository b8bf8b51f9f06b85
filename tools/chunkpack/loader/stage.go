package loader

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"tools/chunkpack/cache"
	"tools/chunkpack/common"
	"tools/chunkpack/resolve"
)

// Stage names.
const (
	StageLower  = "lower"
	StageCJS    = "cjs"
	StageDefine = "define"
	StageJSON   = "json"
	StageCSS    = "css"
	StageImport = "import"
	StagePrecss = "precss"
	StageCompat = "compat"
	StageMinify = "minify"
)

// cssStages are the names allowed in a css transform chain.
var cssStages = []string{StageImport, StagePrecss, StageCompat}

// Unit is the value passed between stages.
type Unit struct {
	// Path is the absolute file path.
	Path string
	// Name is the root-relative display name used in source maps.
	Name string
	Code []byte
	Map  []byte
	Deps []cache.Dependency
}

// next returns a copy of u carrying new output and any extra dependencies.
func (u Unit) next(code, sourceMap []byte, deps []cache.Dependency) Unit {
	out := Unit{Path: u.Path, Name: u.Name, Code: code, Map: sourceMap}
	out.Deps = append(append([]cache.Dependency(nil), u.Deps...), deps...)
	return out
}

// Stage is one transform step.
type Stage interface {
	Name() string
	// Identity names the stage, its version and every option that changes
	// its output. It is part of the cache key.
	Identity() string
	Transform(ctx context.Context, in Unit) (Unit, error)
}

func newStages(opts Options) map[string]Stage {
	targets := opts.Targets
	defines := opts.Define
	maps := opts.SourceMaps
	return map[string]Stage{
		StageLower:  &esbuildStage{name: StageLower, version: 1, targets: targets, sourceMaps: maps, options: lowerOptions},
		StageCJS:    &esbuildStage{name: StageCJS, version: 1, targets: targets, sourceMaps: maps, options: cjsOptions},
		StageDefine: &esbuildStage{name: StageDefine, version: 1, targets: targets, sourceMaps: maps, define: defines, options: defineOptions},
		StageJSON:   &esbuildStage{name: StageJSON, version: 1, targets: targets, sourceMaps: maps, options: jsonOptions},
		StageCompat: &esbuildStage{name: StageCompat, version: 1, targets: targets, sourceMaps: maps, options: compatOptions},
		StageMinify: &esbuildStage{name: StageMinify, version: 1, targets: targets, sourceMaps: maps, options: minifyOptions},
		StageImport: &importStage{resolver: opts.Resolver},
		StagePrecss: precssStage{},
	}
}

// esbuildStage runs one esbuild Transform call. options fills in the
// stage-specific fields on top of the shared target and source map settings.
type esbuildStage struct {
	name       string
	version    int
	targets    common.Targets
	define     map[string]string
	sourceMaps bool
	options    func(s *esbuildStage, in Unit, opts *api.TransformOptions)
}

func (s *esbuildStage) Name() string { return s.name }

func (s *esbuildStage) Identity() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d;%s;maps=%t", s.name, s.version, s.targets, s.sourceMaps)
	for _, k := range common.SortedKeys(s.define) {
		fmt.Fprintf(&b, ";%s=%s", k, s.define[k])
	}
	return b.String()
}

func (s *esbuildStage) Transform(_ context.Context, in Unit) (Unit, error) {
	opts := api.TransformOptions{
		Loader:     common.LoaderFor(in.Path),
		Target:     s.targets.Target,
		Engines:    s.targets.Engines,
		Sourcefile: in.Name,
		LogLevel:   api.LogLevelSilent,
	}
	source := string(in.Code)
	if s.sourceMaps {
		opts.Sourcemap = api.SourceMapExternal
		opts.SourcesContent = api.SourcesContentInclude
		if len(in.Map) > 0 {
			source = withInlineMap(source, in.Map, opts.Loader == api.LoaderCSS)
		}
	}
	s.options(s, in, &opts)

	result := api.Transform(source, opts)
	if len(result.Errors) > 0 {
		return Unit{}, esbuildError(in.Name, result.Errors)
	}
	var sourceMap []byte
	if s.sourceMaps {
		sourceMap = result.Map
	}
	return in.next(result.Code, sourceMap, nil), nil
}

func lowerOptions(_ *esbuildStage, _ Unit, opts *api.TransformOptions) {
	opts.Format = api.FormatCommonJS
	opts.JSX = api.JSXAutomatic
	opts.Supported = requireOnly
}

// requireOnly makes esbuild turn import() into a promise around require(),
// so lazily imported modules are still found by the graph builder.
var requireOnly = map[string]bool{"dynamic-import": false}

// cjsOptions converts module syntax only; the target stays at esnext so
// out-of-scope code is not lowered.
func cjsOptions(_ *esbuildStage, _ Unit, opts *api.TransformOptions) {
	opts.Format = api.FormatCommonJS
	opts.Target = api.ESNext
	opts.Engines = nil
	opts.Supported = requireOnly
	if opts.Loader == api.LoaderJSX || opts.Loader == api.LoaderTSX {
		opts.JSX = api.JSXAutomatic
	}
}

// defineOptions substitutes the configured constants and lets syntax
// minification drop the branches they make unreachable. The input is
// already CommonJS, so it is parsed as plain JS.
func defineOptions(s *esbuildStage, _ Unit, opts *api.TransformOptions) {
	opts.Loader = api.LoaderJS
	opts.Define = s.define
	opts.MinifySyntax = true
}

func jsonOptions(_ *esbuildStage, _ Unit, opts *api.TransformOptions) {
	opts.Loader = api.LoaderJSON
	opts.Format = api.FormatCommonJS
}

func compatOptions(_ *esbuildStage, _ Unit, opts *api.TransformOptions) {
	opts.Loader = api.LoaderCSS
}

func minifyOptions(_ *esbuildStage, _ Unit, opts *api.TransformOptions) {
	if opts.Loader != api.LoaderCSS {
		opts.Loader = api.LoaderJS
	}
	opts.MinifyWhitespace = true
	opts.MinifyIdentifiers = true
	opts.MinifySyntax = true
}

// withInlineMap appends the input source map as a data URL so esbuild chains
// it into the map it produces.
func withInlineMap(source string, sourceMap []byte, css bool) string {
	url := "sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString(sourceMap)
	if css {
		return source + "\n/*# " + url + " */\n"
	}
	return source + "\n//# " + url + "\n"
}

// esbuildError formats esbuild messages as file:line:col diagnostics.
func esbuildError(name string, msgs []api.Message) error {
	var lines []string
	for _, m := range msgs {
		if m.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", name, m.Location.Line, m.Location.Column, m.Text))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", name, m.Text))
		}
	}
	return errors.New(strings.Join(lines, "\n"))
}

// resolveCSSImport resolves an @import target. A leading "~" or a bare name
// that is not a file next to the importer is looked up as a package.
func resolveCSSImport(r *resolve.Resolver, spec, fromDir string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("cannot resolve %q without a resolver", spec)
	}
	if pkg, ok := strings.CutPrefix(spec, "~"); ok {
		spec = pkg
	} else if common.IsBareSpecifier(spec) {
		if res, err := r.Resolve("./"+spec, fromDir); err == nil {
			return res.Path, nil
		}
	}
	res, err := r.Resolve(spec, fromDir)
	if err != nil {
		return "", err
	}
	if res.Path == "" {
		return "", fmt.Errorf("%q is external and cannot be inlined", spec)
	}
	return res.Path, nil
}
