package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tools/chunkpack/cache"
	"tools/chunkpack/resolve"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func defaultRules(root string) []Rule {
	return []Rule{
		{Test: regexp.MustCompile(`\.jsx?$`), Include: []string{filepath.Join(root, "src")}, Kind: KindScript, Transforms: []string{StageLower}},
		{Test: regexp.MustCompile(`\.css$`), Kind: KindStylesheet, Transforms: []string{StageCSS}},
		{Test: regexp.MustCompile(`\.json$`), Kind: KindJSON},
	}
}

func newPipeline(t *testing.T, root string, opts Options) *Pipeline {
	t.Helper()
	r, err := resolve.New(resolve.Options{Root: root})
	require.NoError(t, err)
	opts.Resolver = r
	if opts.Rules == nil {
		opts.Rules = defaultRules(r.Root())
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestClassify(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{Define: map[string]string{"process.env.NODE_ENV": `"production"`}, Minify: true})
	src := filepath.Join(p.resolver.Root(), "src")
	modules := filepath.Join(p.resolver.Root(), "node_modules")

	tests := []struct {
		path   string
		kind   Kind
		stages []string
	}{
		{filepath.Join(src, "index.js"), KindScript, []string{"lower", "define", "minify"}},
		{filepath.Join(src, "view.jsx"), KindScript, []string{"lower", "define", "minify"}},
		{filepath.Join(modules, "react", "index.js"), KindScript, []string{"cjs", "define", "minify"}},
		{filepath.Join(src, "app.css"), KindStylesheet, []string{"import", "precss", "compat", "minify"}},
		{filepath.Join(src, "data.json"), KindJSON, []string{"json", "minify"}},
		{filepath.Join(src, "logo.png"), KindStatic, nil},
	}
	for _, tt := range tests {
		kind, stages := p.Classify(tt.path)
		if kind != tt.kind {
			t.Errorf("Classify(%s) kind = %s, want %s", tt.path, kind, tt.kind)
		}
		if diff := cmp.Diff(tt.stages, stages); diff != "" {
			t.Errorf("Classify(%s) stages mismatch (-want +got):\n%s", tt.path, diff)
		}
	}
}

func TestClassifyFirstRuleWins(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{Rules: []Rule{
		{Test: regexp.MustCompile(`\.svg$`), Kind: KindStatic},
		{Test: regexp.MustCompile(`\.(svg|js)$`), Kind: KindScript, Transforms: []string{StageLower}},
	}})
	kind, stages := p.Classify(filepath.Join(root, "icon.svg"))
	assert.Equal(t, KindStatic, kind)
	assert.Empty(t, stages)

	kind, _ = p.Classify(filepath.Join(root, "index.js"))
	assert.Equal(t, KindScript, kind)
}

func TestNewRejectsUnknownStages(t *testing.T) {
	_, err := New(Options{Rules: []Rule{{Test: regexp.MustCompile(`\.js$`), Transforms: []string{"babel"}}}})
	assert.Error(t, err)

	_, err = New(Options{CSSChain: []string{"import", "sass"}})
	assert.Error(t, err)
}

func TestLoadScriptConvertsModules(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{})
	path := filepath.Join(p.resolver.Root(), "src", "view.jsx")

	res, err := p.Load(context.Background(), path, []byte(`import helper from "./helper";
export const View = () => <div>{helper()}</div>;
`))
	require.NoError(t, err)
	code := string(res.Code)
	assert.Contains(t, code, `require("./helper")`)
	assert.Contains(t, code, `require("react/jsx-runtime")`)
	assert.NotContains(t, code, "<div>")
	assert.Equal(t, []string{"lower"}, res.Stages)
}

func TestLoadLowersDynamicImport(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{})
	path := filepath.Join(p.resolver.Root(), "src", "routes.js")

	res, err := p.Load(context.Background(), path, []byte("export const load = () => import(\"./page\");\n"))
	require.NoError(t, err)
	assert.Contains(t, string(res.Code), `require("./page")`)
	assert.NotContains(t, string(res.Code), "import(")
}

func TestLoadDefineRemovesDeadBranches(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{Define: map[string]string{"process.env.NODE_ENV": `"production"`}})
	path := filepath.Join(p.resolver.Root(), "src", "index.js")

	res, err := p.Load(context.Background(), path, []byte(`if (process.env.NODE_ENV !== "production") {
  console.log("development build");
}
export const mode = process.env.NODE_ENV;
`))
	require.NoError(t, err)
	code := string(res.Code)
	assert.NotContains(t, code, "development build")
	assert.NotContains(t, code, "process.env")
	assert.Contains(t, code, `"production"`)
}

func TestLoadJSON(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{})
	res, err := p.Load(context.Background(), filepath.Join(root, "data.json"), []byte(`{"name": "chunkpack"}`))
	require.NoError(t, err)
	assert.Equal(t, KindJSON, res.Kind)
	assert.Contains(t, string(res.Code), "module.exports")
	assert.Contains(t, string(res.Code), "chunkpack")
}

func TestLoadStaticIsUntouched(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{})
	src := []byte{0x89, 'P', 'N', 'G'}
	res, err := p.Load(context.Background(), filepath.Join(root, "logo.png"), src)
	require.NoError(t, err)
	assert.Equal(t, KindStatic, res.Kind)
	assert.Equal(t, src, res.Code)
}

func TestLoadSyntaxError(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{})
	path := filepath.Join(p.resolver.Root(), "src", "broken.js")

	_, err := p.Load(context.Background(), path, []byte("const = ;"))
	var terr *TransformError
	require.True(t, errors.As(err, &terr), "expected TransformError, got %v", err)
	assert.Equal(t, StageLower, terr.Stage)
	assert.Equal(t, path, terr.Path)
	assert.Contains(t, err.Error(), "src/broken.js:1:")
}

func TestLoadSourceMaps(t *testing.T) {
	root := t.TempDir()
	p := newPipeline(t, root, Options{SourceMaps: true, Define: map[string]string{"DEBUG": "false"}})
	path := filepath.Join(p.resolver.Root(), "src", "index.js")

	res, err := p.Load(context.Background(), path, []byte("export const debug = DEBUG;\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"lower", "define"}, res.Stages)
	require.NotEmpty(t, res.Map)
	assert.Contains(t, string(res.Map), `"src/index.js"`)
	assert.NotContains(t, string(res.Code), "sourceMappingURL")
}

func TestLoadUsesCache(t *testing.T) {
	root := t.TempDir()
	mem, err := cache.NewMemory(16, nil)
	require.NoError(t, err)
	p := newPipeline(t, root, Options{Cache: mem})
	path := filepath.Join(p.resolver.Root(), "src", "index.js")
	src := []byte("export default 1;\n")

	first, err := p.Load(context.Background(), path, src)
	require.NoError(t, err)
	second, err := p.Load(context.Background(), path, src)
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, int64(1), mem.Stats().Hits)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Load(ctx, path, src)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadRespectsTargets(t *testing.T) {
	root := t.TempDir()
	src := []byte("export const f = (a) => a?.b ?? 1;\n")

	modern := newPipeline(t, root, Options{})
	res, err := modern.Load(context.Background(), filepath.Join(modern.resolver.Root(), "src", "a.js"), src)
	require.NoError(t, err)
	assert.Contains(t, string(res.Code), "??")

	legacy := newPipeline(t, root, Options{Targets: mustTargets(t, "es2017")})
	res, err = legacy.Load(context.Background(), filepath.Join(legacy.resolver.Root(), "src", "a.js"), src)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(res.Code), "??"), "expected nullish coalescing to be lowered:\n%s", res.Code)
}
