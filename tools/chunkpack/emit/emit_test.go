package emit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tools/chunkpack/chunk"
	"tools/chunkpack/graph"
	"tools/chunkpack/loader"
)

type module struct {
	name string
	kind loader.Kind
	code string
	deps []string
}

// newGraph builds a graph whose imports use the target name as specifier.
func newGraph(modules []module, entries ...*graph.Entry) *graph.Graph {
	g := graph.New()
	for _, m := range modules {
		n := &graph.Node{ID: graph.ModuleID(m.name), Name: m.name, Kind: m.kind, Source: []byte(m.code), Code: []byte(m.code)}
		for _, d := range m.deps {
			n.Imports = append(n.Imports, graph.Import{Specifier: d, Target: graph.ModuleID(d)})
		}
		g.Add(n)
	}
	g.Entries = entries
	return g
}

func entry(name string, roots ...string) *graph.Entry {
	e := &graph.Entry{Name: name}
	for _, r := range roots {
		e.Roots = append(e.Roots, graph.ModuleID(r))
	}
	return e
}

func vendor(roots ...string) *graph.Entry {
	e := entry("vendor", roots...)
	e.Packages = roots
	return e
}

func appModules(appCode string) []module {
	return []module{
		{name: "app/index.js", kind: loader.KindScript, code: appCode, deps: []string{"react", "app/style.css", "app/logo.png"}},
		{name: "react", kind: loader.KindScript, code: "module.exports = { version: 18 };"},
		{name: "app/style.css", kind: loader.KindStylesheet, code: "body { color: red; }"},
		{name: "app/logo.png", kind: loader.KindStatic, code: "\x89PNG"},
	}
}

func build(t *testing.T, g *graph.Graph, policy chunk.Policy, opts Options) *Output {
	t.Helper()
	plan, err := chunk.Split(g, policy)
	require.NoError(t, err)
	out, err := New(opts).Emit(g, plan)
	require.NoError(t, err)
	return out
}

func artifact(t *testing.T, out *Output, key string) Artifact {
	t.Helper()
	filename, ok := out.Manifest.Get(key)
	require.True(t, ok, "manifest has no %s", key)
	for _, a := range out.Artifacts {
		if a.Path == filename {
			return a
		}
	}
	t.Fatalf("no artifact for %s", filename)
	return Artifact{}
}

const appCode = `var React = require("react");
require("app/style.css");
var logo = require("app/logo.png");
module.exports = React.version + logo;`

func TestFilename(t *testing.T) {
	hash := Hash([]byte("hello"))
	tests := []struct {
		pattern, want string
	}{
		{"[name].[chunkhash].js", "app." + hash[:20] + ".js"},
		{"[name].[hash:8][ext]", "app." + hash[:8] + ".png"},
		{"[contenthash:4]-[name]", hash[:4] + "-app"},
		{"static/[name][ext]", "static/app.png"},
		{"[name].[hash:999].js", "app." + hash + ".js"},
	}
	for _, tc := range tests {
		t.Run(tc.pattern, func(t *testing.T) {
			assert.Equal(t, tc.want, Filename(tc.pattern, "app", ".png", hash))
		})
	}
}

func TestManifest(t *testing.T) {
	m := NewManifest()
	require.NoError(t, m.Set("vendor.js", "vendor.1.js"))
	require.NoError(t, m.Set("app.js", "app.2.js"))
	assert.Error(t, m.Set("app.js", "app.3.js"))

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"vendor.js\": \"vendor.1.js\",\n  \"app.js\": \"app.2.js\"\n}", string(data))
	assert.Equal(t, []string{"vendor.js", "app.js"}, m.Keys())
}

func TestEmitVendorAppManifest(t *testing.T) {
	g := newGraph(appModules(appCode), entry("app", "app/index.js"), vendor("react"))
	out := build(t, g, chunk.Policy{Split: true, ExtractStyle: true}, Options{PublicPath: "/static"})

	assert.Equal(t, []string{"app/logo.png", "app.css", "vendor.js", "app.js", "manifest.js"}, out.Manifest.Keys())

	app := string(artifact(t, out, "app.js").Data)
	assert.Contains(t, app, `"app/index.js": [function (module, exports, require) {`)
	assert.Contains(t, app, appCode)
	logo, _ := out.Manifest.Get("app/logo.png")
	assert.Contains(t, app, `}, {"react": "react", "app/style.css": function () { return {}; }, "app/logo.png": function () { return "/static/`+logo+`"; }}]`)
	assert.True(t, strings.HasSuffix(app, "}, [\"app/index.js\"]]);\n"))
	assert.NotContains(t, app, `"react": [function`)

	vendorJS := string(artifact(t, out, "vendor.js").Data)
	assert.Contains(t, vendorJS, `"react": [function`)
	assert.True(t, strings.HasSuffix(vendorJS, "}, []]);\n"), "aggregate chunks do not execute anything")

	runtime := string(artifact(t, out, "manifest.js").Data)
	assert.Contains(t, runtime, `var deps = {"app":["vendor"]};`)

	assert.Equal(t, "body { color: red; }\n", string(artifact(t, out, "app.css").Data))

	vendorFile, _ := out.Manifest.Get("vendor.js")
	runtimeFile, _ := out.Manifest.Get("manifest.js")
	appFile, _ := out.Manifest.Get("app.js")
	cssFile, _ := out.Manifest.Get("app.css")
	assert.Equal(t, []string{"/static/" + vendorFile, "/static/" + runtimeFile, "/static/" + appFile}, out.Scripts)
	assert.Equal(t, []string{"/static/" + cssFile}, out.Styles)
}

func TestEmitIsDeterministic(t *testing.T) {
	policy := chunk.Policy{Split: true, ExtractStyle: true}
	a := build(t, newGraph(appModules(appCode), entry("app", "app/index.js"), vendor("react")), policy, Options{})
	b := build(t, newGraph(appModules(appCode), entry("app", "app/index.js"), vendor("react")), policy, Options{})
	assert.Equal(t, a.Artifacts, b.Artifacts)
}

func TestEmitVendorHashIgnoresAppChanges(t *testing.T) {
	policy := chunk.Policy{Split: true, ExtractStyle: true}
	before := build(t, newGraph(appModules(appCode), entry("app", "app/index.js"), vendor("react")), policy, Options{})
	after := build(t, newGraph(appModules(appCode+"\nconsole.log(1);"), entry("app", "app/index.js"), vendor("react")), policy, Options{})

	for _, key := range []string{"vendor.js", "manifest.js", "app.css", "app/logo.png"} {
		want, _ := before.Manifest.Get(key)
		got, _ := after.Manifest.Get(key)
		assert.Equal(t, want, got, key)
	}
	want, _ := before.Manifest.Get("app.js")
	got, _ := after.Manifest.Get("app.js")
	assert.NotEqual(t, want, got)
}

func TestEmitConcatenatesStylesInImportOrder(t *testing.T) {
	g := newGraph([]module{
		{name: "app/index.js", kind: loader.KindScript, code: `require("app/a.css"); require("app/b.css");`, deps: []string{"app/a.css", "app/b.css"}},
		{name: "app/a.css", kind: loader.KindStylesheet, code: ".a {}\n"},
		{name: "app/b.css", kind: loader.KindStylesheet, code: ".b {}"},
		{name: "app/empty.js", kind: loader.KindScript, code: `require("app/blank.css");`, deps: []string{"app/blank.css"}},
		{name: "app/blank.css", kind: loader.KindStylesheet, code: "\n"},
	}, entry("app", "app/index.js"), entry("empty", "app/empty.js"))
	out := build(t, g, chunk.Policy{ExtractStyle: true}, Options{})

	assert.Equal(t, ".a {}\n.b {}\n", string(artifact(t, out, "app.css").Data))
	_, ok := out.Manifest.Get("empty.css")
	assert.False(t, ok, "blank stylesheets do not produce a file")
}

func TestEmitInlineStyles(t *testing.T) {
	g := newGraph(appModules(appCode), entry("app", "app/index.js"))
	out := build(t, g, chunk.Policy{}, Options{})

	app := string(artifact(t, out, "app.js").Data)
	assert.Contains(t, app, `"app/style.css": "app/style.css"`)
	assert.Contains(t, app, `var __file = "app/style.css";`)
	assert.Contains(t, app, `s.textContent = "body { color: red; }";`)
	assert.Empty(t, out.Styles)
}

func TestEmitExternal(t *testing.T) {
	g := graph.New()
	g.Add(&graph.Node{
		ID:      "app/index.js",
		Name:    "app/index.js",
		Kind:    loader.KindScript,
		Code:    []byte(`var $ = require("jquery");`),
		Imports: []graph.Import{{Specifier: "jquery", External: "window.jQuery"}},
	})
	g.Entries = []*graph.Entry{entry("app", "app/index.js")}
	out := build(t, g, chunk.Policy{}, Options{})

	app := string(artifact(t, out, "app.js").Data)
	assert.Contains(t, app, `var $ = require("jquery");`)
	assert.Contains(t, app, `}, {"jquery": function () { return (window.jQuery); }}]`)
}

func TestEmitKeepsModuleTextVerbatim(t *testing.T) {
	code := `var util = require("app/util.js");
var msg = 'use require("app/util.js") here';`
	g := newGraph([]module{
		{name: "app/index.js", kind: loader.KindScript, code: code, deps: []string{"app/util.js"}},
		{name: "app/util.js", kind: loader.KindScript, code: "module.exports = 1;"},
	}, entry("app", "app/index.js"))
	out := build(t, g, chunk.Policy{}, Options{})

	app := string(artifact(t, out, "app.js").Data)
	assert.Contains(t, app, code)
	assert.Contains(t, app, `}, {"app/util.js": "app/util.js"}]`)
}

func TestEmitSourceMapCommentAfterHash(t *testing.T) {
	g := newGraph(appModules(appCode), entry("app", "app/index.js"))
	g.Nodes["react"].Map = []byte(`{"version":3,"sources":["react.js"],"mappings":"AAAA"}`)
	out := build(t, g, chunk.Policy{}, Options{SourceMaps: true, FilenamePattern: "[name].[contenthash].js"})

	app := artifact(t, out, "app.js")
	body, comment, ok := strings.Cut(string(app.Data), "//# sourceMappingURL=")
	require.True(t, ok)
	assert.Equal(t, app.Path+".map\n", comment)
	assert.Equal(t, "app."+Hash([]byte(body))[:DefaultHashLength]+".js", app.Path)

	var maps *Artifact
	for i := range out.Artifacts {
		if out.Artifacts[i].Path == app.Path+".map" {
			maps = &out.Artifacts[i]
		}
	}
	require.NotNil(t, maps)
	var index indexMap
	require.NoError(t, json.Unmarshal(maps.Data, &index))
	assert.Equal(t, 3, index.Version)
	require.Len(t, index.Sections, 1)
	assert.Equal(t, 2, index.Sections[0].Offset.Line)
}

func TestEmitSkipsEmptyChunks(t *testing.T) {
	g := newGraph([]module{
		{name: "react", kind: loader.KindScript, code: "module.exports = 1;"},
		{name: "app/index.js", kind: loader.KindScript, code: `require("react");`, deps: []string{"react"}},
	}, vendor("react"), entry("app", "app/index.js"))
	// Splitting off, the app entry claims react first and leaves vendor empty.
	out := build(t, g, chunk.Policy{}, Options{})

	_, ok := out.Manifest.Get("vendor.js")
	assert.False(t, ok)
	assert.Contains(t, string(artifact(t, out, "manifest.js").Data), `var deps = {"app":[]};`)
	assert.Len(t, out.Scripts, 2)
}

func TestEmitMinifiesRuntime(t *testing.T) {
	g := newGraph(appModules(appCode), entry("app", "app/index.js"))
	plain := build(t, g, chunk.Policy{}, Options{})
	small := build(t, g, chunk.Policy{}, Options{Minify: true})

	assert.Less(t, len(artifact(t, small, "manifest.js").Data), len(artifact(t, plain, "manifest.js").Data))
	assert.Contains(t, string(artifact(t, small, "manifest.js").Data), QueueName)
}

func TestEmitManifestFile(t *testing.T) {
	g := newGraph(appModules(appCode), entry("app", "app/index.js"))
	out := build(t, g, chunk.Policy{}, Options{ManifestFile: "manifest.json"})

	last := out.Artifacts[len(out.Artifacts)-1]
	assert.Equal(t, "manifest.json", last.Path)
	var m map[string]string
	require.NoError(t, json.Unmarshal(last.Data, &m))
	assert.Len(t, m, out.Manifest.Len())
}

func TestEmitSharesIdenticalAssets(t *testing.T) {
	g := newGraph([]module{
		{name: "app/index.js", kind: loader.KindScript, code: `require("a/logo.png"); require("b/logo.png");`, deps: []string{"a/logo.png", "b/logo.png"}},
		{name: "a/logo.png", kind: loader.KindStatic, code: "png"},
		{name: "b/logo.png", kind: loader.KindStatic, code: "png"},
	}, entry("app", "app/index.js"))
	out := build(t, g, chunk.Policy{}, Options{})

	a, _ := out.Manifest.Get("a/logo.png")
	b, _ := out.Manifest.Get("b/logo.png")
	assert.Equal(t, a, b)
	count := 0
	for _, artifact := range out.Artifacts {
		if artifact.Path == a {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	err := Write(dir, []Artifact{
		{Path: "app.js", Data: []byte("a")},
		{Path: "img/logo.png", Data: []byte("b")},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "img", "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocked"), nil, 0644))
	err = Write(dir, []Artifact{{Path: "blocked/app.js", Data: []byte("c")}})
	var emitErr *EmitError
	require.ErrorAs(t, err, &emitErr)
}
