package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tools/chunkpack/loader"
	"tools/chunkpack/resolve"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// countingLoader records how many times each module is loaded.
type countingLoader struct {
	inner Loader
	mu    sync.Mutex
	loads map[string]int
}

func (c *countingLoader) Load(ctx context.Context, path string, src []byte) (*loader.Result, error) {
	c.mu.Lock()
	c.loads[path]++
	c.mu.Unlock()
	return c.inner.Load(ctx, path, src)
}

func newBuilder(t *testing.T, root string, concurrency int, opts resolve.Options) (*Builder, *countingLoader) {
	t.Helper()
	opts.Root = root
	r, err := resolve.New(opts)
	require.NoError(t, err)
	p, err := loader.New(loader.Options{Resolver: r})
	require.NoError(t, err)
	l := &countingLoader{inner: p, loads: map[string]int{}}
	return &Builder{Resolver: r, Loader: l, Concurrency: concurrency}, l
}

func names(g *Graph) []string {
	var out []string
	for _, id := range g.Order {
		out = append(out, g.Nodes[id].Name)
	}
	return out
}

func TestBuildDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/index.js": `require("./a"); require("./b");`,
		"src/a.js":     `module.exports = require("./c");`,
		"src/b.js":     `require("./c"); require("./d");`,
		"src/c.js":     `module.exports = 1;`,
		"src/d.js":     `module.exports = 2;`,
	})
	want := []string{"src/index.js", "src/a.js", "src/b.js", "src/c.js", "src/d.js"}

	for _, concurrency := range []int{1, 2, 8} {
		for run := 0; run < 3; run++ {
			b, _ := newBuilder(t, root, concurrency, resolve.Options{})
			g, err := b.Build(context.Background(), []Entry{{Name: "app", Path: "src/index.js"}})
			require.NoError(t, err)
			if diff := cmp.Diff(want, names(g)); diff != "" {
				t.Fatalf("concurrency %d: order mismatch (-want +got):\n%s", concurrency, diff)
			}
		}
	}
}

func TestBuildCycleLoadsEachModuleOnce(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.js": `exports.b = require("./b");`,
		"b.js": `exports.a = require("./a");`,
	})
	b, counter := newBuilder(t, root, 4, resolve.Options{})
	g, err := b.Build(context.Background(), []Entry{{Name: "app", Path: "a.js"}})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	for path, n := range counter.loads {
		assert.Equal(t, 1, n, "module %s loaded %d times", path, n)
	}

	a := g.Entry("app").Roots[0]
	assert.Equal(t, []string{"b.js", "a.js"}, postOrderNames(g, []ModuleID{a}))
}

func TestBuildAggregateAndExternal(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"app/index.js":                     `var React = require("react"); var $ = require("jquery");`,
		"node_modules/react/package.json":  `{"main": "index.js"}`,
		"node_modules/react/index.js":      `module.exports = require("./cjs/react.js");`,
		"node_modules/react/cjs/react.js":  `module.exports = {};`,
		"node_modules/lodash/package.json": `{"main": "lodash.js"}`,
		"node_modules/lodash/lodash.js":    `module.exports = {};`,
	})
	b, _ := newBuilder(t, root, 0, resolve.Options{Externals: map[string]string{"jquery": "window.jQuery"}})
	g, err := b.Build(context.Background(), []Entry{
		{Name: "app", Path: "app"},
		{Name: "vendor", Packages: []string{"react", "lodash"}},
	})
	require.NoError(t, err)

	vendor := g.Entry("vendor")
	require.NotNil(t, vendor)
	assert.True(t, vendor.Aggregate())
	assert.Len(t, vendor.Roots, 2)

	app := g.Node(g.Entry("app").Roots[0])
	require.NotNil(t, app)
	require.Len(t, app.Imports, 2)
	assert.Equal(t, "window.jQuery", app.Imports[1].External)
	assert.Empty(t, app.Imports[1].Target)

	assert.Equal(t, []string{
		"app/index.js",
		"node_modules/react/index.js",
		"node_modules/lodash/lodash.js",
		"node_modules/react/cjs/react.js",
	}, names(g))
}

func TestBuildUnresolvedImport(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"index.js": `require("./missing");`})
	b, _ := newBuilder(t, root, 2, resolve.Options{})

	_, err := b.Build(context.Background(), []Entry{{Name: "app", Path: "index.js"}})
	var gerr *GraphError
	require.True(t, errors.As(err, &gerr), "expected GraphError, got %v", err)
	var unresolved *resolve.UnresolvedImportError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "./missing", unresolved.Specifier)
}

func TestBuildTransformError(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"index.js": `require("./ok"); require("./bad");`,
		"ok.js":    `module.exports = 1;`,
		"bad.js":   `module.exports = ;`,
	})
	b, _ := newBuilder(t, root, 8, resolve.Options{})
	_, err := b.Build(context.Background(), []Entry{{Name: "app", Path: "index.js"}})
	var terr *loader.TransformError
	require.True(t, errors.As(err, &terr), "expected TransformError, got %v", err)
	assert.Equal(t, "bad.js", filepath.Base(terr.Path))
}

func TestBuildMissingEntry(t *testing.T) {
	b, _ := newBuilder(t, t.TempDir(), 1, resolve.Options{})
	_, err := b.Build(context.Background(), []Entry{{Name: "app", Path: "nope.js"}})
	var gerr *GraphError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "nope.js", gerr.Path)
}

func TestValidateDanglingEdge(t *testing.T) {
	g := New()
	g.Add(&Node{ID: "/a.js", Imports: []Import{{Specifier: "./b", Target: "/b.js"}}})
	g.Entries = []*Entry{{Name: "app", Roots: []ModuleID{"/a.js"}}}

	err := g.Validate()
	var gerr *GraphError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "/a.js", gerr.Path)

	g.Add(&Node{ID: "/b.js"})
	assert.NoError(t, g.Validate())
}

func postOrderNames(g *Graph, roots []ModuleID) []string {
	var out []string
	for _, id := range g.PostOrder(roots, nil) {
		out = append(out, g.Nodes[id].Name)
	}
	return out
}

func TestPostOrderAndReachable(t *testing.T) {
	g := New()
	add := func(id string, deps ...string) {
		n := &Node{ID: ModuleID(id), Name: id}
		for _, d := range deps {
			n.Imports = append(n.Imports, Import{Specifier: d, Target: ModuleID(d)})
		}
		g.Add(n)
	}
	add("index", "a", "b")
	add("a", "c")
	add("b", "c", "index")
	add("c")
	add("orphan")

	assert.Equal(t, []string{"c", "a", "b", "index"}, postOrderNames(g, []ModuleID{"index"}))

	kept := g.PostOrder([]ModuleID{"index"}, func(id ModuleID) bool { return id != "a" })
	assert.Equal(t, []ModuleID{"c", "b", "index"}, kept)

	reach := g.Reachable([]ModuleID{"b"})
	assert.Len(t, reach, 4)
	assert.False(t, reach["orphan"])
}

func TestScanRequires(t *testing.T) {
	code := []byte(`var a = __toESM(require("./a"));
const b = require('./b');
require( "./a" );
notrequire("./x");
require(dynamic);
const msg = 'call require("./missing") to load';
// require("./commented")
const c = require("./c.js");
`)
	specs, err := ScanRequires("index.js", code)
	require.NoError(t, err)
	assert.Equal(t, []string{"./a", "./b", "./c.js"}, specs)

	_, err = ScanRequires("bad.js", []byte("require(;"))
	assert.Error(t, err)
}

func TestBuildIgnoresRequireInStrings(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/index.js": "const util = require(\"./util\");\nconsole.log('call require(\"./missing\") to load', util);\n",
		"src/util.js":  `module.exports = 'use require("./util.js") here';`,
	})
	b, _ := newBuilder(t, root, 2, resolve.Options{})
	g, err := b.Build(context.Background(), []Entry{{Name: "app", Path: "src/index.js"}})
	require.NoError(t, err)

	index := g.Node(g.Entry("app").Roots[0])
	require.Len(t, index.Imports, 1)
	assert.Equal(t, "./util", index.Imports[0].Specifier)
	assert.Equal(t, []string{"src/index.js", "src/util.js"}, names(g))
}

// slowLoader holds back one module until its context is done or a second
// has passed.
type slowLoader struct {
	inner Loader
	slow  string
}

func (s *slowLoader) Load(ctx context.Context, path string, src []byte) (*loader.Result, error) {
	if filepath.Base(path) == s.slow {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return s.inner.Load(ctx, path, src)
}

func TestBuildReportsFailingSibling(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/index.js":  `require("./big"); require("./broken");`,
		"src/big.js":    `module.exports = 1;`,
		"src/broken.js": `module.exports = (;`,
	})
	b, _ := newBuilder(t, root, 4, resolve.Options{})
	b.Loader = &slowLoader{inner: b.Loader, slow: "big.js"}

	_, err := b.Build(context.Background(), []Entry{{Name: "app", Path: "src/index.js"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
	var gerr *GraphError
	require.True(t, errors.As(err, &gerr), "expected GraphError, got %v", err)
	assert.Equal(t, "broken.js", filepath.Base(gerr.Path))
}

func TestBuildCancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"index.js": `module.exports = 1;`})
	b, _ := newBuilder(t, root, 1, resolve.Options{})
	b.Loader = &slowLoader{inner: b.Loader, slow: "index.js"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Build(ctx, []Entry{{Name: "app", Path: "index.js"}})
	assert.ErrorIs(t, err, context.Canceled)
}
