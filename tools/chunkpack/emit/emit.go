// Package emit renders split chunks into fingerprinted output files.
//
// Rendering is pure: Emit returns every artifact in memory and Write puts
// them on disk, so a failure while rendering never touches the output
// directory.
package emit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"tools/chunkpack/chunk"
	"tools/chunkpack/graph"
	"tools/chunkpack/loader"
)

// ArtifactKind classifies an emitted file.
type ArtifactKind int

const (
	ArtifactScript ArtifactKind = iota
	ArtifactStyle
	ArtifactAsset
	ArtifactSourceMap
	ArtifactManifest
	ArtifactHTML
)

// Artifact is one file to write.
type Artifact struct {
	Kind ArtifactKind
	// Name is the manifest key, empty for files not listed in the manifest.
	Name string
	// Path is the filename relative to the output directory.
	Path string
	Data []byte
}

// Options configures an Emitter.
type Options struct {
	FilenamePattern      string
	ChunkFilenamePattern string
	CSSFilenamePattern   string
	AssetFilenamePattern string
	PublicPath           string
	SourceMaps           bool
	// Minify compresses the runtime chunk.
	Minify bool
	// ManifestFile, when set, adds the manifest as a JSON artifact.
	ManifestFile string
	// Common is the name of the common chunk, which uses ChunkFilenamePattern.
	Common string
	Logger *slog.Logger
}

// Output is the rendered build.
type Output struct {
	Artifacts []Artifact
	Manifest  *Manifest
	// Scripts are the public URLs of the script chunks in load order.
	Scripts []string
	// Styles are the public URLs of the style chunks.
	Styles []string
}

// Emitter renders chunks.
type Emitter struct {
	opts   Options
	logger *slog.Logger
}

// New returns an Emitter with defaults filled in.
func New(opts Options) *Emitter {
	if opts.FilenamePattern == "" {
		opts.FilenamePattern = "[name].[chunkhash].js"
	}
	if opts.ChunkFilenamePattern == "" {
		opts.ChunkFilenamePattern = opts.FilenamePattern
	}
	if opts.CSSFilenamePattern == "" {
		opts.CSSFilenamePattern = "[name].[contenthash].css"
	}
	if opts.AssetFilenamePattern == "" {
		opts.AssetFilenamePattern = "[name].[hash:8][ext]"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{opts: opts, logger: logger}
}

// Emit renders assets, style chunks, script chunks and the runtime, in that
// order.
func (e *Emitter) Emit(g *graph.Graph, plan *chunk.Plan) (*Output, error) {
	r := &render{
		Emitter:  e,
		g:        g,
		plan:     plan,
		out:      &Output{Manifest: NewManifest()},
		assetURL: map[graph.ModuleID]string{},
		emitted:  map[string]string{},
	}
	if err := r.assets(); err != nil {
		return nil, err
	}
	if err := r.styles(); err != nil {
		return nil, err
	}
	if err := r.scripts(); err != nil {
		return nil, err
	}
	if e.opts.ManifestFile != "" {
		data, err := r.out.Manifest.MarshalJSON()
		if err != nil {
			return nil, &EmitError{Path: e.opts.ManifestFile, Err: err}
		}
		r.out.Artifacts = append(r.out.Artifacts, Artifact{Kind: ArtifactManifest, Path: e.opts.ManifestFile, Data: append(data, '\n')})
	}
	return r.out, nil
}

type render struct {
	*Emitter
	g        *graph.Graph
	plan     *chunk.Plan
	out      *Output
	assetURL map[graph.ModuleID]string
	// emitted maps script chunk names to filenames.
	emitted map[string]string
}

func (r *render) url(filename string) string {
	base := r.opts.PublicPath
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + filename
}

// add records an artifact and its manifest entry. Identical files under the
// same name are written once.
func (r *render) add(a Artifact) error {
	duplicate := false
	for _, prev := range r.out.Artifacts {
		if prev.Path != a.Path {
			continue
		}
		if !bytes.Equal(prev.Data, a.Data) {
			return &EmitError{Path: a.Path, Err: fmt.Errorf("two outputs share the filename %s", a.Path)}
		}
		duplicate = true
	}
	if a.Name != "" {
		if err := r.out.Manifest.Set(a.Name, a.Path); err != nil {
			return &EmitError{Path: a.Path, Err: err}
		}
	}
	if duplicate {
		return nil
	}
	r.out.Artifacts = append(r.out.Artifacts, a)
	r.logger.Debug("rendered artifact", "path", a.Path, "bytes", len(a.Data))
	return nil
}

func (r *render) assets() error {
	for _, id := range r.plan.Assets {
		n := r.g.Nodes[id]
		ext := path.Ext(n.Name)
		base := strings.TrimSuffix(path.Base(n.Name), ext)
		filename := Filename(r.opts.AssetFilenamePattern, base, ext, Hash(n.Source))
		if err := r.add(Artifact{Kind: ArtifactAsset, Name: n.Name, Path: filename, Data: n.Source}); err != nil {
			return err
		}
		r.assetURL[id] = r.url(filename)
	}
	return nil
}

// styles is the style extractor: it concatenates the stylesheets of each
// style chunk and hashes the result separately from the scripts.
func (r *render) styles() error {
	for _, c := range r.plan.Chunks {
		if c.Kind != chunk.Style {
			continue
		}
		var b bytes.Buffer
		var maps indexMap
		line := 0
		for _, id := range c.Modules {
			n := r.g.Nodes[id]
			code := bytes.TrimRight(n.Code, "\n")
			if len(bytes.TrimSpace(code)) == 0 {
				continue
			}
			maps.addSection(line, n.Map)
			b.Write(code)
			b.WriteByte('\n')
			line += bytes.Count(code, []byte("\n")) + 1
		}
		if b.Len() == 0 {
			continue
		}
		filename := Filename(r.opts.CSSFilenamePattern, c.Name, ".css", Hash(b.Bytes()))
		if err := r.withMap(Artifact{Kind: ArtifactStyle, Name: c.Name + ".css", Path: filename, Data: b.Bytes()}, &maps, true); err != nil {
			return err
		}
		r.out.Styles = append(r.out.Styles, r.url(filename))
	}
	return nil
}

// withMap adds a, plus its source map when enabled. The mapping comment is
// appended after the filename has been derived from the content.
func (r *render) withMap(a Artifact, maps *indexMap, css bool) error {
	if !r.opts.SourceMaps || maps.empty() {
		return r.add(a)
	}
	mapFile := a.Path + ".map"
	data, err := maps.marshal(path.Base(a.Path))
	if err != nil {
		return &EmitError{Path: mapFile, Err: err}
	}
	a.Data = append(bytes.Clone(a.Data), mappingComment(path.Base(mapFile), css)...)
	if err := r.add(a); err != nil {
		return err
	}
	return r.add(Artifact{Kind: ArtifactSourceMap, Path: mapFile, Data: data})
}

func (r *render) scripts() error {
	var runtime *chunk.Chunk
	for _, c := range r.plan.Chunks {
		if c.Kind != chunk.Script {
			continue
		}
		if c.Runtime {
			runtime = c
			continue
		}
		if len(c.Modules) == 0 && len(c.Exec) == 0 {
			continue
		}
		data, maps, err := r.renderChunk(c)
		if err != nil {
			return err
		}
		pattern := r.opts.FilenamePattern
		if c.Name == r.opts.Common {
			pattern = r.opts.ChunkFilenamePattern
		}
		filename := Filename(pattern, c.Name, ".js", Hash(data))
		if err := r.withMap(Artifact{Kind: ArtifactScript, Name: c.Name + ".js", Path: filename, Data: data}, maps, false); err != nil {
			return err
		}
		r.emitted[c.Name] = filename
	}
	if runtime == nil {
		return fmt.Errorf("plan has no runtime chunk")
	}
	data, err := r.renderRuntime()
	if err != nil {
		return err
	}
	filename := Filename(r.opts.FilenamePattern, runtime.Name, ".js", Hash(data))
	if err := r.add(Artifact{Kind: ArtifactScript, Name: runtime.Name + ".js", Path: filename, Data: data}); err != nil {
		return err
	}
	r.emitted[runtime.Name] = filename
	r.out.Scripts = r.loadOrder(runtime.Name)
	return nil
}

// loadOrder lists script URLs as they must appear in the page: chunks
// without an executable entry first, then the runtime, then entry chunks.
func (r *render) loadOrder(runtime string) []string {
	var shared, entries []string
	for _, c := range r.plan.Chunks {
		filename, ok := r.emitted[c.Name]
		if c.Kind != chunk.Script || c.Runtime || !ok {
			continue
		}
		if len(c.Exec) > 0 {
			entries = append(entries, r.url(filename))
		} else {
			shared = append(shared, r.url(filename))
		}
	}
	out := append(shared, r.url(r.emitted[runtime]))
	return append(out, entries...)
}

func (r *render) renderChunk(c *chunk.Chunk) ([]byte, *indexMap, error) {
	var b bytes.Buffer
	maps := &indexMap{}
	name, _ := json.Marshal(c.Name)
	fmt.Fprintf(&b, chunkHeader, name)
	line := 1
	for i, id := range c.Modules {
		n := r.g.Nodes[id]
		code := r.moduleCode(n)
		table, err := r.linkTable(n)
		if err != nil {
			return nil, nil, err
		}
		moduleID, _ := json.Marshal(n.Name)
		fmt.Fprintf(&b, moduleHeader, moduleID)
		line++
		if n.Kind == loader.KindScript {
			maps.addSection(line, n.Map)
		}
		code = bytes.TrimRight(code, "\n")
		b.Write(code)
		b.WriteString("\n}, " + table + "]")
		if i < len(c.Modules)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
		line += bytes.Count(code, []byte("\n")) + 2
	}
	var exec []string
	for _, id := range c.Exec {
		exec = append(exec, r.g.Nodes[id].Name)
	}
	execJSON, _ := json.Marshal(exec)
	if exec == nil {
		execJSON = []byte("[]")
	}
	fmt.Fprintf(&b, "}, %s]);\n", execJSON)
	return b.Bytes(), maps, nil
}

// moduleCode returns the factory body for n.
func (r *render) moduleCode(n *graph.Node) []byte {
	if n.Kind == loader.KindStylesheet {
		css, _ := json.Marshal(string(n.Code))
		return []byte(fmt.Sprintf(cssModuleTemplate, n.Name, css))
	}
	return n.Code
}

// linkTable renders the object mapping each specifier n imports to a module
// id, or to a function returning the value that stands in for it.
func (r *render) linkTable(n *graph.Node) (string, error) {
	if n.Kind != loader.KindScript {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, imp := range n.Imports {
		if i > 0 {
			b.WriteString(", ")
		}
		spec, _ := json.Marshal(imp.Specifier)
		b.Write(spec)
		b.WriteString(": ")
		if imp.External != "" {
			b.WriteString("function () { return (" + imp.External + "); }")
			continue
		}
		target := r.g.Nodes[imp.Target]
		if target == nil {
			return "", &EmitError{Path: string(n.ID), Err: fmt.Errorf("import %q is not in the graph", imp.Specifier)}
		}
		switch {
		case target.Kind == loader.KindStatic:
			url, _ := json.Marshal(r.assetURL[target.ID])
			b.WriteString("function () { return " + string(url) + "; }")
		case target.Kind == loader.KindStylesheet && r.plan.Owner[target.ID] == "":
			b.WriteString("function () { return {}; }")
		default:
			id, _ := json.Marshal(target.Name)
			b.Write(id)
		}
	}
	b.WriteByte('}')
	return b.String(), nil
}

func (r *render) renderRuntime() ([]byte, error) {
	deps := map[string][]string{}
	for _, c := range r.plan.Chunks {
		if c.Kind != chunk.Script || len(c.Exec) == 0 {
			continue
		}
		if _, ok := r.emitted[c.Name]; !ok {
			continue
		}
		needed := []string{}
		for _, name := range c.Requires {
			if _, ok := r.emitted[name]; ok {
				needed = append(needed, name)
			}
		}
		deps[c.Name] = needed
	}
	table, err := json.Marshal(deps)
	if err != nil {
		return nil, err
	}
	code := fmt.Sprintf(runtimeTemplate, table)
	if !r.opts.Minify {
		return []byte(code), nil
	}
	result := api.Transform(code, api.TransformOptions{
		Loader:            api.LoaderJS,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		LogLevel:          api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return nil, &EmitError{Path: "runtime", Err: fmt.Errorf("failed to minify runtime: %s", result.Errors[0].Text)}
	}
	return result.Code, nil
}

// Write puts every artifact under dir.
func Write(dir string, artifacts []Artifact) error {
	for _, a := range artifacts {
		target := filepath.Join(dir, filepath.FromSlash(a.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return &EmitError{Path: target, Err: err}
		}
		if err := os.WriteFile(target, a.Data, 0644); err != nil {
			return &EmitError{Path: target, Err: err}
		}
	}
	return nil
}

// EmitError reports a failure to render or write an output file.
type EmitError struct {
	Path string
	Err  error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("failed to emit %s: %v", e.Path, e.Err)
}

func (e *EmitError) Unwrap() error { return e.Err }
