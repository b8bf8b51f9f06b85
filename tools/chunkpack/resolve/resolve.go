// Package resolve maps import specifiers to files on disk.
//
// Relative and absolute specifiers are tried with each configured extension
// in priority order; bare specifiers are looked up in node_modules
// directories, walking up from the importer, then in configured module
// directories. Resolution never writes to the filesystem.
package resolve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tools/chunkpack/common"
)

// DefaultExtensions is the resolution order used when none is configured.
// The empty extension means "the specifier as written".
var DefaultExtensions = []string{"", ".js", ".jsx", ".css"}

// ErrNotFound is wrapped by UnresolvedImportError when no candidate exists.
var ErrNotFound = errors.New("no matching file")

// UnresolvedImportError reports a specifier that could not be mapped to a file.
type UnresolvedImportError struct {
	Specifier string
	Importer  string
	Err       error
}

func (e *UnresolvedImportError) Error() string {
	if e.Importer == "" {
		return fmt.Sprintf("cannot resolve %q: %v", e.Specifier, e.Err)
	}
	return fmt.Sprintf("cannot resolve %q from %s: %v", e.Specifier, e.Importer, e.Err)
}

func (e *UnresolvedImportError) Unwrap() error { return e.Err }

// Options configures a Resolver.
type Options struct {
	// Root is the project root. node_modules lookups stop here.
	Root string
	// Extensions in priority order. Defaults to DefaultExtensions.
	Extensions []string
	// Modules are extra package directories searched after node_modules.
	Modules []string
	// Alias maps a package name (or prefix) to a directory or file.
	Alias map[string]string
	// Externals maps package names to the global expression that provides them.
	Externals map[string]string
}

// Result is the outcome of resolving a specifier.
type Result struct {
	// Path is the canonical absolute path. Empty for externals.
	Path string
	// External is the global expression for an external package.
	External string
}

// Resolver resolves import specifiers. It is safe for concurrent use.
type Resolver struct {
	root       string
	extensions []string
	modules    []string
	alias      map[string]string
	externals  map[string]string
}

// New creates a Resolver from opts.
func New(opts Options) (*Resolver, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", opts.Root, err)
	}
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	r := &Resolver{
		root:       root,
		extensions: exts,
		alias:      opts.Alias,
		externals:  opts.Externals,
	}
	for _, m := range opts.Modules {
		if !filepath.IsAbs(m) {
			m = filepath.Join(root, m)
		}
		r.modules = append(r.modules, filepath.Clean(m))
	}
	return r, nil
}

// Root returns the canonical project root.
func (r *Resolver) Root() string { return r.root }

// Resolve maps spec, imported from a file in fromDir, to a module.
func (r *Resolver) Resolve(spec, fromDir string) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &UnresolvedImportError{Specifier: spec, Importer: fromDir, Err: err}
	}
	if spec == "" {
		return fail(errors.New("empty specifier"))
	}
	if common.IsRemoteURL(spec) {
		return fail(errors.New("remote URLs cannot be bundled"))
	}

	if !common.IsBareSpecifier(spec) {
		target := spec
		if !filepath.IsAbs(target) {
			target = filepath.Join(fromDir, filepath.FromSlash(spec))
		}
		path, ok := r.resolvePath(target)
		if !ok {
			return fail(ErrNotFound)
		}
		return r.canonical(path)
	}

	if global, ok := r.externals[spec]; ok {
		return Result{External: global}, nil
	}

	if name, rest, ok := common.MatchAlias(spec, r.alias); ok {
		target := r.alias[name]
		if !filepath.IsAbs(target) {
			target = filepath.Join(r.root, target)
		}
		if rest != "" {
			target = filepath.Join(target, filepath.FromSlash(rest))
		}
		if path, ok := r.resolvePath(target); ok {
			return r.canonical(path)
		}
		return fail(fmt.Errorf("alias %q points to %s: %w", name, target, ErrNotFound))
	}

	pkgName := common.PackageNameFromSpec(spec)
	subpath := strings.TrimPrefix(strings.TrimPrefix(spec, pkgName), "/")
	for _, dir := range r.packageDirs(fromDir) {
		pkgDir := filepath.Join(dir, filepath.FromSlash(pkgName))
		info, err := os.Stat(pkgDir)
		if err != nil || !info.IsDir() {
			continue
		}
		if path, ok := r.resolvePackage(pkgDir, subpath); ok {
			return r.canonical(path)
		}
	}
	return fail(fmt.Errorf("package %q not found", pkgName))
}

// ResolveFile resolves a path (absolute or relative to the root) the same way
// a relative import would be. It is used for entry points.
func (r *Resolver) ResolveFile(path string) (string, error) {
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.root, target)
	}
	resolved, ok := r.resolvePath(target)
	if !ok {
		return "", &UnresolvedImportError{Specifier: path, Err: ErrNotFound}
	}
	res, err := r.canonical(resolved)
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

// Rel returns a slash-separated path of abs relative to the root. It is the
// stable identifier used inside bundles.
func (r *Resolver) Rel(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// packageDirs lists the node_modules directories visible from dir, nearest
// first, followed by the configured module directories.
func (r *Resolver) packageDirs(dir string) []string {
	var dirs []string
	seen := map[string]bool{}
	add := func(d string) {
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	for cur := filepath.Clean(dir); ; {
		if filepath.Base(cur) != "node_modules" {
			add(filepath.Join(cur, "node_modules"))
		}
		if cur == r.root || !strings.HasPrefix(cur, r.root+string(filepath.Separator)) {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	add(filepath.Join(r.root, "node_modules"))
	for _, m := range r.modules {
		add(m)
	}
	return dirs
}

// resolvePackage resolves the entry point of a package directory for the
// given subpath ("" for the package root).
func (r *Resolver) resolvePackage(pkgDir, subpath string) (string, bool) {
	exportPath := "."
	if subpath != "" {
		exportPath = "./" + subpath
	}
	if entry := common.ResolvePackageEntry(pkgDir, exportPath); entry != "" {
		if path, ok := r.resolvePath(entry); ok {
			return path, true
		}
	}
	if subpath == "" {
		return r.resolveDir(pkgDir)
	}
	return r.resolvePath(filepath.Join(pkgDir, filepath.FromSlash(subpath)))
}

// resolvePath tries target with each extension in priority order, then as a
// directory.
func (r *Resolver) resolvePath(target string) (string, bool) {
	for _, ext := range r.extensions {
		candidate := target + ext
		if isFile(candidate) {
			return candidate, true
		}
	}
	if isDir(target) {
		return r.resolveDir(target)
	}
	return "", false
}

// resolveDir resolves a directory through its package.json main field, then
// index + extension.
func (r *Resolver) resolveDir(dir string) (string, bool) {
	if main := common.PackageMain(dir); main != "" {
		target := filepath.Join(dir, main)
		for _, ext := range r.extensions {
			if isFile(target + ext) {
				return target + ext, true
			}
		}
		if isDir(target) && target != dir {
			if path, ok := r.resolveIndex(target); ok {
				return path, true
			}
		}
	}
	return r.resolveIndex(dir)
}

func (r *Resolver) resolveIndex(dir string) (string, bool) {
	for _, ext := range r.extensions {
		if ext == "" {
			continue
		}
		candidate := filepath.Join(dir, "index"+ext)
		if isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// canonical returns the symlink-free absolute path so that two specifiers
// naming the same physical file share one identity.
func (r *Resolver) canonical(path string) (Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return Result{Path: abs}, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
