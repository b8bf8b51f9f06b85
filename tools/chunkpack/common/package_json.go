package common

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// exportValue represents a node in the package.json exports tree.
// Each node is either a string path (leaf), a list of fallbacks, or a map of
// condition/subpath keys to child nodes (branch). Custom UnmarshalJSON handles
// the polymorphism.
type exportValue struct {
	Path string
	List []*exportValue
	Map  map[string]*exportValue
}

func (v *exportValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Path = s
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		for _, raw := range list {
			child := &exportValue{}
			if err := json.Unmarshal(raw, child); err != nil {
				return err
			}
			v.List = append(v.List, child)
		}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	v.Map = make(map[string]*exportValue, len(m))
	for k, raw := range m {
		child := &exportValue{}
		if err := json.Unmarshal(raw, child); err != nil {
			return err
		}
		v.Map[k] = child
	}
	return nil
}

// packageJSON holds the fields we need for module resolution and vendor
// discovery.
type packageJSON struct {
	Exports      *exportValue      `json:"exports"`
	Module       string            `json:"module"`
	Main         string            `json:"main"`
	Dependencies map[string]string `json:"dependencies"`
}

func readPackageJSON(path string) (*packageJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &pkg, nil
}

// ReadDependencies returns the sorted names of the "dependencies" of a
// package.json file. These are the packages that make up the vendor entry.
func ReadDependencies(path string) ([]string, error) {
	pkg, err := readPackageJSON(path)
	if err != nil {
		return nil, err
	}
	return SortedKeys(pkg.Dependencies), nil
}

// PackageMain returns the "main" field of the package.json in dir, or "" when
// there is none.
func PackageMain(dir string) string {
	pkg, err := readPackageJSON(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	return pkg.Main
}

// ResolvePackageEntry reads a package's package.json and resolves the entry
// point for the given subpath (e.g. "." or "./client"). It tries the exports
// field first, then falls back to module/main fields for the root subpath.
// The returned path may lack an extension; callers complete it.
func ResolvePackageEntry(pkgDir, subpath string) string {
	pkg, err := readPackageJSON(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return ""
	}

	if pkg.Exports != nil {
		if result := matchExports(pkg.Exports, subpath); result != "" {
			return filepath.Join(pkgDir, result)
		}
	}

	if subpath == "." {
		for _, val := range []string{pkg.Module, pkg.Main} {
			if val != "" {
				return filepath.Join(pkgDir, val)
			}
		}
	}
	return ""
}

// matchExports resolves a subpath against a package.json exports field.
// The exports field can be:
//   - A string: "exports": "./index.js"
//   - A conditions object (no "." keys): "exports": {"import": "...", "default": "..."}
//   - A subpath map ("." keys): "exports": {".": {...}, "./client": {...}}
//   - Wildcard subpaths: "exports": {"./lib/*": "./dist/lib/*.js"}
func matchExports(exports *exportValue, subpath string) string {
	if exports.Path != "" || exports.List != nil {
		if subpath == "." {
			return resolveCondition(exports)
		}
		return ""
	}
	if exports.Map == nil {
		return ""
	}

	isSubpathMap := false
	for key := range exports.Map {
		if strings.HasPrefix(key, ".") {
			isSubpathMap = true
			break
		}
	}

	if !isSubpathMap {
		if subpath == "." {
			return resolveCondition(exports)
		}
		return ""
	}

	if entry, ok := exports.Map[subpath]; ok {
		return resolveCondition(entry)
	}

	// Longest wildcard prefix wins.
	bestKey, bestStar := "", ""
	for key := range exports.Map {
		star := strings.Index(key, "*")
		if star < 0 {
			continue
		}
		prefix, suffix := key[:star], key[star+1:]
		if strings.HasPrefix(subpath, prefix) && strings.HasSuffix(subpath, suffix) && len(subpath) >= len(prefix)+len(suffix) {
			if len(prefix) > len(bestKey) {
				bestKey = key
				bestStar = subpath[len(prefix) : len(subpath)-len(suffix)]
			}
		}
	}
	if bestKey == "" {
		return ""
	}
	target := resolveCondition(exports.Map[bestKey])
	return strings.ReplaceAll(target, "*", bestStar)
}

// conditionOrder is the priority of export conditions for browser bundles.
var conditionOrder = []string{"browser", "module", "import", "require", "default"}

// resolveCondition recursively resolves a condition value from an exports entry.
func resolveCondition(value *exportValue) string {
	if value.Path != "" {
		return value.Path
	}
	for _, alt := range value.List {
		if result := resolveCondition(alt); result != "" {
			return result
		}
	}
	if value.Map == nil {
		return ""
	}
	for _, key := range conditionOrder {
		if entry, ok := value.Map[key]; ok {
			if result := resolveCondition(entry); result != "" {
				return result
			}
		}
	}
	return ""
}
