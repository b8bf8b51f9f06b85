package common

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Loaders maps file extensions to esbuild loaders.
var Loaders = map[string]api.Loader{
	".js":   api.LoaderJS,
	".jsx":  api.LoaderJSX,
	".ts":   api.LoaderTS,
	".tsx":  api.LoaderTSX,
	".mjs":  api.LoaderJS,
	".cjs":  api.LoaderJS,
	".json": api.LoaderJSON,
	".css":  api.LoaderCSS,
}

// LoaderFor returns the esbuild loader for a given file path, defaulting to JS.
func LoaderFor(path string) api.Loader {
	if loader, ok := Loaders[strings.ToLower(filepath.Ext(path))]; ok {
		return loader
	}
	return api.LoaderJS
}

// ParseDefines converts "key=value" pairs into an esbuild define map.
// Values that are not valid JSON are quoted, so `--define FOO=bar` becomes
// the string literal "bar" while `--define DEBUG=false` stays a boolean.
func ParseDefines(defs []string) map[string]string {
	out := make(map[string]string, len(defs))
	for _, d := range defs {
		parts := strings.SplitN(d, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = DefineValue(strings.TrimSpace(parts[1]))
	}
	return out
}

// DefineValue returns value unchanged if it is already a JSON literal,
// otherwise it returns it JSON-quoted.
func DefineValue(value string) string {
	if json.Valid([]byte(value)) {
		return value
	}
	quoted, _ := json.Marshal(value)
	return string(quoted)
}

// SortedKeys returns the keys of m in sorted order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MatchAlias finds the longest alias name that equals spec or is a path
// prefix of it ("react" matches "react/jsx-runtime" but not "react-dom").
// It returns the alias name and the remaining subpath ("" for an exact match).
func MatchAlias(spec string, aliases map[string]string) (name, rest string, ok bool) {
	for alias := range aliases {
		if spec == alias || strings.HasPrefix(spec, alias+"/") {
			if len(alias) > len(name) {
				name = alias
			}
		}
	}
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimPrefix(strings.TrimPrefix(spec, name), "/"), true
}

// PackageNameFromSpec extracts the npm package name from an import specifier.
// "react" → "react", "react-dom/client" → "react-dom",
// "@scope/pkg" → "@scope/pkg", "@scope/pkg/sub" → "@scope/pkg".
func PackageNameFromSpec(spec string) string {
	if strings.HasPrefix(spec, "@") {
		parts := strings.SplitN(spec, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return spec
	}
	parts := strings.SplitN(spec, "/", 2)
	return parts[0]
}

// IsBareSpecifier reports whether spec names a package rather than a path.
func IsBareSpecifier(spec string) bool {
	if spec == "" {
		return false
	}
	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || spec == "." || spec == ".." {
		return false
	}
	return !filepath.IsAbs(spec) && !strings.HasPrefix(spec, "/")
}

// IsRemoteURL reports whether spec is a protocol or protocol-relative URL
// that cannot be resolved on disk.
func IsRemoteURL(spec string) bool {
	for _, prefix := range []string{"http://", "https://", "//", "data:"} {
		if strings.HasPrefix(spec, prefix) {
			return true
		}
	}
	return false
}
