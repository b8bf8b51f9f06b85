package graph

import (
	"encoding/json"
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
)

// metafileData holds the parts of esbuild's metafile that list imports.
type metafileData struct {
	Inputs map[string]struct {
		Imports []struct {
			Path string `json:"path"`
			Kind string `json:"kind"`
		} `json:"imports"`
	} `json:"inputs"`
}

// externalPlugin marks every import external under its own specifier, so the
// metafile records what the module asked for without touching the disk.
var externalPlugin = api.Plugin{
	Name: "external-specifiers",
	Setup: func(build api.PluginBuild) {
		build.OnResolve(api.OnResolveOptions{Filter: ".*"},
			func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{Path: args.Path, External: true}, nil
			})
	},
}

// ScanRequires parses code with esbuild and returns the distinct specifiers
// it loads through require() or import, in source order. Calls with
// non-literal arguments and text inside strings or comments are not imports.
func ScanRequires(path string, code []byte) ([]string, error) {
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   string(code),
			Sourcefile: path,
			Loader:     api.LoaderJS,
		},
		Bundle:   true,
		Write:    false,
		Metafile: true,
		LogLevel: api.LogLevelSilent,
		Plugins:  []api.Plugin{externalPlugin},
	})
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("failed to scan imports: %s", result.Errors[0].Text)
	}
	var meta metafileData
	if err := json.Unmarshal([]byte(result.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metafile: %w", err)
	}

	// Every import is external, so the module is the only input.
	var specs []string
	seen := map[string]bool{}
	for _, input := range meta.Inputs {
		for _, imp := range input.Imports {
			switch imp.Kind {
			case "require-call", "import-statement", "dynamic-import":
			default:
				continue
			}
			if seen[imp.Path] {
				continue
			}
			seen[imp.Path] = true
			specs = append(specs, imp.Path)
		}
	}
	return specs, nil
}
