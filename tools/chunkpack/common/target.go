package common

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// lastVersions is the engine set used for browserslist-style "last N
// versions" queries. esbuild has no browser database, so the query is pinned
// to a fixed snapshot rather than computed.
var lastVersions = []api.Engine{
	{Name: api.EngineChrome, Version: "120"},
	{Name: api.EngineEdge, Version: "120"},
	{Name: api.EngineFirefox, Version: "121"},
	{Name: api.EngineSafari, Version: "16"},
	{Name: api.EngineIOS, Version: "16"},
}

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"ios_saf": api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

var esTargets = map[string]api.Target{
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// Targets is the parsed form of a target environment list.
type Targets struct {
	Target  api.Target
	Engines []api.Engine
}

// String renders the targets canonically, for use in cache keys.
func (t Targets) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "target=%d", t.Target)
	for _, e := range t.Engines {
		fmt.Fprintf(&b, ";%d@%s", e.Name, e.Version)
	}
	return b.String()
}

// ParseTargets converts target environment strings into esbuild settings.
// Accepted forms:
//
//	"chrome 100", "safari 15.4"   engine + version
//	"es2017"                     language level
//	"last 2 versions", "defaults" pinned modern browser set
//
// An empty list targets esnext with no engine constraints.
func ParseTargets(envs []string) (Targets, error) {
	t := Targets{Target: api.ESNext}
	seen := map[api.EngineName]bool{}
	add := func(e api.Engine) {
		if seen[e.Name] {
			return
		}
		seen[e.Name] = true
		t.Engines = append(t.Engines, e)
	}

	for _, raw := range envs {
		env := strings.ToLower(strings.TrimSpace(raw))
		if env == "" {
			continue
		}
		if target, ok := esTargets[env]; ok {
			t.Target = target
			continue
		}
		if env == "defaults" || (strings.HasPrefix(env, "last ") && strings.HasSuffix(env, " versions")) {
			for _, e := range lastVersions {
				add(e)
			}
			continue
		}
		fields := strings.Fields(env)
		if len(fields) != 2 {
			return Targets{}, fmt.Errorf("unrecognised target environment %q", raw)
		}
		name, ok := engineNames[fields[0]]
		if !ok {
			return Targets{}, fmt.Errorf("unknown engine %q in target environment %q", fields[0], raw)
		}
		add(api.Engine{Name: name, Version: strings.TrimPrefix(fields[1], ">=")})
	}
	return t, nil
}
