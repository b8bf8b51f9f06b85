// Package config loads chunkpack.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"tools/chunkpack/common"
	"tools/chunkpack/loader"
)

// Plugin names, listed in the order they run.
const (
	PluginClean        = "clean"
	PluginCopyStatic   = "copyStatic"
	PluginInjectHTML   = "injectHTML"
	PluginExtractStyle = "extractStyle"
	PluginSplitChunks  = "splitChunks"
	PluginDefineEnv    = "defineEnv"
	PluginMinify       = "minify"
)

// KnownPlugins is the closed plugin set.
var KnownPlugins = []string{
	PluginClean,
	PluginCopyStatic,
	PluginInjectHTML,
	PluginExtractStyle,
	PluginSplitChunks,
	PluginDefineEnv,
	PluginMinify,
}

// VendorEntry is the entry name given to vendorPackageNames.
const VendorEntry = "vendor"

// Error reports an invalid configuration value.
type Error struct {
	Path  string
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("invalid config %s: %s: %v", e.Path, e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Entry is a named root of the module graph. Exactly one of Path and
// Packages is set; a package list is an aggregate entry.
type Entry struct {
	Name     string
	Path     string
	Packages []string
}

// Aggregate reports whether the entry is a package list.
func (e Entry) Aggregate() bool { return e.Path == "" }

// LoaderRule is the YAML form of a loader rule.
type LoaderRule struct {
	Test       string   `yaml:"test"`
	Include    []string `yaml:"include"`
	Kind       string   `yaml:"kind"`
	Transforms []string `yaml:"transforms"`
}

// Config is the full build configuration.
type Config struct {
	// Context is the project root. Relative paths are resolved against it.
	Context    string    `yaml:"context"`
	Entries    []Entry   `yaml:"-"`
	RawEntries yaml.Node `yaml:"entries"`

	Extensions []string          `yaml:"extensions"`
	Alias      map[string]string `yaml:"alias"`
	Modules    []string          `yaml:"modules"`
	Externals  map[string]string `yaml:"externals"`

	OutputPath           string `yaml:"outputPath"`
	PublicPath           string `yaml:"publicPath"`
	FilenamePattern      string `yaml:"filenamePattern"`
	ChunkFilenamePattern string `yaml:"chunkFilenamePattern"`
	CSSFilenamePattern   string `yaml:"cssFilenamePattern"`
	AssetFilenamePattern string `yaml:"assetFilenamePattern"`

	LoaderRules        []LoaderRule `yaml:"loaderRules"`
	CSSTransformChain  []string     `yaml:"cssTransformChain"`
	TargetEnvironments []string     `yaml:"targetEnvironments"`

	VendorPackageNames    []string `yaml:"vendorPackageNames"`
	VendorFromPackageJSON bool     `yaml:"vendorFromPackageJSON"`

	Define  map[string]string `yaml:"define"`
	EnvFile string            `yaml:"envFile"`
	Mode    string            `yaml:"mode"`

	Minify      bool `yaml:"minify"`
	SourceMaps  bool `yaml:"sourceMaps"`
	CommonChunk bool `yaml:"commonChunk"`

	StaticDir    string   `yaml:"staticDir"`
	StaticIgnore []string `yaml:"staticIgnore"`

	Template           string `yaml:"template"`
	Inject             string `yaml:"inject"`
	CollapseWhitespace bool   `yaml:"collapseWhitespace"`
	RemoveComments     bool   `yaml:"removeComments"`

	ManifestFile   string   `yaml:"manifestFile"`
	CacheDirectory string   `yaml:"cacheDirectory"`
	Concurrency    int      `yaml:"concurrency"`
	Plugins        []string `yaml:"plugins"`

	path string
}

// DefaultConfig returns the defaults applied before a file is read.
func DefaultConfig() *Config {
	return &Config{
		OutputPath:           "dist",
		PublicPath:           "/",
		FilenamePattern:      "[name].[chunkhash].js",
		ChunkFilenamePattern: "[name].[chunkhash].js",
		CSSFilenamePattern:   "[name].[contenthash].css",
		AssetFilenamePattern: "[name].[hash:8][ext]",
		CSSTransformChain:    loader.DefaultCSSChain,
		Mode:                 "production",
		Inject:               "body",
		StaticIgnore:         []string{".DS_Store"},
		Plugins: []string{
			PluginClean,
			PluginCopyStatic,
			PluginInjectHTML,
			PluginExtractStyle,
			PluginSplitChunks,
			PluginDefineEnv,
		},
	}
}

// DefaultLoaderRules is used when the file declares none.
var DefaultLoaderRules = []LoaderRule{
	{Test: `\.(js|jsx|mjs|ts|tsx)$`, Kind: "script", Transforms: []string{loader.StageLower}},
	{Test: `\.css$`, Kind: "stylesheet", Transforms: []string{loader.StageCSS}},
	{Test: `\.json$`, Kind: "json"},
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return Parse(path, data)
}

// Parse decodes configuration bytes. path is used for error messages and to
// default the context directory.
func Parse(path string, data []byte) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	if err := cfg.parseEntries(); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.addVendorEntry(); err != nil {
		return nil, err
	}
	if len(cfg.LoaderRules) == 0 {
		cfg.LoaderRules = DefaultLoaderRules
	}
	return cfg, cfg.Validate()
}

// parseEntries walks the entries mapping so declaration order is kept.
func (c *Config) parseEntries() error {
	node := &c.RawEntries
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return c.errorf("entries", "must be a mapping of name to path or package list")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		value := node.Content[i+1]
		entry := Entry{Name: name}
		switch value.Kind {
		case yaml.ScalarNode:
			entry.Path = value.Value
		case yaml.SequenceNode:
			if err := value.Decode(&entry.Packages); err != nil {
				return c.errorf("entries."+name, "%v", err)
			}
			if len(entry.Packages) == 0 {
				return c.errorf("entries."+name, "package list is empty")
			}
		default:
			return c.errorf("entries."+name, "must be a path or a list of packages")
		}
		c.Entries = append(c.Entries, entry)
	}
	return nil
}

func (c *Config) resolvePaths() error {
	base := filepath.Dir(c.path)
	if c.Context == "" {
		c.Context = base
	} else if !filepath.IsAbs(c.Context) {
		c.Context = filepath.Join(base, c.Context)
	}
	abs, err := filepath.Abs(c.Context)
	if err != nil {
		return c.errorf("context", "%v", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	c.Context = abs
	for _, p := range []*string{&c.OutputPath, &c.StaticDir, &c.Template, &c.CacheDirectory} {
		*p = c.Abs(*p)
	}
	for i := range c.LoaderRules {
		for j, dir := range c.LoaderRules[i].Include {
			c.LoaderRules[i].Include[j] = c.Abs(dir)
		}
	}
	return nil
}

// addVendorEntry appends the vendor aggregate entry from vendorPackageNames
// or package.json dependencies when no entry of that name is declared.
func (c *Config) addVendorEntry() error {
	names := c.VendorPackageNames
	if c.VendorFromPackageJSON {
		deps, err := common.ReadDependencies(filepath.Join(c.Context, "package.json"))
		if err != nil {
			return c.errorf("vendorFromPackageJSON", "%v", err)
		}
		names = append(slices.Clone(names), deps...)
	}
	if len(names) == 0 {
		return nil
	}
	if slices.ContainsFunc(c.Entries, func(e Entry) bool { return e.Name == VendorEntry }) {
		return c.errorf("vendorPackageNames", "entry %q is already declared", VendorEntry)
	}
	slices.Sort(names)
	c.Entries = append(c.Entries, Entry{Name: VendorEntry, Packages: slices.Compact(names)})
	return nil
}

// Abs resolves p against the context directory. Empty stays empty.
func (c *Config) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Context, p)
}

var hashRe = regexp.MustCompile(`\[(hash|chunkhash|contenthash)(:\d+)?\]`)

// Validate checks the configuration for values the build cannot use.
func (c *Config) Validate() error {
	if len(c.Entries) == 0 {
		return c.errorf("entries", "at least one entry is required")
	}
	seen := map[string]bool{}
	for _, e := range c.Entries {
		if e.Name == "" {
			return c.errorf("entries", "entry name is empty")
		}
		if seen[e.Name] {
			return c.errorf("entries", "duplicate entry %q", e.Name)
		}
		seen[e.Name] = true
	}
	if c.OutputPath == "" {
		return c.errorf("outputPath", "is required")
	}
	named := map[string]string{
		"filenamePattern":    c.FilenamePattern,
		"cssFilenamePattern": c.CSSFilenamePattern,
	}
	for _, field := range common.SortedKeys(named) {
		if !strings.Contains(named[field], "[name]") {
			return c.errorf(field, "%q must contain [name]", named[field])
		}
	}
	// Shared chunks and assets may be told apart by their hash alone.
	unique := map[string]string{
		"chunkFilenamePattern": c.ChunkFilenamePattern,
		"assetFilenamePattern": c.AssetFilenamePattern,
	}
	for _, field := range common.SortedKeys(unique) {
		if !strings.Contains(unique[field], "[name]") && !hashRe.MatchString(unique[field]) {
			return c.errorf(field, "%q must contain [name] or a hash", unique[field])
		}
	}
	switch c.Inject {
	case "body", "head":
	default:
		return c.errorf("inject", "unsupported value %q (use body or head)", c.Inject)
	}
	if c.Concurrency < 0 {
		return c.errorf("concurrency", "must not be negative")
	}
	for _, p := range c.Plugins {
		if !slices.Contains(KnownPlugins, p) {
			return c.errorf("plugins", "unknown plugin %q", p)
		}
	}
	if _, err := common.ParseTargets(c.TargetEnvironments); err != nil {
		return c.errorf("targetEnvironments", "%v", err)
	}
	if _, err := c.Rules(); err != nil {
		return err
	}
	return nil
}

// Rules compiles the loader rules.
func (c *Config) Rules() ([]loader.Rule, error) {
	rules := make([]loader.Rule, 0, len(c.LoaderRules))
	for i, r := range c.LoaderRules {
		field := fmt.Sprintf("loaderRules[%d]", i)
		if r.Test == "" {
			return nil, c.errorf(field, "test is required")
		}
		re, err := regexp.Compile(r.Test)
		if err != nil {
			return nil, c.errorf(field, "%v", err)
		}
		kind := loader.DefaultKind("x" + extensionHint(r.Test))
		if r.Kind != "" {
			if kind, err = loader.ParseKind(r.Kind); err != nil {
				return nil, c.errorf(field, "%v", err)
			}
		}
		rules = append(rules, loader.Rule{Test: re, Include: r.Include, Kind: kind, Transforms: r.Transforms})
	}
	return rules, nil
}

// extensionHint guesses the extension a simple test pattern like `\.css$`
// targets, so a rule without an explicit kind gets a sensible one.
func extensionHint(test string) string {
	ext := strings.TrimSuffix(strings.TrimPrefix(test, `\`), "$")
	if strings.HasPrefix(ext, ".") && !strings.ContainsAny(ext, `()|[]?*+\`) {
		return ext
	}
	return ".js"
}

// HasPlugin reports whether name is enabled.
func (c *Config) HasPlugin(name string) bool {
	if name == PluginMinify && c.Minify {
		return true
	}
	return slices.Contains(c.Plugins, name)
}

// EnvDefines returns the compile-time constants: the define map, the .env
// cascade (when envFile is set) and process.env.NODE_ENV from the mode.
func (c *Config) EnvDefines() (map[string]string, error) {
	defines := map[string]string{}
	if c.EnvFile != "" {
		env, err := common.LoadEnvFiles(c.Abs(c.EnvFile), c.Mode, "")
		if err != nil {
			return nil, c.errorf("envFile", "%v", err)
		}
		for k, v := range env {
			defines[k] = v
		}
	}
	for k, v := range c.Define {
		defines[k] = common.DefineValue(v)
	}
	common.EnvDefines(defines, c.Mode)
	return defines, nil
}

// Overrides are command-line values that take precedence over the file.
type Overrides struct {
	OutputPath  string
	Minify      bool
	SourceMaps  bool
	Concurrency int
	NoCache     bool
	Define      map[string]string
}

// Apply merges o into c.
func (c *Config) Apply(o Overrides) {
	if o.OutputPath != "" {
		abs, err := filepath.Abs(o.OutputPath)
		if err == nil {
			c.OutputPath = abs
		}
	}
	if o.Minify {
		c.Minify = true
	}
	if o.SourceMaps {
		c.SourceMaps = true
	}
	if o.Concurrency > 0 {
		c.Concurrency = o.Concurrency
	}
	if o.NoCache {
		c.CacheDirectory = ""
	}
	if len(o.Define) > 0 && c.Define == nil {
		c.Define = map[string]string{}
	}
	for k, v := range o.Define {
		c.Define[k] = v
	}
}

func (c *Config) errorf(field, format string, args ...any) error {
	return &Error{Path: c.path, Field: field, Err: fmt.Errorf(format, args...)}
}

// ErrNoConfig is returned by Find when no config file exists.
var ErrNoConfig = errors.New("no chunkpack.yaml found")

// Find returns path if set, otherwise chunkpack.yaml in the working directory.
func Find(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	for _, name := range []string{"chunkpack.yaml", "chunkpack.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", ErrNoConfig
}
