package bundle

import (
	"log/slog"

	"tools/chunkpack/chunk"
	"tools/chunkpack/common"
	"tools/chunkpack/config"
	"tools/chunkpack/html"
	"tools/chunkpack/output"
)

// CommonChunk is the name of the chunk holding modules shared by entries.
const CommonChunk = "common"

// Context carries the build settings plugins adjust.
type Context struct {
	Config *config.Config
	Logger *slog.Logger

	// Clean empties the output directory before writing.
	Clean bool
	// StaticDir is copied into the output directory when set.
	StaticDir    string
	StaticIgnore []string
	// HTML is nil when no document is generated.
	HTML   *html.Options
	Policy chunk.Policy
	Define map[string]string
	Minify bool
}

// Plugin adjusts the build. The set is closed: see Plugins.
type Plugin interface {
	Name() string
	Apply(c *Context) error
}

// Clean removes stale output before writing.
type Clean struct{}

// CopyStatic copies the static directory into the output.
type CopyStatic struct{}

// InjectHTML writes index.html referencing the emitted chunks.
type InjectHTML struct{}

// ExtractStyle moves stylesheets into per-entry style chunks.
type ExtractStyle struct{}

// SplitChunks gives aggregate entries and the common chunk their modules.
type SplitChunks struct{}

// DefineEnv adds the .env cascade and process.env.NODE_ENV to the defines.
type DefineEnv struct{}

// Minify compresses scripts and stylesheets.
type Minify struct{}

func (Clean) Name() string        { return config.PluginClean }
func (CopyStatic) Name() string   { return config.PluginCopyStatic }
func (InjectHTML) Name() string   { return config.PluginInjectHTML }
func (ExtractStyle) Name() string { return config.PluginExtractStyle }
func (SplitChunks) Name() string  { return config.PluginSplitChunks }
func (DefineEnv) Name() string    { return config.PluginDefineEnv }
func (Minify) Name() string       { return config.PluginMinify }

func (Clean) Apply(c *Context) error {
	c.Clean = true
	return nil
}

func (CopyStatic) Apply(c *Context) error {
	if c.Config.StaticDir == "" {
		c.Logger.Debug("no static directory configured")
		return nil
	}
	c.StaticDir = c.Config.StaticDir
	c.StaticIgnore = c.Config.StaticIgnore
	if c.StaticIgnore == nil {
		c.StaticIgnore = output.DefaultIgnore
	}
	return nil
}

func (InjectHTML) Apply(c *Context) error {
	c.HTML = &html.Options{
		Path:               c.Config.Template,
		Inject:             c.Config.Inject,
		CollapseWhitespace: c.Config.CollapseWhitespace,
		RemoveComments:     c.Config.RemoveComments,
	}
	return nil
}

func (ExtractStyle) Apply(c *Context) error {
	c.Policy.ExtractStyle = true
	return nil
}

func (SplitChunks) Apply(c *Context) error {
	c.Policy.Split = true
	if c.Config.CommonChunk {
		c.Policy.Common = CommonChunk
	}
	return nil
}

func (DefineEnv) Apply(c *Context) error {
	defines, err := c.Config.EnvDefines()
	if err != nil {
		return err
	}
	c.Define = defines
	return nil
}

func (Minify) Apply(c *Context) error {
	c.Minify = true
	return nil
}

// allPlugins is the closed plugin set in the order plugins run.
var allPlugins = []Plugin{Clean{}, CopyStatic{}, InjectHTML{}, ExtractStyle{}, SplitChunks{}, DefineEnv{}, Minify{}}

// Plugins returns the plugins cfg enables, in run order regardless of the
// order they are listed in.
func Plugins(cfg *config.Config) []Plugin {
	var out []Plugin
	for _, p := range allPlugins {
		if cfg.HasPlugin(p.Name()) {
			out = append(out, p)
		}
	}
	return out
}

// NewContext builds the context for cfg and applies its plugins. Without
// DefineEnv only the configured define map is substituted.
func NewContext(cfg *config.Config, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Context{
		Config: cfg,
		Logger: logger,
		Policy: chunk.Policy{Runtime: chunk.DefaultRuntime},
		Define: map[string]string{},
	}
	for k, v := range cfg.Define {
		c.Define[k] = common.DefineValue(v)
	}
	for _, p := range Plugins(cfg) {
		if err := p.Apply(c); err != nil {
			return nil, err
		}
		logger.Debug("applied plugin", "plugin", p.Name())
	}
	return c, nil
}
