// Package manifest handles versa.toml configuration.
package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
)

// FileName is the configuration file Load and FindAndLoad look for.
const FileName = "versa.toml"

//go:embed schema.cue
var schemaSource string

// Config represents a versa.toml configuration.
type Config struct {
	JIT    JIT    `toml:"jit" json:"jit"`
	Server Server `toml:"server" json:"server"`
	Log    Log    `toml:"log" json:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-" json:"-"`
}

// JIT configures the compiler.
type JIT struct {
	Enabled       bool   `toml:"enabled" json:"enabled"`
	CallThreshold int    `toml:"call-threshold" json:"call-threshold"`
	MaxVersions   int    `toml:"max-versions" json:"max-versions"`
	InlineSize    int    `toml:"inline-size" json:"inline-size"`
	OutlinedSize  int    `toml:"outlined-size" json:"outlined-size"`
	VerifyContext bool   `toml:"verify-context" json:"verify-context"`
	Stats         bool   `toml:"stats" json:"stats"`
	Journal       string `toml:"journal" json:"journal"`
}

// Server configures the introspection service.
type Server struct {
	Address     string `toml:"address" json:"address"`
	GRPCAddress string `toml:"grpc-address" json:"grpc-address"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Defaults
const (
	DefaultCallThreshold = 30
	DefaultMaxVersions   = 4
	DefaultRegionSize    = 1 << 16
	DefaultAddress       = "localhost:4568"
)

// Default returns the configuration used when no versa.toml exists.
func Default() *Config {
	c := &Config{}
	c.JIT.Enabled = true
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.JIT.CallThreshold == 0 {
		c.JIT.CallThreshold = DefaultCallThreshold
	}
	if c.JIT.MaxVersions == 0 {
		c.JIT.MaxVersions = DefaultMaxVersions
	}
	if c.JIT.InlineSize == 0 {
		c.JIT.InlineSize = DefaultRegionSize
	}
	if c.JIT.OutlinedSize == 0 {
		c.JIT.OutlinedSize = DefaultRegionSize
	}
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
}

// Load parses the versa.toml file in dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes configuration text, applies defaults and validates the
// result.
func Parse(text string) (*Config, error) {
	var c Config
	md, err := toml.Decode(text, &c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}
	// The JIT is on unless the file turns it off.
	if !md.IsDefined("jit", "enabled") {
		c.JIT.Enabled = true
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a versa.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks c against the embedded schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
