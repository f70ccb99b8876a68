package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	Dev   DevConfig   `yaml:"dev"   json:"dev"`
	Build BuildConfig `yaml:"build" json:"build"`
}

// DevConfig controls the development server.
type DevConfig struct {
	Env                map[string]string       `yaml:"env"                json:"env"`
	Host               string                  `yaml:"host"               json:"host"`
	Port               int                     `yaml:"port"               json:"port"`
	AssetsSubDirectory string                  `yaml:"assetsSubDirectory" json:"assetsSubDirectory"`
	AssetsPublicPath   string                  `yaml:"assetsPublicPath"   json:"assetsPublicPath"`
	StaticDir          string                  `yaml:"staticDir"          json:"staticDir"`
	Index              string                  `yaml:"index"              json:"index"`
	ProxyTable         map[string]ProxyOptions `yaml:"proxyTable"         json:"proxyTable"`
}

// BuildConfig controls the bundler.
type BuildConfig struct {
	Env        map[string]string `yaml:"env"        json:"env"`
	Entry      []string          `yaml:"entry"      json:"entry"`
	Template   string            `yaml:"template"   json:"template"`
	Outdir     string            `yaml:"outdir"     json:"outdir"`
	PublicPath string            `yaml:"publicPath" json:"publicPath"`
	SourceMap  bool              `yaml:"sourceMap"  json:"sourceMap"`
	Target     string            `yaml:"target"     json:"target"`
}

// ProxyOptions configures one proxy table entry. In YAML an entry may be a
// plain target URL string instead of a mapping.
type ProxyOptions struct {
	Target       string            `yaml:"target"       json:"target"`
	ChangeOrigin bool              `yaml:"changeOrigin" json:"changeOrigin"`
	WS           *bool             `yaml:"ws"           json:"ws,omitempty"`
	PathRewrite  map[string]string `yaml:"pathRewrite"  json:"pathRewrite"`
	Filter       []string          `yaml:"filter"       json:"filter"`
	Headers      map[string]string `yaml:"headers"      json:"headers"`
}

// UnmarshalYAML accepts either a scalar target or a full mapping.
func (p *ProxyOptions) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var target string
		if err := node.Decode(&target); err != nil {
			return err
		}
		*p = ProxyOptions{Target: target}
		return nil
	case yaml.MappingNode:
		type plain ProxyOptions
		var out plain
		if err := node.Decode(&out); err != nil {
			return err
		}
		*p = ProxyOptions(out)
		return nil
	default:
		return fmt.Errorf("line %d: proxy entry must be a string or a mapping", node.Line)
	}
}

// WebSocketsEnabled reports whether upgrade requests may pass the proxy.
// Unset means enabled.
func (p ProxyOptions) WebSocketsEnabled() bool {
	return p.WS == nil || *p.WS
}

// Defaults.
const (
	DefaultHost               = "localhost"
	DefaultPort               = 8080
	DefaultAssetsSubDirectory = "static"
	DefaultAssetsPublicPath   = "/"
	DefaultStaticDir          = "static"
	DefaultIndex              = "/index.html"
	DefaultTemplate           = "index.html"
	DefaultOutdir             = "dist"
	DefaultPublicPath         = "/"
	DefaultTarget             = "es2017"
)

func (c *Config) applyDefaults() {
	if c.Dev.Host == "" {
		c.Dev.Host = DefaultHost
	}
	if c.Dev.Port == 0 {
		c.Dev.Port = DefaultPort
	}
	if c.Dev.AssetsSubDirectory == "" {
		c.Dev.AssetsSubDirectory = DefaultAssetsSubDirectory
	}
	if c.Dev.AssetsPublicPath == "" {
		c.Dev.AssetsPublicPath = DefaultAssetsPublicPath
	}
	if c.Dev.StaticDir == "" {
		c.Dev.StaticDir = DefaultStaticDir
	}
	if c.Dev.Index == "" {
		c.Dev.Index = DefaultIndex
	}
	if c.Dev.Env == nil {
		c.Dev.Env = map[string]string{"NODE_ENV": `"development"`}
	}
	if c.Build.Env == nil {
		c.Build.Env = map[string]string{"NODE_ENV": `"production"`}
	}
	if c.Build.Template == "" {
		c.Build.Template = DefaultTemplate
	}
	if c.Build.Outdir == "" {
		c.Build.Outdir = DefaultOutdir
	}
	if c.Build.PublicPath == "" {
		c.Build.PublicPath = DefaultPublicPath
	}
	if c.Build.Target == "" {
		c.Build.Target = DefaultTarget
	}
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
