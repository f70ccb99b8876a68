package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns a default Config with no errors.
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid entries stripped
// (or reset to defaults) plus errors describing what was changed.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	validationErrors := cfg.validate()
	cfg.applyDefaults()
	return &cfg, validationErrors
}

func (c *Config) validate() []error {
	var errs []error

	if c.Dev.Port < 0 || c.Dev.Port > 65535 {
		errs = append(errs, fmt.Errorf("dev.port: %d out of range, using %d", c.Dev.Port, DefaultPort))
		c.Dev.Port = 0
	}
	if c.Dev.AssetsPublicPath != "" && !strings.HasPrefix(c.Dev.AssetsPublicPath, "/") {
		errs = append(errs, fmt.Errorf("dev.assetsPublicPath: must start with '/', got %q", c.Dev.AssetsPublicPath))
		c.Dev.AssetsPublicPath = ""
	}
	if c.Dev.Index != "" && !strings.HasPrefix(c.Dev.Index, "/") {
		errs = append(errs, fmt.Errorf("dev.index: must start with '/', got %q", c.Dev.Index))
		c.Dev.Index = ""
	}

	entries := make([]string, 0, len(c.Build.Entry))
	for i, e := range c.Build.Entry {
		if strings.TrimSpace(e) == "" {
			errs = append(errs, fmt.Errorf("build.entry[%d]: empty entry point", i))
			continue
		}
		entries = append(entries, e)
	}
	c.Build.Entry = entries
	if len(c.Build.Entry) == 0 {
		errs = append(errs, errors.New("build.entry: required field missing"))
	}

	// Sorted so error ordering is stable across runs.
	contexts := make([]string, 0, len(c.Dev.ProxyTable))
	for ctx := range c.Dev.ProxyTable {
		contexts = append(contexts, ctx)
	}
	sort.Strings(contexts)

	valid := make(map[string]ProxyOptions, len(c.Dev.ProxyTable))
	for _, ctx := range contexts {
		opts := c.Dev.ProxyTable[ctx]
		if err := validateProxy(ctx, opts); err != nil {
			errs = append(errs, err)
			continue
		}
		valid[ctx] = opts
	}
	c.Dev.ProxyTable = valid

	return errs
}

func validateProxy(ctx string, opts ProxyOptions) error {
	if !strings.HasPrefix(ctx, "/") {
		return fmt.Errorf("dev.proxyTable[%q]: context must start with '/'", ctx)
	}
	if strings.TrimSpace(opts.Target) == "" {
		return fmt.Errorf("dev.proxyTable[%q].target: required field missing", ctx)
	}
	u, err := url.Parse(opts.Target)
	if err != nil {
		return fmt.Errorf("dev.proxyTable[%q].target: %w", ctx, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("dev.proxyTable[%q].target: unsupported scheme %q", ctx, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("dev.proxyTable[%q].target: missing host", ctx)
	}
	for pattern := range opts.PathRewrite {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("dev.proxyTable[%q].pathRewrite[%q]: %w", ctx, pattern, err)
		}
	}
	for i, f := range opts.Filter {
		if !strings.HasPrefix(f, "/") {
			return fmt.Errorf("dev.proxyTable[%q].filter[%d]: must start with '/', got %q", ctx, i, f)
		}
		if err := checkGlob(f); err != nil {
			return fmt.Errorf("dev.proxyTable[%q].filter[%d]: %q: %w", ctx, i, f, err)
		}
	}
	return nil
}

// checkGlob rejects filters that would never match because a segment is not
// a valid path.Match pattern. Plain prefixes pass untouched.
func checkGlob(filter string) error {
	if !strings.ContainsAny(filter, "*?[") {
		return nil
	}
	for _, seg := range strings.Split(strings.Trim(filter, "/"), "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return err
		}
	}
	return nil
}
