package config

import (
	"encoding/json"
	"os"
	"strings"
)

// Build modes recognised by the bundler profile selection.
const (
	ModeDevelopment = "development"
	ModeTesting     = "testing"
	ModeProduction  = "production"
)

// ResolveMode returns the active mode. NODE_ENV wins when set; otherwise the
// mode is taken from dev.env.NODE_ENV and exported to the process environment
// so child tooling sees the same value.
func ResolveMode(cfg *Config) string {
	if mode, ok := os.LookupEnv("NODE_ENV"); ok && mode != "" {
		return mode
	}
	mode := ModeDevelopment
	if cfg != nil {
		if raw, ok := cfg.Dev.Env["NODE_ENV"]; ok {
			mode = decodeEnvValue(raw)
		}
	}
	_ = os.Setenv("NODE_ENV", mode)
	return mode
}

// IsProductionLike reports whether mode should use the production bundle profile.
func IsProductionLike(mode string) bool {
	return mode == ModeTesting || mode == ModeProduction
}

// decodeEnvValue decodes a JSON-encoded define value such as "\"development\"".
// Values that are not JSON strings are returned trimmed.
func decodeEnvValue(raw string) string {
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s
	}
	return strings.TrimSpace(raw)
}
