package bundle

import (
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/rathix/devserver/internal/config"
)

// Profile is the mode-dependent part of the bundler setup.
type Profile struct {
	Name      string
	Watch     bool
	Minify    bool
	SourceMap api.SourceMap
	Define    map[string]string
	// EntryNames is the esbuild output name template for entry points.
	EntryNames string
	// HotClient injects the hot reload client into the generated HTML.
	HotClient bool
}

// ProfileFor selects the profile for mode. testing and production builds
// share the production profile; every other mode gets development.
func ProfileFor(mode string, cfg *config.Config) Profile {
	if config.IsProductionLike(mode) {
		sm := api.SourceMapNone
		if cfg.Build.SourceMap {
			sm = api.SourceMapLinked
		}
		return Profile{
			Name:       config.ModeProduction,
			Minify:     true,
			SourceMap:  sm,
			Define:     defines(cfg.Build.Env),
			EntryNames: "[dir]/[name]-[hash]",
		}
	}
	return Profile{
		Name:       config.ModeDevelopment,
		Watch:      true,
		SourceMap:  api.SourceMapInline,
		Define:     defines(cfg.Dev.Env),
		EntryNames: "[dir]/[name]",
		HotClient:  true,
	}
}

// defines maps env entries onto process.env.* replacements. Values are
// expected to already be JSON expressions, e.g. "\"development\"".
func defines(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out["process.env."+k] = v
	}
	return out
}

var targets = map[string]api.Target{
	"esnext": api.ESNext,
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es6":    api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
}

// parseTarget resolves a target name, falling back to ES2017.
func parseTarget(name string) (api.Target, bool) {
	t, ok := targets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return api.ES2017, false
	}
	return t, true
}
