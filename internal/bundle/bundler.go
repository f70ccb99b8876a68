// Package bundle compiles the client sources with esbuild and serves the
// results from memory.
package bundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/rathix/devserver/internal/config"
)

// ErrClosed is returned by WaitUntilValid after Close.
var ErrClosed = errors.New("bundler closed")

// Reporter receives compile lifecycle notifications.
// Defined here at the consumer, not in the hotreload package.
type Reporter interface {
	Building()
	Built(hash string, took time.Duration, errs, warnings []string)
}

// Options configures a Bundler.
type Options struct {
	// Root is the project directory; relative paths resolve against it.
	Root       string
	Entry      []string
	Template   string
	Outdir     string
	PublicPath string
	Target     string
	Profile    Profile

	// HotClientTag renders the tag injected into the HTML document when
	// Profile.HotClient is set. It receives the hash of the build the page
	// belongs to.
	HotClientTag func(hash string) string

	// TemplateDebounce is the quiet period after a template edit before the
	// rebuild in watch mode. Zero means 100ms.
	TemplateDebounce time.Duration
}

// OptionsFromConfig builds Options for mode from the project config.
func OptionsFromConfig(root, mode string, cfg *config.Config, hotClientTag func(hash string) string) Options {
	return Options{
		Root:         root,
		Entry:        cfg.Build.Entry,
		Template:     cfg.Build.Template,
		Outdir:       cfg.Build.Outdir,
		PublicPath:   cfg.Build.PublicPath,
		Target:       cfg.Build.Target,
		Profile:      ProfileFor(mode, cfg),
		HotClientTag: hotClientTag,
	}
}

type asset struct {
	body    []byte
	modTime time.Time
}

// Bundler wraps an esbuild build context. Output is kept in memory; nothing
// is written to Outdir.
type Bundler struct {
	opts     Options
	outdir   string
	logger   *slog.Logger
	reporter Reporter
	bctx     api.BuildContext

	mu       sync.RWMutex
	files    map[string]asset
	hash     string
	errs     []string
	warnings []string
	// valid is closed when no compile is in flight and replaced when one starts.
	valid    chan struct{}
	building bool
	started  time.Time
	closed   bool
	done     chan struct{}

	// stopWatch cancels the template watcher.
	stopWatch context.CancelFunc
}

// New validates opts and returns an idle Bundler. reporter may be nil.
func New(opts Options, reporter Reporter, logger *slog.Logger) (*Bundler, error) {
	if len(opts.Entry) == 0 {
		return nil, errors.New("bundle: no entry points configured")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("bundle: resolve root: %w", err)
	}
	opts.Root = root
	if opts.PublicPath == "" {
		opts.PublicPath = "/"
	}
	if opts.Outdir == "" {
		opts.Outdir = config.DefaultOutdir
	}
	outdir := opts.Outdir
	if !filepath.IsAbs(outdir) {
		outdir = filepath.Join(root, outdir)
	}
	if _, ok := parseTarget(opts.Target); !ok && opts.Target != "" {
		logger.Warn("unknown build target, using es2017", "target", opts.Target)
	}

	valid := make(chan struct{})
	return &Bundler{
		opts:     opts,
		outdir:   outdir,
		logger:   logger,
		reporter: reporter,
		files:    make(map[string]asset),
		valid:    valid,
		building: true,
		done:     make(chan struct{}),
	}, nil
}

func (b *Bundler) buildOptions() api.BuildOptions {
	target, _ := parseTarget(b.opts.Target)
	p := b.opts.Profile
	return api.BuildOptions{
		AbsWorkingDir:     b.opts.Root,
		EntryPoints:       b.opts.Entry,
		Bundle:            true,
		Outdir:            b.outdir,
		Write:             false,
		Metafile:          true,
		Format:            api.FormatIIFE,
		Platform:          api.PlatformBrowser,
		Target:            target,
		Sourcemap:         p.SourceMap,
		MinifyWhitespace:  p.Minify,
		MinifyIdentifiers: p.Minify,
		MinifySyntax:      p.Minify,
		Define:            p.Define,
		EntryNames:        p.EntryNames,
		AssetNames:        "assets/[name]-[hash]",
		PublicPath:        b.opts.PublicPath,
		Loader:            assetLoaders,
		LogLevel:          api.LogLevelSilent,
		Plugins: []api.Plugin{{
			Name: "devserver-status",
			Setup: func(build api.PluginBuild) {
				build.OnStart(func() (api.OnStartResult, error) {
					b.onStart()
					return api.OnStartResult{}, nil
				})
				build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
					b.onEnd(result)
					return api.OnEndResult{}, nil
				})
			},
		}},
	}
}

var assetLoaders = map[string]api.Loader{
	".png":   api.LoaderFile,
	".jpg":   api.LoaderFile,
	".jpeg":  api.LoaderFile,
	".gif":   api.LoaderFile,
	".svg":   api.LoaderFile,
	".webp":  api.LoaderFile,
	".ico":   api.LoaderFile,
	".woff":  api.LoaderFile,
	".woff2": api.LoaderFile,
	".ttf":   api.LoaderFile,
	".eot":   api.LoaderFile,
}

// Start creates the build context and kicks off the first compile. In watch
// mode esbuild keeps rebuilding on source changes until Close, and edits to
// the HTML template trigger a rebuild too.
func (b *Bundler) Start(ctx context.Context) error {
	bctx, cerr := api.Context(b.buildOptions())
	if cerr != nil {
		return fmt.Errorf("bundle: create build context: %s", strings.Join(formatMessages(cerr.Errors, api.ErrorMessage), "; "))
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		bctx.Dispose()
		return ErrClosed
	}
	b.bctx = bctx
	watchCtx, stop := context.WithCancel(ctx)
	b.stopWatch = stop
	b.mu.Unlock()

	b.logger.Info("bundler starting", "profile", b.opts.Profile.Name, "entries", b.opts.Entry, "watch", b.opts.Profile.Watch)

	if !b.opts.Profile.Watch {
		go bctx.Rebuild()
		return nil
	}

	// Watch runs the first build itself; OnEnd opens the valid gate.
	if err := bctx.Watch(api.WatchOptions{}); err != nil {
		b.logger.Error("bundler watch failed, building once", "error", err)
		go bctx.Rebuild()
		return nil
	}
	if tp := b.templatePath(); tp != "" {
		go b.watchTemplate(watchCtx, tp, bctx)
	}
	return nil
}

// watchTemplate rebuilds when the HTML template changes. esbuild only
// watches files in the module graph, and the template is not one of them.
func (b *Bundler) watchTemplate(ctx context.Context, tp string, bctx api.BuildContext) {
	debounce := b.opts.TemplateDebounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	w := config.NewWatcher(b.logger, config.WithDebounce(debounce))
	w.Add(tp, func() {
		if ctx.Err() != nil {
			return
		}
		b.logger.Info("HTML template changed, rebuilding", "template", tp)
		bctx.Rebuild()
	})
	if err := w.Run(ctx); err != nil {
		b.logger.Warn("template watcher stopped", "template", tp, "error", err)
	}
}

func (b *Bundler) templatePath() string {
	tp := b.opts.Template
	if tp == "" || filepath.IsAbs(tp) {
		return tp
	}
	return filepath.Join(b.opts.Root, tp)
}

func (b *Bundler) onStart() {
	b.mu.Lock()
	if !b.building {
		b.valid = make(chan struct{})
		b.building = true
	}
	b.started = time.Now()
	b.mu.Unlock()

	b.logger.Debug("bundle invalidated, compiling")
	if b.reporter != nil {
		b.reporter.Building()
	}
}

func (b *Bundler) onEnd(result *api.BuildResult) {
	errs := formatMessages(result.Errors, api.ErrorMessage)
	warnings := formatMessages(result.Warnings, api.WarningMessage)

	files := make(map[string]asset, len(result.OutputFiles)+1)
	now := time.Now()
	for _, f := range result.OutputFiles {
		u, ok := b.urlFor(f.Path)
		if !ok {
			continue
		}
		files[u] = asset{body: f.Contents, modTime: now}
	}

	tmpl, terr := b.readTemplate()
	if terr != nil {
		errs = append(errs, terr.Error())
	}
	// The page embeds the hash, so it covers the outputs and the template
	// rather than the rendered page.
	hash := hashBuild(files, tmpl)

	if len(result.Errors) == 0 && terr == nil {
		doc, err := b.renderIndex(result.Metafile, tmpl, hash)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			files[path.Join(b.opts.PublicPath, "index.html")] = asset{body: doc, modTime: now}
		}
	}

	b.mu.Lock()
	took := time.Since(b.started)
	if len(result.Errors) == 0 {
		b.files = files
	}
	b.hash = hash
	b.errs = errs
	b.warnings = warnings
	if b.building {
		close(b.valid)
		b.building = false
	}
	b.mu.Unlock()

	if len(errs) > 0 {
		b.logger.Error("bundle failed", "errors", len(errs), "took", took)
		for _, e := range errs {
			b.logger.Error("bundle error", "message", e)
		}
	} else {
		b.logger.Info("bundle ready", "hash", hash, "files", len(files), "warnings", len(warnings), "took", took)
	}
	if b.reporter != nil {
		b.reporter.Built(hash, took, errs, warnings)
	}
}

// urlFor maps an absolute output path to its URL under PublicPath.
func (b *Bundler) urlFor(p string) (string, bool) {
	rel, err := filepath.Rel(b.outdir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return path.Join(b.opts.PublicPath, filepath.ToSlash(rel)), true
}

// readTemplate returns the HTML template, or nil when none is configured or
// the file is missing.
func (b *Bundler) readTemplate() ([]byte, error) {
	tp := b.templatePath()
	if tp == "" {
		return nil, nil
	}
	tmpl, err := os.ReadFile(tp)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read HTML template: %w", err)
	}
	return tmpl, nil
}

func (b *Bundler) renderIndex(meta string, tmpl []byte, hash string) ([]byte, error) {
	assets, err := parseEntryAssets(meta, b.opts.Entry)
	if err != nil {
		return nil, err
	}

	scripts := make([]string, 0, len(assets.scripts))
	for _, s := range assets.scripts {
		scripts = append(scripts, b.assetURL(s))
	}
	styles := make([]string, 0, len(assets.styles))
	for _, s := range assets.styles {
		styles = append(styles, b.assetURL(s))
	}

	extra := ""
	if b.opts.Profile.HotClient && b.opts.HotClientTag != nil {
		extra = b.opts.HotClientTag(hash) + "\n"
	}
	return renderHTML(tmpl, scripts, styles, extra), nil
}

// assetURL maps a metafile output path (relative to Root) to its URL.
func (b *Bundler) assetURL(rel string) string {
	u, ok := b.urlFor(filepath.Join(b.opts.Root, filepath.FromSlash(rel)))
	if !ok {
		return path.Join(b.opts.PublicPath, rel)
	}
	return u
}

// WaitUntilValid blocks until no compile is in flight. A finished compile
// with errors still counts as valid.
func (b *Bundler) WaitUntilValid(ctx context.Context) error {
	b.mu.RLock()
	valid := b.valid
	b.mu.RUnlock()

	select {
	case <-valid:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the hash and diagnostics of the last finished compile.
func (b *Bundler) Status() (hash string, errs, warnings []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hash, append([]string(nil), b.errs...), append([]string(nil), b.warnings...)
}

// Files returns the URL paths currently served, sorted.
func (b *Bundler) Files() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.files))
	for u := range b.files {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Middleware serves compiled output for GET and HEAD requests and passes
// everything else (including unknown paths) to next. Requests arriving
// mid-compile wait for it to finish.
func (b *Bundler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if !strings.HasPrefix(r.URL.Path, b.opts.PublicPath) && r.URL.Path+"/" != b.opts.PublicPath {
			next.ServeHTTP(w, r)
			return
		}
		if err := b.WaitUntilValid(r.Context()); err != nil {
			if errors.Is(err, ErrClosed) {
				http.Error(w, "bundler stopped", http.StatusServiceUnavailable)
			}
			return
		}

		name := r.URL.Path
		if name+"/" == b.opts.PublicPath {
			name += "/"
		}
		if strings.HasSuffix(name, "/") {
			name += "index.html"
		}
		b.mu.RLock()
		f, ok := b.files[name]
		b.mu.RUnlock()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, name, f.modTime, bytes.NewReader(f.body))
	})
}

// Close stops watching and releases the esbuild context. Safe to call twice.
func (b *Bundler) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	bctx := b.bctx
	stop := b.stopWatch
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if bctx != nil {
		bctx.Dispose()
	}
	b.logger.Info("bundler stopped")
}

func formatMessages(msgs []api.Message, kind api.MessageKind) []string {
	if len(msgs) == 0 {
		return nil
	}
	out := api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: kind})
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func hashBuild(files map[string]asset, tmpl []byte) string {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
		h.Write(files[n].body)
	}
	h.Write([]byte("\x00template\x00"))
	h.Write(tmpl)
	return hex.EncodeToString(h.Sum(nil))[:20]
}
