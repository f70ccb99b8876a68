package bundle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rathix/devserver/internal/config"
)

const hotClientSrc = "/__hot/client.js"

func hotTag(hash string) string {
	return `<script src="` + hotClientSrc + `" data-hash="` + hash + `"></script>`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type builtCall struct {
	hash string
	errs []string
}

type recordingReporter struct {
	mu       sync.Mutex
	building int
	builtCh  chan builtCall
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{builtCh: make(chan builtCall, 32)}
}

func (r *recordingReporter) Building() {
	r.mu.Lock()
	r.building++
	r.mu.Unlock()
}

func (r *recordingReporter) buildingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.building
}

func (r *recordingReporter) Built(hash string, _ time.Duration, errs, _ []string) {
	r.builtCh <- builtCall{hash: hash, errs: errs}
}

func (r *recordingReporter) waitBuilt(t *testing.T, timeout time.Duration) builtCall {
	t.Helper()
	select {
	case c := <-r.builtCh:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for build")
	}
	return builtCall{}
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

var sampleProject = map[string]string{
	"index.html":    "<!DOCTYPE html>\n<html><head><title>t</title></head><body><div id=\"app\"></div></body></html>\n",
	"src/main.js":   "import { greet } from './util.js';\nimport './style.css';\ndocument.title = greet(process.env.NODE_ENV);\n",
	"src/util.js":   "export function greet(who) { return 'hello ' + who; }\n",
	"src/style.css": "body { color: red; }\n",
}

func newTestBundler(t *testing.T, root, mode string, reporter Reporter) *Bundler {
	t.Helper()
	cfg := config.Default()
	cfg.Build.Entry = []string{"src/main.js"}
	b, err := New(OptionsFromConfig(root, mode, cfg, hotTag), reporter, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func startAndWait(t *testing.T, b *Bundler) {
	t.Helper()
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := b.WaitUntilValid(ctx); err != nil {
		t.Fatalf("WaitUntilValid: %v", err)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRequiresEntry(t *testing.T) {
	_, err := New(Options{Root: t.TempDir()}, nil, discardLogger())
	if err == nil {
		t.Error("expected error without entry points")
	}
}

func TestBundlerProductionBuild(t *testing.T) {
	root := writeProject(t, sampleProject)
	b := newTestBundler(t, root, config.ModeProduction, nil)
	startAndWait(t, b)

	hash, errs, _ := b.Status()
	if len(errs) != 0 {
		t.Fatalf("unexpected build errors: %v", errs)
	}
	if hash == "" {
		t.Error("expected a build hash")
	}

	var js, css string
	for _, f := range b.Files() {
		switch {
		case strings.HasPrefix(f, "/main-") && strings.HasSuffix(f, ".js"):
			js = f
		case strings.HasPrefix(f, "/main-") && strings.HasSuffix(f, ".css"):
			css = f
		}
	}
	if js == "" || css == "" {
		t.Fatalf("expected hashed js and css outputs, got %v", b.Files())
	}

	h := b.Middleware(http.NotFoundHandler())

	rec := get(t, h, "/index.html")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for index, got %d", rec.Code)
	}
	doc := rec.Body.String()
	if !strings.Contains(doc, `<script src="`+js+`"></script>`) {
		t.Errorf("expected script tag for %s in %q", js, doc)
	}
	if !strings.Contains(doc, `<link rel="stylesheet" href="`+css+`">`) {
		t.Errorf("expected stylesheet link for %s in %q", css, doc)
	}
	if strings.Contains(doc, hotClientSrc) {
		t.Error("production HTML must not load the hot client")
	}
	if strings.Index(doc, "<link") > strings.Index(doc, "</head>") {
		t.Error("expected stylesheet inside <head>")
	}

	rec = get(t, h, js)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for %s, got %d", js, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "production") {
		t.Error("expected NODE_ENV define to be inlined")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("unexpected content type %q", ct)
	}

	if rec := get(t, h, "/"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<div id=\"app\">") {
		t.Errorf("expected index for /, got %d", rec.Code)
	}
}

func TestBundlerPassesUnknownPathsAndMethods(t *testing.T) {
	root := writeProject(t, sampleProject)
	b := newTestBundler(t, root, config.ModeProduction, nil)
	startAndWait(t, b)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := b.Middleware(next)

	if rec := get(t, h, "/missing.js"); rec.Code != http.StatusTeapot {
		t.Errorf("expected fallthrough for unknown file, got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/index.html", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected fallthrough for POST, got %d", rec.Code)
	}
}

func TestBundlerReportsErrors(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/main.js": "const = ;\n",
	})
	reporter := newRecordingReporter()
	b := newTestBundler(t, root, config.ModeProduction, reporter)
	startAndWait(t, b)

	call := reporter.waitBuilt(t, 5*time.Second)
	if len(call.errs) == 0 {
		t.Fatal("expected build errors to be reported")
	}
	_, errs, _ := b.Status()
	if len(errs) == 0 {
		t.Error("expected errors in status")
	}
	if len(b.Files()) != 0 {
		t.Errorf("expected no files after failed first build, got %v", b.Files())
	}
}

func TestBundlerWatchRebuildsOnChange(t *testing.T) {
	root := writeProject(t, sampleProject)
	reporter := newRecordingReporter()
	b := newTestBundler(t, root, config.ModeDevelopment, reporter)
	startAndWait(t, b)

	first := reporter.waitBuilt(t, 5*time.Second)
	if len(first.errs) != 0 {
		t.Fatalf("unexpected errors: %v", first.errs)
	}

	rec := get(t, b.Middleware(http.NotFoundHandler()), "/index.html")
	if !strings.Contains(rec.Body.String(), hotTag(first.hash)) {
		t.Errorf("development HTML should load the hot client for hash %s, got %q", first.hash, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `<script src="/main.js"></script>`) {
		t.Errorf("expected unhashed dev script, got %q", rec.Body.String())
	}

	// Give the watcher a moment to snapshot the file set.
	time.Sleep(200 * time.Millisecond)
	changed := strings.Replace(sampleProject["src/util.js"], "hello", "howdy", 1)
	if err := os.WriteFile(filepath.Join(root, "src", "util.js"), []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(20 * time.Second)
	for {
		select {
		case c := <-reporter.builtCh:
			if c.hash != first.hash {
				js := get(t, b.Middleware(http.NotFoundHandler()), "/main.js")
				if !strings.Contains(js.Body.String(), "howdy") {
					t.Error("expected rebuilt bundle to contain the change")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for rebuild after change")
		}
	}
}

func TestWaitUntilValidAfterClose(t *testing.T) {
	b, err := New(Options{Root: t.TempDir(), Entry: []string{"main.js"}}, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.Close()
	b.Close()

	if err := b.WaitUntilValid(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Start after Close, got %v", err)
	}
}

func TestWaitUntilValidHonoursContext(t *testing.T) {
	b, err := New(Options{Root: t.TempDir(), Entry: []string{"main.js"}}, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.WaitUntilValid(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestBundlerWatchStartsWithOneBuild(t *testing.T) {
	root := writeProject(t, sampleProject)
	reporter := newRecordingReporter()
	b := newTestBundler(t, root, config.ModeDevelopment, reporter)
	startAndWait(t, b)

	reporter.waitBuilt(t, 5*time.Second)
	select {
	case c := <-reporter.builtCh:
		t.Fatalf("unexpected second build at startup: %+v", c)
	case <-time.After(500 * time.Millisecond):
	}
	if n := reporter.buildingCount(); n != 1 {
		t.Errorf("expected one building report, got %d", n)
	}
}

func TestBundlerRebuildsOnTemplateEdit(t *testing.T) {
	root := writeProject(t, sampleProject)
	reporter := newRecordingReporter()
	cfg := config.Default()
	cfg.Build.Entry = []string{"src/main.js"}
	opts := OptionsFromConfig(root, config.ModeDevelopment, cfg, hotTag)
	opts.TemplateDebounce = 20 * time.Millisecond
	b, err := New(opts, reporter, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Close)
	startAndWait(t, b)

	first := reporter.waitBuilt(t, 5*time.Second)
	h := b.Middleware(http.NotFoundHandler())
	if doc := get(t, h, "/index.html").Body.String(); !strings.Contains(doc, "<title>t</title>") {
		t.Fatalf("expected original title, got %q", doc)
	}

	// Give the template watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	edited := strings.Replace(sampleProject["index.html"], "<title>t</title>", "<title>edited</title>", 1)
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case c := <-reporter.builtCh:
			if c.hash == first.hash {
				continue
			}
			doc := get(t, h, "/index.html").Body.String()
			if !strings.Contains(doc, "<title>edited</title>") {
				t.Errorf("expected edited template to be served, got %q", doc)
			}
			if !strings.Contains(doc, hotTag(c.hash)) {
				t.Errorf("expected page to carry new hash %s, got %q", c.hash, doc)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for rebuild after template edit")
		}
	}
}

func TestHashBuildCoversTemplate(t *testing.T) {
	files := map[string]asset{"/main.js": {body: []byte("x")}}
	a := hashBuild(files, []byte("<title>a</title>"))
	if a != hashBuild(files, []byte("<title>a</title>")) {
		t.Error("expected a stable hash")
	}
	if a == hashBuild(files, []byte("<title>b</title>")) {
		t.Error("expected template edits to change the hash")
	}
	if a == hashBuild(map[string]asset{"/main.js": {body: []byte("y")}}, []byte("<title>a</title>")) {
		t.Error("expected output edits to change the hash")
	}
}
