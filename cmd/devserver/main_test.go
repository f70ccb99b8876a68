package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		envs     map[string]string
		expected string
	}{
		{
			name:     "default value",
			args:     []string{},
			envs:     map[string]string{},
			expected: defaultConfigFile,
		},
		{
			name:     "env var precedence",
			args:     []string{},
			envs:     map[string]string{"CONFIG_FILE": "env.yaml"},
			expected: "env.yaml",
		},
		{
			name:     "flag precedence over env",
			args:     []string{"--config", "flag.yaml"},
			envs:     map[string]string{"CONFIG_FILE": "env.yaml"},
			expected: "flag.yaml",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			os.Unsetenv("CONFIG_FILE")
			for k, v := range tc.envs {
				t.Setenv(k, v)
			}
			cfg, err := loadConfig(tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cfg.ConfigFile)
		})
	}
}

func TestPortOverride(t *testing.T) {
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Port, "no override keeps the config file port")

	t.Setenv("PORT", "9090")
	cfg, err = loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)

	cfg, err = loadConfig([]string{"-port", "7000"})
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)

	_, err = loadConfig([]string{"-port", "http"})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-port", "70000"})
	assert.Error(t, err)
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := loadConfig([]string{"-log-format", "xml"})
	assert.Error(t, err)
}

func TestDebugFromEnv(t *testing.T) {
	t.Setenv("DEBUG", "true")
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.True(t, cfg.Debug)

	t.Setenv("DEBUG", "not-a-bool")
	cfg, err = loadConfig(nil)
	require.NoError(t, err)
	assert.False(t, cfg.Debug)
}

func TestGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		stop <- syscall.SIGTERM
	}()
	select {
	case <-stop:
		cancel()
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for signal")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestLogFormatSelection(t *testing.T) {
	cases := []struct {
		format string
		isJSON bool
	}{
		{"json", true},
		{"text", false},
	}
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			handler := setupLoggerWithWriter(tc.format, false, io.Discard)
			_, ok := handler.Handler().(*slog.JSONHandler)
			assert.Equal(t, tc.isJSON, ok)
		})
	}
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLoggerWithWriter("json", false, &buf)
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger = setupLoggerWithWriter("json", true, &buf)
	logger.Debug("shown", "key", "value")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestEnvFileArg(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	os.Unsetenv("ENV_FILE")

	assert.Equal(t, "a.env", envFileArg([]string{"-env-file", "a.env"}))
	assert.Equal(t, "b.env", envFileArg([]string{"--env-file=b.env", "-debug"}))
	assert.Equal(t, "", envFileArg([]string{"-debug"}))
	assert.Equal(t, "", envFileArg([]string{"env-file", "c.env"}))

	t.Setenv("ENV_FILE", "from-env.env")
	assert.Equal(t, "from-env.env", envFileArg(nil))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DEVSERVER_TEST_A=from-file\nDEVSERVER_TEST_B=from-file\n"), 0o644))

	t.Setenv("DEVSERVER_TEST_A", "")
	os.Unsetenv("DEVSERVER_TEST_A")
	t.Setenv("DEVSERVER_TEST_B", "from-shell")

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("DEVSERVER_TEST_A"))
	assert.Equal(t, "from-shell", os.Getenv("DEVSERVER_TEST_B"), "existing variables win")

	assert.Error(t, loadEnvFile(filepath.Join(dir, "missing.env")), "explicit file must exist")
}

func TestLoadEnvFileDefaultMayBeMissing(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	assert.NoError(t, loadEnvFile(""))
}

func TestDefaultLogFormatIsValid(t *testing.T) {
	assert.Contains(t, []string{"json", "text"}, defaultLogFormat())
}

func TestLogMaxSizeValidation(t *testing.T) {
	_, err := loadConfig([]string{"-log-max-size", "0"})
	assert.Error(t, err)
}

func TestBuildLogOutputWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "devserver.log")
	out, closeLog, err := buildLogOutput(path, 1)
	require.NoError(t, err)

	logger := setupLoggerWithWriter("json", false, out)
	logger.Info("to file", "key", "value")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/proj", "static"), resolvePath("/proj", "static"))
	assert.Equal(t, "/abs/static", resolvePath("/proj", "/abs/static"))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunServesAndShutsDown(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "devserver.yaml"), "dev:\n  host: 127.0.0.1\nbuild:\n  entry:\n    - src/main.js\n")
	writeFile(t, filepath.Join(root, "index.html"), "<html><head></head><body><div id=app></div></body></html>")
	writeFile(t, filepath.Join(root, "src", "main.js"), "console.log('hi');\n")
	writeFile(t, filepath.Join(root, "static", "robots.txt"), "User-agent: *\n")

	t.Setenv("NODE_ENV", "production")
	t.Setenv("PORT", "")

	cfg := config{
		ConfigFile: "devserver.yaml",
		Root:       root,
		LogFormat:  "text",
		Port:       0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	var port string
	require.Eventually(t, func() bool {
		port = os.Getenv("PORT")
		return port != ""
	}, 20*time.Second, 50*time.Millisecond, "server never exported PORT")

	base := "http://127.0.0.1:" + port
	resp, err := http.Get(base + "/static/robots.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "User-agent")

	req, _ := http.NewRequest(http.MethodGet, base+"/some/route", nil)
	req.Header.Set("Accept", "text/html")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "<div id=app>")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunFailsOnMalformedConfig(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "devserver.yaml"), "dev: [unclosed\n")

	err := run(context.Background(), config{ConfigFile: "devserver.yaml", Root: root, LogFormat: "text"})
	assert.Error(t, err)
}

func TestRunFailsWithoutEntry(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "devserver.yaml"), "dev:\n  port: 8080\n")
	t.Setenv("NODE_ENV", "")

	err := run(context.Background(), config{ConfigFile: "devserver.yaml", Root: root, LogFormat: "text"})
	assert.Error(t, err)
}
