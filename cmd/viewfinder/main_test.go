package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"viewfinder/internal/auth"
	"viewfinder/internal/capture"
	"viewfinder/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &bytes.Buffer{}
	err := app.Run(append([]string{"viewfinder"}, args...))
	return out.String(), err
}

func TestAspectCommand(t *testing.T) {
	out, err := run(t, "aspect", "--width", "1080", "--height", "1920")
	require.NoError(t, err)
	assert.Equal(t, "16:9 640x360\n", out)

	out, err = run(t, "aspect", "--width", "1200", "--height", "1000", "--long-side", "1280")
	require.NoError(t, err)
	assert.Equal(t, "4:3 1280x960\n", out)
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewfinder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  username: alice\n  jwt_secret: s3cret\n"), 0o644))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("AUTH_USERNAME", "")

	out, err := run(t, "--config", path, "token")
	require.NoError(t, err)

	claims, err := auth.NewJWTManager("s3cret", 0, nil).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewfinder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  username: alice\n"), 0o644))
	t.Setenv("JWT_SECRET", "")

	_, err := run(t, "--config", path, "token")
	assert.Error(t, err)
}

func TestHashPasswordCommand(t *testing.T) {
	out, err := run(t, "hash-password", "hunter2")
	require.NoError(t, err)

	a, err := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "admin", Password: strings.TrimSpace(out)})
	require.NoError(t, err)
	_, _, err = a.Authenticate("admin", "hunter2")
	assert.NoError(t, err)

	_, err = run(t, "hash-password")
	assert.Error(t, err)
}

func TestDetectorFactory(t *testing.T) {
	cfg := config.Default().Detector
	f, err := detectorFactory(cfg)
	require.NoError(t, err)
	assert.NotNil(t, f)

	cfg.Backend = "tflite"
	_, err = detectorFactory(cfg)
	assert.ErrorContains(t, err, "unknown detector backend")
}

func TestSkipForStreams(t *testing.T) {
	var wrapped []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = append(wrapped, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	h := skipForStreams(mw, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, p := range []string{"/api/status", "/ws/overlay", "/video/stream", "/api/capture"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	assert.Equal(t, []string{"/api/status", "/api/capture"}, wrapped)
}

func TestBuildWiresVirtualCamera(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Media.Dir = filepath.Join(dir, "captures")
	cfg.Media.Database = filepath.Join(dir, "viewfinder.db")
	require.NoError(t, cfg.Validate())

	v, err := build(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer v.Close()

	assert.NotNil(t, v.injector)
	assert.Equal(t, capture.StateClosed, v.controller.State())
	assert.False(t, v.pipeline.HasTarget())

	release := v.hub.Hold()
	assert.True(t, v.pipeline.HasTarget())
	release()
	assert.False(t, v.pipeline.HasTarget())

	// Detector edits from the config file go through the same path as the API
	next := config.Default()
	next.Detector.Threshold = 0.8
	v.reload(context.Background(), next)
	assert.InDelta(t, 0.8, v.detector.Config().Threshold, 1e-6)

	next.Detector.Threshold = 3
	v.reload(context.Background(), next)
	assert.InDelta(t, 0.8, v.detector.Config().Threshold, 1e-6)
}
