package server

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/group"
)

// flakyOrigin 只成功响应一次，之后全部返回 500。
func flakyOrigin(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 && r.URL.Path == "/bar/1.0/b.bin" {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = io.WriteString(w, body)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

type testApp struct {
	*fiber.App
	rt *Runtime
}

func newTestApp(t *testing.T, repos []config.RepositoryConfig, mutate ...func(*config.GlobalConfig)) *testApp {
	t.Helper()

	global := config.GlobalConfig{
		ListenPort:        5000,
		StoragePath:       t.TempDir(),
		MaxRetries:        0,
		InitialBackoff:    config.Duration(10 * time.Millisecond),
		UpstreamTimeout:   config.Duration(2 * time.Second),
		LockTimeout:       config.Duration(2 * time.Second),
		MaxParallelTasks:  2,
		TasksEnabled:      true,
		MaxConnsPerHost:   1,
		NotFoundCacheTTL:  config.Duration(time.Minute),
		NotFoundCacheSize: 16,
	}
	for _, fn := range mutate {
		fn(&global)
	}
	cfg := &config.Config{Global: global, Repositories: repos}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	rt, err := Bootstrap(cfg, logger)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})

	app, err := NewApp(AppOptions{Logger: logger, Runtime: rt, ListenPort: global.ListenPort})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, rt: rt}
}

func (a *testApp) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://any-repo.local"+target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, target, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestEndToEndLocalAndProxy(t *testing.T) {
	strict, _ := flakyOrigin(t, "remote-bytes")
	lenient, _ := flakyOrigin(t, "remote-bytes")

	app := newTestApp(t, []config.RepositoryConfig{
		{Name: "hosted", Type: "local"},
		{Name: "central", Type: "proxy", Remote: strict.URL},
		{Name: "mirror", Type: "proxy", Remote: lenient.URL, ServeStale: true},
	})

	sum := sha1.Sum([]byte("local-bytes"))
	digest := hex.EncodeToString(sum[:])
	resp, _ := app.do(t, http.MethodPut, "/repositories/hosted/foo/1.0/a.bin", strings.NewReader("local-bytes"),
		map[string]string{"X-Checksum-Sha1": digest})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("store expected 201, got %d", resp.StatusCode)
	}
	resp, body := app.do(t, http.MethodGet, "/repositories/hosted/foo/1.0/a.bin", nil, nil)
	if resp.StatusCode != fiber.StatusOK || body != "local-bytes" {
		t.Fatalf("retrieve local: %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Checksum-Sha1"); got != digest {
		t.Fatalf("sha1 header mismatch: %s", got)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	for _, repo := range []string{"central", "mirror"} {
		for i := 0; i < 2; i++ {
			resp, body := app.do(t, http.MethodGet, "/repositories/"+repo+"/bar/1.0/b.bin", nil, nil)
			if resp.StatusCode != fiber.StatusOK || body != "remote-bytes" {
				t.Fatalf("%s retrieve #%d: %d %q", repo, i, resp.StatusCode, body)
			}
		}
		p, ok := app.rt.Proxy(repo)
		if !ok {
			t.Fatalf("proxy %s not registered", repo)
		}
		if err := p.Expire(context.Background(), "/bar/1.0/b.bin"); err != nil {
			t.Fatalf("expire %s: %v", repo, err)
		}
	}

	resp, body = app.do(t, http.MethodGet, "/repositories/central/bar/1.0/b.bin", nil, nil)
	if resp.StatusCode != fiber.StatusBadGateway || !strings.Contains(body, "remote_unavailable") {
		t.Fatalf("expired without stale serving should be 502 remote_unavailable, got %d %s", resp.StatusCode, body)
	}
	resp, body = app.do(t, http.MethodGet, "/repositories/mirror/bar/1.0/b.bin", nil, nil)
	if resp.StatusCode != fiber.StatusOK || body != "remote-bytes" {
		t.Fatalf("stale serving should return cached bytes, got %d %q", resp.StatusCode, body)
	}

	if n := app.rt.Pool.TotalCheckedOut(); n != 0 {
		t.Fatalf("pool leaked %d connections", n)
	}
}

func TestRepositoryRoutesErrors(t *testing.T) {
	app := newTestApp(t, []config.RepositoryConfig{
		{Name: "hosted", Type: "local"},
		{Name: "public", Type: "group", Members: []string{"hosted"}},
	})

	cases := []struct {
		method string
		target string
		body   string
		status int
	}{
		{http.MethodGet, "/repositories/ghost/a", "", fiber.StatusNotFound},
		{http.MethodGet, "/repositories/hosted/missing.bin", "", fiber.StatusNotFound},
		{http.MethodPut, "/repositories/hosted/x.bin", "one", fiber.StatusCreated},
		{http.MethodPut, "/repositories/hosted/x.bin", "two", fiber.StatusConflict},
		{http.MethodPut, "/repositories/public/x.bin", "three", fiber.StatusMethodNotAllowed},
		{http.MethodHead, "/repositories/hosted/x.bin", "", fiber.StatusOK},
		{http.MethodDelete, "/repositories/hosted/x.bin", "", fiber.StatusNoContent},
		{http.MethodDelete, "/repositories/hosted/x.bin", "", fiber.StatusNotFound},
		{http.MethodPatch, "/repositories/hosted/x.bin", "", fiber.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		var body io.Reader
		if tc.body != "" {
			body = strings.NewReader(tc.body)
		}
		resp, text := app.do(t, tc.method, tc.target, body, nil)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.target, tc.status, resp.StatusCode, text)
		}
	}

	resp, _ := app.do(t, http.MethodPut, "/repositories/hosted/y.bin", strings.NewReader("payload"),
		map[string]string{"X-Checksum-Sha1": strings.Repeat("0", 40)})
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("checksum mismatch should be rejected, got %d", resp.StatusCode)
	}
}

func TestListAndGroupRouting(t *testing.T) {
	app := newTestApp(t, []config.RepositoryConfig{
		{Name: "hosted", Type: "local"},
		{Name: "public", Type: "group", Members: []string{"hosted"}, Namespaced: true},
	})
	app.do(t, http.MethodPut, "/repositories/hosted/lib/a.jar", strings.NewReader("a"), nil)

	resp, body := app.do(t, http.MethodGet, "/repositories/hosted/lib/", nil, nil)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(body, `"/lib/a.jar"`) {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}

	resp, body = app.do(t, http.MethodGet, "/repositories/public/hosted/lib/a.jar", nil, nil)
	if resp.StatusCode != fiber.StatusOK || body != "a" {
		t.Fatalf("group routing: %d %q", resp.StatusCode, body)
	}
	resp, _ = app.do(t, http.MethodGet, "/repositories/public/other/lib/a.jar", nil, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown member should be 404, got %d", resp.StatusCode)
	}

	app.rt.Start()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, body = app.do(t, http.MethodGet, "/repositories/public"+group.IndexJSONPath, nil, nil)
		if resp.StatusCode == fiber.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("composite index never appeared: %d %s", resp.StatusCode, body)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, `"hosted"`) {
		t.Fatalf("composite index should list members: %s", body)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	logger := logrus.New()
	if _, err := NewApp(AppOptions{Logger: logger}); err == nil {
		t.Fatalf("missing runtime should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Runtime: &Runtime{}, ListenPort: 0}); err == nil {
		t.Fatalf("invalid port should fail")
	}
}

func TestConcurrentMemberUpdatesCannotFormCycle(t *testing.T) {
	app := newTestApp(t, []config.RepositoryConfig{
		{Name: "hosted", Type: "local"},
		{Name: "g1", Type: "group", Members: []string{"hosted"}},
		{Name: "g2", Type: "group", Members: []string{"hosted"}},
	})
	g1, _ := app.rt.Group("g1")
	g2, _ := app.rt.Group("g2")

	for i := 0; i < 50; i++ {
		if err := app.rt.UpdateMembers("g1", []string{"hosted"}); err != nil {
			t.Fatalf("reset g1: %v", err)
		}
		if err := app.rt.UpdateMembers("g2", []string{"hosted"}); err != nil {
			t.Fatalf("reset g2: %v", err)
		}

		start := make(chan struct{})
		errs := make(chan error, 2)
		go func() {
			<-start
			errs <- app.rt.UpdateMembers("g1", []string{"hosted", "g2"})
		}()
		go func() {
			<-start
			errs <- app.rt.UpdateMembers("g2", []string{"hosted", "g1"})
		}()
		close(start)
		first, second := <-errs, <-errs
		if first == nil && second == nil {
			t.Fatalf("iteration %d: both updates accepted", i)
		}
		if slices.Contains(g1.Members(), "g2") && slices.Contains(g2.Members(), "g1") {
			t.Fatalf("iteration %d: groups reference each other: %v %v", i, g1.Members(), g2.Members())
		}
	}
}
