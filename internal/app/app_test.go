package app_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-harvester/internal/app"
	"github.com/JakeFAU/sitemap-harvester/internal/config"
	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
	"github.com/JakeFAU/sitemap-harvester/internal/publisher/memory"
)

const listingTemplate = `<!doctype html>
<html><body>
<div id="adp-hero"><figure><img src="/icon.png"></figure><h1>%s</h1></div>
</body></html>`

// newStore serves a sitemap with two good listings, one permanently throttled
// listing, one missing listing, a developer page, and an off-host loc.
func newStore(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		locs := []string{
			srv.URL + "/app-one",
			srv.URL + "/app-two",
			srv.URL + "/throttled",
			srv.URL + "/missing",
			srv.URL + "/partners/dev-one",
			"https://elsewhere.example/app",
		}
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
		for _, loc := range locs {
			fmt.Fprintf(&b, "<url><loc>%s</loc></url>", loc)
		}
		b.WriteString(`</urlset>`)
		_, _ = w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/app-one", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, listingTemplate, "App One")
	})
	mux.HandleFunc("/app-two", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, listingTemplate, "App Two")
	})
	mux.HandleFunc("/throttled", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sitemap.URL = srv.URL + "/sitemap.xml"
	cfg.Sitemap.HostPattern = strings.TrimPrefix(srv.URL, "http://") + "/"
	cfg.Scheduler.BatchSize = 2
	cfg.Scheduler.MaxRetries = 2
	cfg.Scheduler.InitialBackoff = 0
	cfg.Scheduler.BackoffIncrement = 0
	cfg.Scheduler.InterBatchDelay = 0
	cfg.HTTP.Timeout = 5 * time.Second
	cfg.Output.Dir = t.TempDir()
	cfg.Progress.MaxBatchWait = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, scanner.Err())
	return out
}

func urls(lines []map[string]any) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l["url"].(string))
	}
	sort.Strings(out)
	return out
}

func TestRunHarvestsIntoJSONL(t *testing.T) {
	t.Parallel()

	srv := newStore(t)
	cfg := testConfig(t, srv)
	pub := memory.New()

	a, err := app.Build(context.Background(), cfg, nil, app.WithPublisher(pub))
	require.NoError(t, err)

	summary, err := a.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Exhausted)
	assert.Equal(t, 1, summary.Dropped)
	assert.Equal(t, 2, summary.Batches)

	records := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Output.RecordsFile))
	assert.Equal(t, []string{srv.URL + "/app-one", srv.URL + "/app-two"}, urls(records))

	failures := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Output.FailuresFile))
	require.Len(t, failures, 1)
	assert.Equal(t, srv.URL+"/throttled", failures[0]["url"])
	assert.InDelta(t, 2, failures[0]["attempts"], 0)

	apps := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Sitemap.AppsTarget))
	assert.Len(t, apps, 4)
	devs := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Sitemap.DevelopersTarget))
	assert.Equal(t, []string{srv.URL + "/partners/dev-one"}, urls(devs))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		_, ok := m.Payload.(harvest.Notification)
		assert.True(t, ok, "payload %T", m.Payload)
	}

	tally := a.Progress()
	assert.Equal(t, 4, tally.TotalItems)
	assert.Equal(t, 2, tally.Succeeded)
	assert.Equal(t, 1, tally.Exhausted)
	assert.False(t, tally.FinishedAt.IsZero())
}

func TestDiscoverOnlyWritesSnapshots(t *testing.T) {
	t.Parallel()

	srv := newStore(t)
	cfg := testConfig(t, srv)

	a, err := app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	found, err := a.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, found.Apps, 4)
	assert.Len(t, found.Developers, 1)

	records := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Output.RecordsFile))
	assert.Empty(t, records)
}

func TestBuildRejectsUnreachableBackend(t *testing.T) {
	t.Parallel()

	srv := newStore(t)
	cfg := testConfig(t, srv)
	cfg.Output.Backend = config.BackendRedis
	cfg.Redis.URL = "not-a-redis-url"

	_, err := app.Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis sink init failed")
}

func TestStatusHandlerServesProgress(t *testing.T) {
	t.Parallel()

	srv := newStore(t)
	cfg := testConfig(t, srv)

	a, err := app.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
