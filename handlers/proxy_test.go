package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andesco/sieve/pkg/fetch"
	"github.com/andesco/sieve/pkg/rewrite"
	"github.com/andesco/sieve/pkg/ruleset"
)

const page = `<html><body><div class="ad-banner"><a href="http://ads.example.com">buy</a></div>` +
	`<a href="http://example.com/next">next</a><img src="/local.png"></body></html>`

const rewritten = `<html><body>` +
	`<a href="/proxy?url=http://example.com/next">next</a><img src="/local.png"></body></html>`

type upstream struct {
	*httptest.Server
	hits     atomic.Int32
	rawQuery atomic.Value
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.rawQuery.Store(r.URL.RawQuery)
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func servePage(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, body)
	}
}

func newTestApp(t *testing.T, cfg Config) *fiber.App {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(nil)
	}
	if cfg.Limits == (rewrite.Limits{}) {
		cfg.Limits = rewrite.DefaultLimits
	}
	app, err := NewApp(ServerConfig{Proxy: cfg})
	require.NoError(t, err)
	return app
}

func get(t *testing.T, app *fiber.App, target string) (int, http.Header, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, string(b)
}

func proxyTarget(target string) string {
	return ProxyPath + "?url=" + url.QueryEscape(target)
}

func TestProxySite(t *testing.T) {
	up := newUpstream(t, servePage(page))
	app := newTestApp(t, Config{})

	status, header, body := get(t, app, proxyTarget(up.URL))
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(header.Get("Content-Type"), "text/html"))
	assert.Equal(t, rewritten, body)
	assert.EqualValues(t, 1, up.hits.Load())
}

func TestProxySiteBadRequest(t *testing.T) {
	up := newUpstream(t, servePage(page))
	app := newTestApp(t, Config{AllowedDomains: []string{"example.com"}})

	for _, target := range []string{
		ProxyPath,
		ProxyPath + "?url=",
		ProxyPath + "?other=http://example.com",
		proxyTarget("/relative/path"),
		proxyTarget("ftp://example.com/file"),
		proxyTarget("http://%zz"),
		proxyTarget(up.URL),
	} {
		status, _, body := get(t, app, target)
		assert.Equal(t, http.StatusBadRequest, status, target)
		assert.Empty(t, body, target)
	}
	assert.Zero(t, up.hits.Load())
}

func TestProxySiteUpstreamFailure(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		target := srv.URL
		srv.Close()

		status, _, body := get(t, newTestApp(t, Config{}), proxyTarget(target))
		assert.Equal(t, http.StatusBadGateway, status)
		assert.Empty(t, body)
	})
	t.Run("non-2xx", func(t *testing.T) {
		up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "<p>gone</p>", http.StatusGone)
		})

		status, _, body := get(t, newTestApp(t, Config{}), proxyTarget(up.URL))
		assert.Equal(t, http.StatusBadGateway, status)
		assert.Empty(t, body)
	})
}

func TestProxySiteResourceLimit(t *testing.T) {
	up := newUpstream(t, servePage("<p>"+strings.Repeat("x", 4096)+"</p>"))
	app := newTestApp(t, Config{Limits: rewrite.Limits{MaxBuffer: 128}})

	status, _, body := get(t, app, proxyTarget(up.URL))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Empty(t, body)
}

func TestProxySiteBodyTooLarge(t *testing.T) {
	up := newUpstream(t, servePage(page))
	f := fetch.New(nil)
	f.MaxBody = 16
	app := newTestApp(t, Config{Fetcher: f})

	status, _, body := get(t, app, proxyTarget(up.URL))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Empty(t, body)
}

func TestProxySiteBaseContextCancelsFetch(t *testing.T) {
	up := newUpstream(t, servePage(page))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	app, err := NewApp(ServerConfig{
		Proxy:       Config{Logger: zerolog.Nop(), Limits: rewrite.DefaultLimits},
		BaseContext: ctx,
	})
	require.NoError(t, err)

	status, _, body := get(t, app, proxyTarget(up.URL))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Empty(t, body)
	assert.Zero(t, up.hits.Load())
}

func TestProxySiteRecoversNestedQuery(t *testing.T) {
	up := newUpstream(t, servePage("<p>ok</p>"))
	app := newTestApp(t, Config{})

	// The shape rewritten links take: the target is embedded unescaped.
	status, _, _ := get(t, app, ProxyPath+"?url="+up.URL+"/search?q=go&page=2")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "q=go&page=2", up.rawQuery.Load())

	status, _, _ = get(t, app, ProxyPath+"?url="+up.URL+"/plain&page=2")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "", up.rawQuery.Load())
}

func TestProxySiteRuleset(t *testing.T) {
	const doc = `<script>track()</script><p>story</p><video src="http://cdn.example.com/v.mp4"></video>`
	up := newUpstream(t, servePage(doc))

	rules := ruleset.RuleSet{{
		Domain: "127.0.0.1",
		Paths:  []string{"/news"},
		Remove: []string{"script"},
		Proxy:  []ruleset.Proxy{{Selector: "video[src]", Attr: "src"}},
	}}
	app := newTestApp(t, Config{Rules: rules})

	_, _, body := get(t, app, proxyTarget(up.URL+"/news/1"))
	assert.Equal(t, `<p>story</p><video src="/proxy?url=http://cdn.example.com/v.mp4"></video>`, body)

	_, _, body = get(t, app, proxyTarget(up.URL+"/other"))
	assert.Equal(t, doc, body)
}

func TestProxySiteInvalidRuleset(t *testing.T) {
	_, err := ProxySite(Config{Rules: ruleset.RuleSet{{Domain: "x.com", Remove: []string{"[["}}}})
	require.Error(t, err)
}

func TestProxySiteMetrics(t *testing.T) {
	up := newUpstream(t, servePage(page))
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	app := newTestApp(t, Config{Metrics: m})

	get(t, app, proxyTarget(up.URL))
	get(t, app, ProxyPath)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("400")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.removed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rewritten))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	m.observeStatus(http.StatusOK)

	app, err := NewApp(ServerConfig{Proxy: Config{Logger: zerolog.Nop(), Metrics: m}, Gatherer: reg})
	require.NoError(t, err)

	status, _, body := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `test_proxy_requests_total{code="200"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	status, _, body := get(t, newTestApp(t, Config{}), "/elsewhere")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Empty(t, body)
}
