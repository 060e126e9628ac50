package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	userAgents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgents <- r.Header.Get("User-Agent")
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<p>hello</p>"))
	}))
	defer srv.Close()

	f := New(srv.Client())
	body, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", body)
	assert.Contains(t, <-userAgents, "Go-http-client")

	f.UserAgent = "sieve-test/1.0"
	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "sieve-test/1.0", <-userAgents)
}

func TestFetchDecodesCharset(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
			w.Write([]byte("<p>caf\xe9</p>"))
		}))
		defer srv.Close()

		body, err := New(srv.Client()).Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "<p>café</p>", body)
	})
	t.Run("meta", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<meta charset="windows-1252"><p>caf` + "\xe9" + `</p>`))
		}))
		defer srv.Close()

		body, err := New(srv.Client()).Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Contains(t, body, "<p>café</p>")
	})
}

func TestFetchErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		_, err := New(srv.Client()).Fetch(context.Background(), srv.URL)
		require.ErrorIs(t, err, ErrUpstreamUnreachable)

		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
	})
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := New(nil).Fetch(context.Background(), url)
		require.ErrorIs(t, err, ErrUpstreamUnreachable)
	})
	t.Run("invalid url", func(t *testing.T) {
		_, err := New(nil).Fetch(context.Background(), "http://[::1")
		require.ErrorIs(t, err, ErrUpstreamUnreachable)
	})
	t.Run("timeout", func(t *testing.T) {
		done := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-done:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(done)

		f := New(&http.Client{Timeout: 50 * time.Millisecond})
		_, err := f.Fetch(context.Background(), srv.URL)
		require.ErrorIs(t, err, ErrUpstreamUnreachable)
	})
	t.Run("canceled", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := New(srv.Client()).Fetch(ctx, srv.URL)
		require.ErrorIs(t, err, ErrUpstreamUnreachable)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFetchMaxBody(t *testing.T) {
	body := strings.Repeat("x", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Path == "/chunked" {
			w.(http.Flusher).Flush()
		}
		io.WriteString(w, body)
	}))
	defer srv.Close()

	f := New(srv.Client())
	assert.EqualValues(t, DefaultMaxBody, f.MaxBody)

	for _, path := range []string{"/sized", "/chunked"} {
		f.MaxBody = 99
		_, err := f.Fetch(context.Background(), srv.URL+path)
		require.ErrorIs(t, err, ErrBodyTooLarge, path)
		assert.False(t, errors.Is(err, ErrUpstreamUnreachable), path)

		f.MaxBody = 100
		got, err := f.Fetch(context.Background(), srv.URL+path)
		require.NoError(t, err, path)
		assert.Equal(t, body, got, path)

		f.MaxBody = 0
		_, err = f.Fetch(context.Background(), srv.URL+path)
		require.NoError(t, err, path)
	}
}
