package probe

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeUsesHead(t *testing.T) {
	t.Parallel()

	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Tue, 14 Nov 2023 08:00:00 GMT")
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(Config{}, nil)
	res, err := client.Probe(context.Background(), srv.URL+"/file.pdf")
	require.NoError(t, err)
	require.Equal(t, http.MethodHead, gotMethod)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, `"abc123"`, res.ETag)
	require.Equal(t, int64(2048), res.ContentLength)
	require.NotNil(t, res.LastModified)
	require.Equal(t, time.Date(2023, time.November, 14, 8, 0, 0, 0, time.UTC), *res.LastModified)
}

func TestProbeFallsBackToRangedGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		require.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-0/9000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0x25})
	}))
	defer srv.Close()

	client := New(Config{}, nil)
	res, err := client.Probe(context.Background(), srv.URL+"/file.pdf")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, int64(9000), res.ContentLength)
}

func TestProbeReportsNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(Config{}, nil)
	res, err := client.Probe(context.Background(), srv.URL+"/missing.pdf")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDownloadStreamsBody(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("pdf-bytes "), 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Write(payload)
	}))
	defer srv.Close()

	client := New(Config{}, nil)
	var buf bytes.Buffer
	n, err := client.Download(context.Background(), srv.URL+"/file.pdf", &buf)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.Equal(t, payload, buf.Bytes())
}

func TestDownloadRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := New(Config{}, nil)
	var buf bytes.Buffer
	_, err := client.Download(context.Background(), srv.URL+"/file.pdf", &buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 403")
}

func TestRedirectLimit(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	client := New(Config{MaxRedirects: 2}, nil)
	var buf bytes.Buffer
	_, err := client.Download(context.Background(), srv.URL+"/loop", &buf)
	require.Error(t, err)
}
