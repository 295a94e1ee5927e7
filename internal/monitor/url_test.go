package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"strips fragment", "https://example.com/page#section", "https://example.com/page"},
		{"sorts query params", "https://example.com/p?b=2&a=1", "https://example.com/p?a=1&b=2"},
		{"lowercases host", "https://EXAMPLE.com/Path", "https://example.com/Path"},
		{"removes default https port", "https://example.com:443/x", "https://example.com/x"},
		{"removes default http port", "http://example.com:80/x", "http://example.com/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURL_Idempotent(t *testing.T) {
	t.Parallel()

	urls := []string{
		"https://example.com/a/b?z=9&a=1&m=5#frag",
		"HTTP://Example.COM:80/path?q=%20x",
		"https://example.com/docs/report.pdf",
	}
	for _, raw := range urls {
		once, err := NormalizeURL(raw)
		require.NoError(t, err)
		twice, err := NormalizeURL(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestNormalizeURL_RejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://example.com/news/index.html", "../files/a.pdf")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/files/a.pdf", got)

	got, err = ResolveURL("https://example.com/news/", "https://other.com/x#top")
	require.NoError(t, err)
	require.Equal(t, "https://other.com/x", got)
}

func TestURLHash_StablePerNormalizedURL(t *testing.T) {
	t.Parallel()

	a, err := NormalizeURL("https://example.com/p?b=2&a=1")
	require.NoError(t, err)
	b, err := NormalizeURL("https://example.com/p?a=1&b=2#frag")
	require.NoError(t, err)
	require.Equal(t, URLHash(a), URLHash(b))
	require.Len(t, URLHash(a), 64)
}

func TestURLExtension(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pdf", URLExtension("https://example.com/files/Report.PDF?dl=1"))
	require.Equal(t, "", URLExtension("https://example.com/files/"))
	require.Equal(t, "docx", URLExtension("plain/name.docx"))
}

func TestURLBasename(t *testing.T) {
	t.Parallel()

	require.Equal(t, "report.pdf", URLBasename("https://example.com/a/report.pdf?x=1"))
}
