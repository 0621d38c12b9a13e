package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host and scheme", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"drops default port", "http://example.com:80/a", "http://example.com/a"},
		{"drops fragment", "https://example.com/a#top", "https://example.com/a"},
		{"trims trailing slash", "https://example.com/a/b/", "https://example.com/a/b"},
		{"keeps root slash", "https://example.com", "https://example.com/"},
		{"sorts query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURL_RejectsNonHTTP(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("mailto:someone@example.com")
	require.Error(t, err)
	_, err = NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestNormalizeImageURL_StripsQuery(t *testing.T) {
	t.Parallel()

	a, err := NormalizeImageURL("https://cdn.example.com/img/cat.png?sig=abc&exp=1")
	require.NoError(t, err)
	b, err := NormalizeImageURL("https://CDN.example.com/img/cat.png?sig=xyz")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/img/cat.png", a)
	require.Equal(t, a, b)
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	require.True(t, SameHost("https://www.example.com/a", "example.com"))
	require.True(t, SameHost("https://example.com:8443/a", "EXAMPLE.com"))
	require.False(t, SameHost("https://other.com/a", "example.com"))
}
