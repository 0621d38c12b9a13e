package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a page URL into its frontier key.
// It lowercases the scheme and host, removes default ports, drops the
// fragment, sorts query parameters, and trims a trailing slash unless the
// path is the root.
func NormalizeURL(rawURL string) (string, error) {
	u, err := parseHTTP(rawURL)
	if err != nil {
		return "", err
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// NormalizeImageURL canonicalizes an image URL into its dedup key. The query
// string is dropped so signed CDN variants collapse to one asset.
func NormalizeImageURL(rawURL string) (string, error) {
	u, err := parseHTTP(rawURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String(), nil
}

// ResolveReference resolves href against base. The result is absolute but not
// normalized.
func ResolveReference(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

// Hostname returns the lower-cased host of rawURL without port.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SameHost reports whether rawURL belongs to allowedHost, ignoring a leading www.
func SameHost(rawURL, allowedHost string) bool {
	host := strings.TrimPrefix(Hostname(rawURL), "www.")
	allowed := strings.TrimPrefix(strings.ToLower(allowedHost), "www.")
	return host != "" && host == allowed
}

func parseHTTP(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
