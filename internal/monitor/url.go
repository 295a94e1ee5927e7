package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL canonicalizes a URL so repeated discoveries of the same target
// collapse onto one tracked row. It lowercases scheme and host, removes
// default ports, strips the fragment, and sorts query parameters. The result
// is stable under re-normalization.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	// Encode() emits parameters in sorted key order.
	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// ResolveURL resolves a possibly relative href against a base URL and
// normalizes the result.
func ResolveURL(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return NormalizeURL(base.ResolveReference(ref).String())
}

// URLHash derives the stable content-addressed identifier used for dedup.
func URLHash(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// ContentHash digests extracted page content for change detection.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// URLExtension returns the lowercased file extension of a URL's path, without
// the leading dot. Unparsable input falls back to treating the whole string
// as a path.
func URLExtension(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(rawURL)), ".")
}

// URLBasename returns the final path element of a URL, for download filenames.
func URLBasename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}
