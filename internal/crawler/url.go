package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// parseStartURL accepts absolute http(s) URLs only.
func parseStartURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("start url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("start url %q: missing host", raw)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return normalize(u), nil
}

// NormalizeURL lowercases the scheme and host, drops default ports and the
// fragment, and sorts query parameters so one page records once.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalize(u).String(), nil
}

func normalize(u *url.URL) *url.URL {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.ToLower(out.Host)
	switch {
	case out.Scheme == "http" && strings.HasSuffix(out.Host, ":80"):
		out.Host = strings.TrimSuffix(out.Host, ":80")
	case out.Scheme == "https" && strings.HasSuffix(out.Host, ":443"):
		out.Host = strings.TrimSuffix(out.Host, ":443")
	}
	out.Fragment = ""
	out.RawFragment = ""
	if out.RawQuery != "" {
		out.RawQuery = out.Query().Encode()
	}
	return &out
}

// followable resolves href against base and reports whether the result stays
// on host.
func followable(base *url.URL, href, host string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := normalize(base.ResolveReference(ref))
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if abs.Host != host {
		return "", false
	}
	return abs.String(), true
}
