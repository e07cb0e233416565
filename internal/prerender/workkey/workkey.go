// Package workkey derives the identity of a render: two requests for the same
// resource produce the same Key regardless of scheme, host case, default port,
// query parameter order or fragment.
package workkey

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Key is a normalized URL with the scheme stripped, e.g. "example.com/a?a=1&b=2"
type Key string

func (k Key) String() string {
	return string(k)
}

// Target is a parsed render target
type Target struct {
	// URL is the absolute URL handed to the renderer: the requested URL without its fragment
	URL string
	// Host is the lowercased hostname without port
	Host string
	Key  Key
}

// Normalize returns the Key for rawURL
func Normalize(rawURL string) (Key, error) {
	t, err := Parse(rawURL)
	if err != nil {
		return "", err
	}
	return t.Key, nil
}

// Parse validates and normalizes a render target. URLs without a scheme are treated as http.
func Parse(rawURL string) (*Target, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("invalid URL: empty")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + strings.TrimPrefix(rawURL, "//")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid URL: missing host")
	}

	u.Fragment = ""
	u.RawFragment = ""
	requested := u.String()

	host := strings.TrimSuffix(strings.ToLower(u.Host), ".")
	if (u.Scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}

	hostname := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if !strings.Contains(hostname, ".") && hostname != "localhost" && net.ParseIP(hostname) == nil {
		return nil, fmt.Errorf("invalid URL: invalid host '%s'", u.Host)
	}

	key := host + normalizePath(u.EscapedPath())
	if query := NormalizeQuery(u.RawQuery); query != "" {
		key += "?" + query
	}

	return &Target{
		URL:  requested,
		Host: hostname,
		Key:  Key(key),
	}, nil
}

// normalizePath resolves dot segments and drops empty ones in an escaped path.
// Segments are split on literal slashes only, so an encoded %2F stays inside its
// segment; a segment counts as a dot segment when it decodes to "." or "..".
func normalizePath(escaped string) string {
	if escaped == "" {
		return "/"
	}

	var resolved []string
	for _, part := range strings.Split(escaped, "/") {
		switch dotSegment(part) {
		case "":
			resolved = append(resolved, part)
		case ".":
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
		}
	}

	result := "/" + strings.Join(resolved, "/")
	if len(resolved) > 0 && strings.HasSuffix(escaped, "/") {
		result += "/"
	}
	return result
}

// dotSegment returns "." for empty and current-directory segments, ".." for parent
// segments and "" for everything else
func dotSegment(part string) string {
	if part == "" {
		return "."
	}
	decoded, err := url.PathUnescape(part)
	if err != nil {
		return ""
	}
	switch decoded {
	case ".", "..":
		return decoded
	}
	return ""
}

// NormalizeQuery sorts query parameters by key, keeping the value order of repeated keys
func NormalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		for _, value := range values[key] {
			if value == "" {
				parts = append(parts, url.QueryEscape(key))
			} else {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
	}
	return strings.Join(parts, "&")
}
