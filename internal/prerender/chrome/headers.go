package chrome

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/fetch"
)

// isSameHost reports whether requestURL has exactly the scheme and host of targetOrigin.
// Forwarded client headers are only attached to such requests.
func isSameHost(requestURL, targetOrigin string) bool {
	if targetOrigin == "" {
		return false
	}

	reqParsed, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	targetParsed, err := url.Parse(targetOrigin)
	if err != nil {
		return false
	}

	return reqParsed.Scheme == targetParsed.Scheme &&
		strings.EqualFold(reqParsed.Host, targetParsed.Host)
}

// mergeRequestHeaders merges the browser's headers with forwarded client headers.
// Forwarded headers win (case-insensitive). Cookie values join with "; ", others with ", ".
func mergeRequestHeaders(original map[string]interface{}, injected map[string][]string) []*fetch.HeaderEntry {
	headers := make([]*fetch.HeaderEntry, 0, len(original)+len(injected))

	injectedLower := make(map[string]bool, len(injected))
	for name := range injected {
		injectedLower[strings.ToLower(name)] = true
	}

	for name, value := range original {
		if str, ok := value.(string); ok && !injectedLower[strings.ToLower(name)] {
			headers = append(headers, &fetch.HeaderEntry{Name: name, Value: str})
		}
	}

	for name, values := range injected {
		if len(values) == 0 {
			continue
		}
		separator := ", "
		if strings.EqualFold(name, "cookie") {
			separator = "; "
		}
		headers = append(headers, &fetch.HeaderEntry{Name: name, Value: strings.Join(values, separator)})
	}

	return headers
}

// extractOrigin returns scheme://host of rawURL, or "" when it does not parse
func extractOrigin(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}

// urlsMatchIgnoringFragment compares URLs ignoring fragments and percent-encoding differences
func urlsMatchIgnoringFragment(url1, url2 string) bool {
	base1, _, _ := strings.Cut(url1, "#")
	base2, _, _ := strings.Cut(url2, "#")

	if base1 == base2 {
		return true
	}

	decoded1, err1 := url.QueryUnescape(base1)
	decoded2, err2 := url.QueryUnescape(base2)
	if err1 == nil && err2 == nil && decoded1 == decoded2 {
		return true
	}

	parsed1, err1 := url.Parse(base1)
	parsed2, err2 := url.Parse(base2)
	if err1 != nil || err2 != nil {
		return false
	}

	return strings.EqualFold(parsed1.Host, parsed2.Host) &&
		parsed1.Scheme == parsed2.Scheme &&
		parsed1.Path == parsed2.Path &&
		parsed1.RawQuery == parsed2.RawQuery
}
