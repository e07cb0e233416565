// Package urlutil guards render targets against requests into private networks.
package urlutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrPrivateTarget is returned for loopback, private and reserved targets
var ErrPrivateTarget = errors.New("target host is private or reserved")

var privateRanges = mustParseCIDRs(
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"169.254.0.0/16", // link-local, cloud metadata
	"100.64.0.0/10",  // CGNAT (RFC 6598)
	"0.0.0.0/8",      // "this" network
	"224.0.0.0/4",    // multicast
	"::1/128",        // loopback
	"fe80::/10",      // link-local
	"fc00::/7",       // unique local
	"ff00::/8",       // multicast
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// IsPrivateIP reports whether ip is in a private or reserved range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range privateRanges {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateTargetHost rejects localhost names and private IP literals. host may carry a port
// and IPv6 brackets. Domain names are not resolved, so a public name pointing at a private
// address passes.
func ValidateTargetHost(host string) error {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	hostname = strings.TrimSuffix(strings.Trim(hostname, "[]"), ".")

	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: %s", ErrPrivateTarget, host)
	}

	if ip := net.ParseIP(hostname); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("%w: %s", ErrPrivateTarget, host)
	}
	return nil
}
