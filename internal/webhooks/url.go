package webhooks

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var errUnsafeURL = errors.New("webhook url must be a public http(s) endpoint")

// ValidateURL rejects targets that would let a subscriber reach internal
// services: non-http schemes, userinfo, localhost and literal private,
// loopback or link-local addresses. Hostnames are not resolved.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errUnsafeURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q", errUnsafeURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", errUnsafeURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: host %q", errUnsafeURL, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
			addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast() {
			return fmt.Errorf("%w: address %s", errUnsafeURL, addr)
		}
	}
	return nil
}
