package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrURLNotAllowed = errors.New("url not allowed")

// URLPolicy restricts the backend URLs a client may talk to.
type URLPolicy struct {
	// AllowHTTP permits plain HTTP. HTTPS is always allowed.
	AllowHTTP bool
	// AllowLocalNetworks permits loopback, private and link-local targets and localhost names.
	AllowLocalNetworks bool
}

// Permissive allows any http(s) URL with a host, e.g. a backend on localhost during development.
var Permissive = URLPolicy{AllowHTTP: true, AllowLocalNetworks: true}

// ValidateURL checks a configured endpoint against the policy. IP literals are checked without
// DNS lookups.
func ValidateURL(rawURL string, p URLPolicy) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "invalid url %q", rawURL)
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return errors.Wrapf(ErrURLNotAllowed, "%s: plain http", rawURL)
		}
	default:
		return errors.Wrapf(ErrURLNotAllowed, "%s: unsupported scheme %q", rawURL, parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Wrapf(ErrURLNotAllowed, "%s: missing host", rawURL)
	}

	if !p.AllowLocalNetworks && (host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")) {
		return errors.Wrapf(ErrURLNotAllowed, "%s: local host name", rawURL)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" && !p.AllowLocalNetworks {
		return errors.Wrapf(ErrURLNotAllowed, "%s: zoned address", rawURL)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Wrapf(ErrURLNotAllowed, "%s: unusable address", rawURL)
	}
	if !p.AllowLocalNetworks && (addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()) {
		return errors.Wrapf(ErrURLNotAllowed, "%s: local network address", rawURL)
	}
	return nil
}
