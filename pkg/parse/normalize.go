package parse

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

// DomainSet is the immutable set of hosts a crawl may admit.
type DomainSet struct {
	hosts map[string]struct{}
}

// NewDomainSet builds a DomainSet from host names. Entries are lowercased and
// trimmed; a trailing dot and surrounding whitespace are ignored.
func NewDomainSet(domains []string) DomainSet {
	hosts := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			hosts[d] = struct{}{}
		}
	}
	return DomainSet{hosts: hosts}
}

// Contains reports whether host is allowed. host may carry a port; it matches
// either an exact "host:port" entry or the bare host name.
func (d DomainSet) Contains(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if _, ok := d.hosts[host]; ok {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		_, ok := d.hosts[h]
		return ok
	}
	return false
}

// Len returns the number of allowed hosts.
func (d DomainSet) Len() int { return len(d.hosts) }

// Domains returns the allowed hosts in sorted order.
func (d DomainSet) Domains() []string {
	out := make([]string, 0, len(d.hosts))
	for h := range d.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// NormalizeURL standardizes a URL for comparison and storage
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), ensures empty path becomes "/", and removes user info, fragments and query strings
// Trailing slashes are kept: "/docs" and "/docs/" are distinct addresses
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return normalizedCopy(u).String()
}

func normalizedCopy(u *url.URL) *url.URL {
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	normalized.User = nil

	// example.com. and example.com name the same host
	host, port, err := net.SplitHostPort(normalized.Host)
	if err != nil {
		host, port = normalized.Host, ""
	}
	host = strings.TrimSuffix(host, ".")
	if (normalized.Scheme == "http" && port == "80") ||
		(normalized.Scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		normalized.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
		normalized.Host = "[" + host + "]"
	default:
		normalized.Host = host
	}

	if normalized.Path == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.RawQuery = ""
	normalized.ForceQuery = false

	return &normalized
}

// Normalize resolves rawLink against base, canonicalizes it and checks it against the allowed hosts.
// It returns an error wrapping utils.ErrMalformedLink when the link cannot be resolved to an absolute
// http(s) URL, and utils.ErrDisallowedDomain when its host is not in allowed.
// Identical inputs always yield identical output.
func Normalize(base *url.URL, rawLink string, allowed DomainSet) (*url.URL, error) {
	link := strings.TrimSpace(rawLink)
	ref, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", utils.ErrMalformedLink, rawLink, err)
	}

	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	if !resolved.IsAbs() {
		return nil, fmt.Errorf("%w: %q does not resolve to an absolute URL", utils.ErrMalformedLink, rawLink)
	}

	scheme := strings.ToLower(resolved.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q in %q", utils.ErrMalformedLink, resolved.Scheme, rawLink)
	}
	if resolved.Opaque != "" || resolved.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", utils.ErrMalformedLink, rawLink)
	}

	normalized := normalizedCopy(resolved)
	if !allowed.Contains(normalized.Host) {
		return nil, fmt.Errorf("%w: %s", utils.ErrDisallowedDomain, normalized.Host)
	}
	return normalized, nil
}

// ParseSeed parses an absolute seed URL using the stricter url.ParseRequestURI and normalizes it.
// Seeds are configuration, so any failure here is fatal to the run.
func ParseSeed(raw string) (*url.URL, error) {
	parsed, err := url.ParseRequestURI(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrMalformedLink, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: seed %q must be an absolute http(s) URL", utils.ErrMalformedLink, raw)
	}
	return normalizedCopy(parsed), nil
}
