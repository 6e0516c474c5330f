// Package hostlist decides which remote hosts may receive the bot's
// credentials.
package hostlist

import (
	"net"
	"net/url"
	"strings"
)

// List is a set of host patterns. An entry is either an exact host name
// ("smba.trafficmanager.net") or a wildcard for its subdomains
// ("*.botframework.com", which does not match botframework.com itself).
// Ports are ignored.
type List []string

// Parse splits a comma-separated pattern list.
func Parse(s string) List {
	var l List
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			l = append(l, p)
		}
	}
	return l
}

// AllowsHost reports whether host (with or without a port) matches an entry.
func (l List) AllowsHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, pattern := range l {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// Allows reports whether u may be sent credentials: its host must match
// and it must be https, except for loopback hosts used in local setups.
func (l List) Allows(u *url.URL) bool {
	if u == nil || u.User != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return false
		}
	default:
		return false
	}
	return l.AllowsHost(u.Hostname())
}

// AllowsURL is Allows for a raw URL. Unparseable URLs are not allowed.
func (l List) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return l.Allows(u)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
