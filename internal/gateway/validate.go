package gateway

import (
	"context"
	"net"
	"net/url"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// blockedNets are address ranges an outbound request may never target.
// Covers loopback, link-local, private, CGNAT, multicast and reserved
// space for both address families.
var blockedNets = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

func ipBlocked(ip net.IP) bool {
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// validateURL checks the URL shape and resolves its hostname exactly
// once. Every resolved address must be publicly routable; the first
// safe address is returned and later pinned for the actual dial.
func (g *Gateway) validateURL(ctx context.Context, raw string) (*url.URL, net.IP, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, werrors.Wrap(err, werrors.KindBlockedURL, "malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, werrors.Newf(werrors.KindBlockedURL, "scheme %q not allowed", u.Scheme)
	}
	if u.Fragment != "" {
		return nil, nil, werrors.New(werrors.KindBlockedURL, "fragment URLs not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return nil, nil, werrors.New(werrors.KindBlockedURL, "missing hostname")
	}

	// A literal IP skips DNS but still goes through the range check.
	if ip := net.ParseIP(host); ip != nil {
		if ipBlocked(ip) {
			return nil, nil, werrors.Newf(werrors.KindBlockedURL, "address %s is not publicly routable", ip)
		}
		return u, ip, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, nil, werrors.WrapRetryable(err, werrors.KindDNSFailure, "resolve "+host)
	}
	if len(addrs) == 0 {
		return nil, nil, werrors.New(werrors.KindDNSFailure, "no addresses for "+host)
	}
	for _, a := range addrs {
		if ipBlocked(a.IP) {
			return nil, nil, werrors.Newf(werrors.KindBlockedURL, "%s resolves to %s", host, a.IP)
		}
	}
	return u, addrs[0].IP, nil
}
