package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PeerURL validates federation peer endpoints so a misconfigured or hostile
// peer list cannot steer sync traffic at loopback, link-local, or cloud
// metadata targets. DNS results are re-checked at dial time to close the
// rebinding window.
//
// Peers on RFC 1918 ranges are legitimate in on-prem deployments, so private
// addresses are allowed by default and only the always-dangerous targets are
// blocked.
type PeerURL struct {
	allowPrivate bool
	blockedHosts map[string]struct{}
}

// NewPeerURL creates a validator for peer endpoints.
func NewPeerURL(allowPrivate bool) *PeerURL {
	return &PeerURL{
		allowPrivate: allowPrivate,
		blockedHosts: map[string]struct{}{
			"metadata.google.internal": {},
			"metadata.gce.internal":    {},
			"metadata.internal":        {},
		},
	}
}

// Validate checks a peer base URL before it is accepted into the sync set.
func (v *PeerURL) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid peer url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported peer scheme %q", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("peer url must not embed credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("peer url has no host")
	}
	return v.checkHost(host)
}

func (v *PeerURL) checkHost(host string) error {
	if _, blocked := v.blockedHosts[strings.ToLower(host)]; blocked {
		return fmt.Errorf("blocked peer host %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return v.checkIP(ip)
	}
	// Hostnames resolve at dial time; Transport re-checks the results.
	return nil
}

func (v *PeerURL) checkIP(ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback peer address %s", ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local peer address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified peer address %s", ip)
	case ip.IsPrivate() && !v.allowPrivate:
		return fmt.Errorf("private peer address %s not allowed", ip)
	}
	return nil
}

// Transport returns an http.Transport whose dialer validates every resolved
// address before connecting.
func (v *PeerURL) Transport() *http.Transport {
	return &http.Transport{
		DialContext:         v.dialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func (v *PeerURL) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := v.checkIP(ip); err != nil {
			return nil, fmt.Errorf("peer dial blocked: %w", err)
		}
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolving peer %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := v.checkIP(ip); err != nil {
			return nil, fmt.Errorf("peer dial blocked (%s resolved to %s): %w", host, ip, err)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses resolved for peer %s", host)
	}

	// Dial the address that passed the check to avoid a second resolution.
	target := ips[0].String()
	if port != "" {
		target = net.JoinHostPort(target, port)
	}
	return (&net.Dialer{}).DialContext(ctx, network, target)
}
