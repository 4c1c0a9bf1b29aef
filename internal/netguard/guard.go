// Package netguard rejects webhook targets that resolve into disallowed networks.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

var (
	// ErrInvalidURL is returned for URLs without a usable hostname.
	ErrInvalidURL = errors.New("invalid webhook url")

	// ErrUnresolvable is returned when the hostname does not resolve.
	ErrUnresolvable = errors.New("webhook host does not resolve")

	// ErrDisallowedAddress is returned when the host resolves into a disallowed network.
	ErrDisallowedAddress = errors.New("webhook host resolves to a disallowed address")
)

// DefaultDisallowedNetworks are the private ranges blocked when none are configured.
var DefaultDisallowedNetworks = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard holds an immutable set of disallowed prefixes.
type Guard struct {
	prefixes []netip.Prefix
	resolver Resolver
}

// New parses cidrs and returns a Guard using resolver for hostname lookups.
// A nil resolver uses net.DefaultResolver; empty cidrs use DefaultDisallowedNetworks.
func New(cidrs []string, resolver Resolver) (*Guard, error) {
	if len(cidrs) == 0 {
		cidrs = DefaultDisallowedNetworks
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := ParseNetwork(c)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return &Guard{prefixes: prefixes, resolver: resolver}, nil
}

// ParseNetwork accepts a CIDR or a bare address (treated as a single host).
func ParseNetwork(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parse network %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse network %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Networks returns a copy of the disallowed prefixes.
func (g *Guard) Networks() []netip.Prefix {
	out := make([]netip.Prefix, len(g.prefixes))
	copy(out, g.prefixes)
	return out
}

// IsValid reports whether rawURL may be dispatched to.
func (g *Guard) IsValid(ctx context.Context, rawURL string) bool {
	return g.Validate(ctx, rawURL) == nil
}

// Validate resolves the URL's host and checks every address against the
// disallowed networks. Unresolvable hosts are rejected.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing hostname in %q", ErrInvalidURL, rawURL)
	}

	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return err
	}

	for _, addr := range addrs {
		if p, blocked := g.Contains(addr); blocked {
			return fmt.Errorf("%w: %s resolves to %s (in %s)", ErrDisallowedAddress, host, addr, p)
		}
	}
	return nil
}

// DialControl is a net.Dialer Control hook. It checks the address actually
// being dialed, which closes the gap between Validate's lookup and the
// client's own resolution of the same host.
func (g *Guard) DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: dial address %q: %v", ErrInvalidURL, address, err)
	}
	if p, blocked := g.Contains(ap.Addr()); blocked {
		return fmt.Errorf("%w: dialing %s (in %s)", ErrDisallowedAddress, ap.Addr(), p)
	}
	return nil
}

// Contains reports the first disallowed prefix containing addr.
func (g *Guard) Contains(addr netip.Addr) (netip.Prefix, bool) {
	addr = addr.Unmap()
	for _, p := range g.prefixes {
		if p.Contains(addr) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvable, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrUnresolvable, host)
	}
	return addrs, nil
}
