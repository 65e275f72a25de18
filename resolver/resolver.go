// Package resolver provides the DNS lookups SPF and DKIM verification consume: TXT records
// (SPF policy, DKIM selector keys) and A/AAAA/MX records (SPF "a"/"mx" mechanisms). Lookups
// go through an explicit, injectable interface — rather than the stdlib's package-level
// net.LookupTXT/net.LookupMX/net.LookupIP — so tests can substitute a fixed zone file and so
// embedders can point resolution at a specific server instead of the OS default.
package resolver

import (
	"context"
	"net"
)

// Resolver is the DNS surface SPF/DKIM need.
type Resolver interface {
	// LookupTXT returns every TXT record attached to name.
	LookupTXT(ctx context.Context, name string) ([]string, error)
	// LookupHost returns the A/AAAA records for name.
	LookupHost(ctx context.Context, name string) ([]net.IP, error)
	// LookupMX returns the MX records for name, in preference order.
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}
