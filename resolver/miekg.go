package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/miekg/dns"
)

// DefaultServer is used when MiekgResolver.Server is empty, matching the "default resolver
// is 1.1.1.1" requirement.
const DefaultServer = "1.1.1.1:53"

// MiekgResolver answers lookups by exchanging queries with a single upstream DNS server
// using github.com/miekg/dns, the way the rest of this codebase talks to DNS.
type MiekgResolver struct {
	// Server is "host:port" of the upstream resolver. Defaults to DefaultServer.
	Server string
}

func (r MiekgResolver) server() string {
	if r.Server == "" {
		return DefaultServer
	}
	return r.Server
}

func (r MiekgResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	client := new(dns.Client)
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), qtype)
	response, _, err := client.ExchangeContext(ctx, query, r.server())
	if err != nil {
		return nil, fmt.Errorf("resolver: query %s %s failed: %w", name, dns.TypeToString[qtype], err)
	}
	if response.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver: query %s %s returned rcode %s", name, dns.TypeToString[qtype], dns.RcodeToString[response.Rcode])
	}
	return response, nil
}

// LookupTXT implements Resolver.
func (r MiekgResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	response, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range response.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, joinTXT(txt.Txt))
		}
	}
	return out, nil
}

// joinTXT concatenates the (possibly multi-segment) strings of a single TXT record, the way
// a DNS TXT record's character-strings are meant to be read as one logical value.
func joinTXT(segments []string) string {
	out := ""
	for _, s := range segments {
		out += s
	}
	return out
}

// LookupHost implements Resolver, querying both A and AAAA records.
func (r MiekgResolver) LookupHost(ctx context.Context, name string) ([]net.IP, error) {
	var ips []net.IP
	if response, err := r.exchange(ctx, name, dns.TypeA); err == nil {
		for _, rr := range response.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}
	if response, err := r.exchange(ctx, name, dns.TypeAAAA); err == nil {
		for _, rr := range response.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no A/AAAA records for %s", name)
	}
	return ips, nil
}

// LookupMX implements Resolver.
func (r MiekgResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	response, err := r.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var out []*net.MX
	for _, rr := range response.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
	return out, nil
}
