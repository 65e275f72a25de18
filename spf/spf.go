// Package spf implements SPF (Sender Policy Framework) lookup and evaluation: recursive
// include/redirect expansion, mechanism matching against a client IP, and the "all"
// qualifier, bounded so a malicious or misconfigured zone cannot force unbounded recursion.
//
// Supported mechanisms: all, include, a, mx, ip4, ip6, redirect.
// Not supported (evaluate as Neutral): exists, ptr, exp, macros.
//
// Reference: https://tools.ietf.org/html/rfc7208
package spf

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/mailgrove/smtpd/resolver"
)

// Code is the SPF result code, matching RFC 7208 §8's wire values.
type Code string

const (
	None      Code = "none"
	Neutral   Code = "neutral"
	Pass      Code = "pass"
	Fail      Code = "fail"
	SoftFail  Code = "softfail"
	TempError Code = "temperror"
	PermError Code = "permerror"
)

var qualToCode = map[byte]Code{
	'+': Pass,
	'-': Fail,
	'~': SoftFail,
	'?': Neutral,
}

// Policy controls how a match on a soft-qualified "all" ("~all"/"?all") resolves — a
// deferred judgment call the algorithm itself cannot make. A record that ends without
// matching any mechanism evaluates to Neutral under either policy.
type Policy int

const (
	// Strict leaves "~all"/"?all" as SoftFail/Neutral.
	Strict Policy = iota
	// Passive treats "~all"/"?all" as a Pass.
	Passive
)

// Config bounds one CheckHost evaluation.
type Config struct {
	// Policy decides how "~all"/"?all" resolve. Default Strict.
	Policy Policy
	// MaxIncludes caps "include:" recursion depth. Default 10, matching RFC 7208 §4.6.4's
	// suggested DNS-lookup ceiling.
	MaxIncludes int
	// MaxDepth caps "redirect=" chases. Default 10.
	MaxDepth int
	Resolver resolver.Resolver
}

func (c Config) maxIncludes() int {
	if c.MaxIncludes <= 0 {
		return 10
	}
	return c.MaxIncludes
}

func (c Config) maxDepth() int {
	if c.MaxDepth <= 0 {
		return 10
	}
	return c.MaxDepth
}

// Result is the outcome of one CheckHost call.
type Result struct {
	Pass             bool
	Code             Code
	MatchedRecord    string
	MatchedMechanism string
}

// CheckHost fetches the SPF TXT record for domain, parses its mechanisms, and evaluates them
// against ip, recursing through include/redirect as needed.
func CheckHost(ctx context.Context, cfg Config, ip net.IP, domain string) (Result, error) {
	e := &evaluation{ctx: ctx, cfg: cfg, ip: ip}
	code, record, mechanism, err := e.check(domain, 0, 0)
	code = applyPolicy(code, mechanism, cfg.Policy)
	return Result{
		Pass:             code == Pass,
		Code:             code,
		MatchedRecord:    record,
		MatchedMechanism: mechanism,
	}, err
}

// applyPolicy resolves a soft-qualified "all" match according to cfg.Policy. Every other
// code passes through unchanged.
func applyPolicy(code Code, mechanism string, policy Policy) Code {
	if code != SoftFail && code != Neutral {
		return code
	}
	if !strings.HasSuffix(mechanism, "all") {
		return code
	}
	if policy == Passive {
		return Pass
	}
	return code
}

type evaluation struct {
	ctx context.Context
	cfg Config
	ip  net.IP
}

// check evaluates domain's SPF record. includeDepth and redirectDepth are threaded
// separately because the spec tracks "include" recursion and "redirect" chases against two
// independent bounds.
func (e *evaluation) check(domain string, includeDepth, redirectDepth int) (Code, string, string, error) {
	if includeDepth > e.cfg.maxIncludes() || redirectDepth > e.cfg.maxDepth() {
		return PermError, "", "", fmt.Errorf("spf: recursion limit exceeded")
	}

	record, err := e.fetchRecord(domain)
	if err != nil {
		return TempError, "", "", err
	}
	if record == "" {
		return None, "", "", nil
	}

	fields := strings.Fields(record)
	var ordinary, redirects []string
	for _, f := range fields {
		if strings.HasPrefix(f, "redirect=") {
			redirects = append(redirects, f)
		} else {
			ordinary = append(ordinary, f)
		}
	}
	fields = append(ordinary, redirects...)

	hasAll := false
	for _, f := range fields {
		if f == "all" || (len(f) > 0 && qualified(f) == "all") {
			hasAll = true
		}
	}

	for _, field := range fields {
		if strings.HasPrefix(field, "v=") {
			continue
		}
		if strings.Contains(field, "%") {
			return Neutral, record, field, fmt.Errorf("spf: macros not supported")
		}

		qual, mech, ok := splitQualifier(field)
		if !ok {
			qual = Pass
			mech = field
		}

		switch {
		case mech == "all":
			return qual, record, field, nil
		case strings.HasPrefix(mech, "include:"):
			matched, code, err := e.includeField(qual, mech, includeDepth)
			if matched {
				return code, record, field, err
			}
		case strings.HasPrefix(mech, "a"):
			matched, code, err := e.aField(qual, mech, domain)
			if matched {
				return code, record, field, err
			}
		case strings.HasPrefix(mech, "mx"):
			matched, code, err := e.mxField(qual, mech, domain)
			if matched {
				return code, record, field, err
			}
		case strings.HasPrefix(mech, "ip4:") || strings.HasPrefix(mech, "ip6:"):
			matched, code, err := e.ipField(qual, mech)
			if matched {
				return code, record, field, err
			}
		case strings.HasPrefix(mech, "exists"), strings.HasPrefix(mech, "ptr"), strings.HasPrefix(mech, "exp="):
			return Neutral, record, field, fmt.Errorf("spf: %q not supported", mech)
		case strings.HasPrefix(mech, "redirect="):
			if hasAll {
				// A redirect is only applied when the current record has no "all".
				continue
			}
			target := mech[len("redirect="):]
			code, _, m, err := e.check(target, includeDepth, redirectDepth+1)
			if code == None {
				code = PermError
			}
			return code, record, m, err
		default:
			return PermError, record, field, fmt.Errorf("spf: unknown mechanism %q", field)
		}
	}
	return Neutral, record, "", nil
}

func (e *evaluation) fetchRecord(domain string) (string, error) {
	txts, err := e.cfg.Resolver.LookupTXT(e.ctx, domain)
	if err != nil {
		return "", err
	}
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=spf1 ") || txt == "v=spf1" {
			return txt, nil
		}
	}
	return "", nil
}

func qualified(field string) string {
	if _, ok := qualToCode[field[0]]; ok {
		return field[1:]
	}
	return field
}

func splitQualifier(field string) (Code, string, bool) {
	if code, ok := qualToCode[field[0]]; ok {
		return code, field[1:], true
	}
	return "", field, false
}

func (e *evaluation) includeField(qual Code, mech string, includeDepth int) (bool, Code, error) {
	target := mech[len("include:"):]
	code, _, _, err := e.check(target, includeDepth+1, 0)
	switch code {
	case Pass:
		return true, qual, err
	case Fail, SoftFail, Neutral:
		// A non-pass inside include does not short-circuit the outer evaluation.
		return false, "", err
	case TempError:
		return true, TempError, err
	default:
		return true, PermError, err
	}
}

var aRegexp = regexp.MustCompile(`^a(:([^/]+))?(/(.+))?$`)
var mxRegexp = regexp.MustCompile(`^mx(:([^/]+))?(/(.+))?$`)

func domainAndMask(re *regexp.Regexp, field, domain string) (string, int, error) {
	mask := -1
	groups := re.FindStringSubmatch(field)
	if groups == nil {
		return domain, mask, nil
	}
	if groups[2] != "" {
		domain = groups[2]
	}
	if groups[4] != "" {
		m, err := strconv.Atoi(groups[4])
		if err != nil {
			return "", -1, fmt.Errorf("spf: invalid mask in %q", field)
		}
		mask = m
	}
	return domain, mask, nil
}

func ipMatches(ip, candidate net.IP, mask int) bool {
	if mask < 0 {
		return ip.Equal(candidate)
	}
	_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", candidate.String(), mask))
	if err != nil {
		return false
	}
	return ipnet.Contains(ip)
}

func (e *evaluation) aField(qual Code, mech, domain string) (bool, Code, error) {
	target, mask, err := domainAndMask(aRegexp, mech, domain)
	if err != nil {
		return true, PermError, err
	}
	ips, err := e.cfg.Resolver.LookupHost(e.ctx, target)
	if err != nil {
		return false, "", nil
	}
	for _, ip := range ips {
		if ipMatches(e.ip, ip, mask) {
			return true, qual, nil
		}
	}
	return false, "", nil
}

func (e *evaluation) mxField(qual Code, mech, domain string) (bool, Code, error) {
	target, mask, err := domainAndMask(mxRegexp, mech, domain)
	if err != nil {
		return true, PermError, err
	}
	mxs, err := e.cfg.Resolver.LookupMX(e.ctx, target)
	if err != nil {
		return false, "", nil
	}
	for _, mx := range mxs {
		ips, err := e.cfg.Resolver.LookupHost(e.ctx, mx.Host)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if ipMatches(e.ip, ip, mask) {
				return true, qual, nil
			}
		}
	}
	return false, "", nil
}

func (e *evaluation) ipField(qual Code, mech string) (bool, Code, error) {
	raw := mech[len("ip4:"):]
	if strings.HasPrefix(mech, "ip6:") {
		raw = mech[len("ip6:"):]
	}
	if strings.Contains(raw, "/") {
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			return true, PermError, err
		}
		if ipnet.Contains(e.ip) {
			return true, qual, nil
		}
		return false, "", nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return true, PermError, fmt.Errorf("spf: invalid address %q", raw)
	}
	if ip.Equal(e.ip) {
		return true, qual, nil
	}
	return false, "", nil
}
