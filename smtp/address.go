package smtp

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EmailAddress is a parsed local@domain pair. The split is on the rightmost '@' so that
// quoted local parts containing '@' (rare in practice, but legal) are not mis-split.
type EmailAddress struct {
	Local  string
	Domain string
}

// Display renders the address as "local@domain". An address with an empty Local and Domain
// (the null reverse-path, "<>") renders as an empty string.
func (a EmailAddress) Display() string {
	if a.Local == "" && a.Domain == "" {
		return ""
	}
	return a.Local + "@" + a.Domain
}

// ParseAddress splits a bare address (no angle brackets) into local and domain parts.
func ParseAddress(raw string) (EmailAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return EmailAddress{}, nil
	}
	if strings.EqualFold(raw, "postmaster") {
		return EmailAddress{Local: "postmaster"}, nil
	}
	at := strings.LastIndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return EmailAddress{}, fmt.Errorf("smtp: invalid address %q", raw)
	}
	return EmailAddress{Local: raw[:at], Domain: raw[at+1:]}, nil
}

// extractAngleAddr pulls the "<...>" payload out of a FROM:/TO: argument, tolerating
// surrounding whitespace around the angle brackets. It returns the bracketed contents and
// whatever text followed the closing '>' (the parameter list), unparsed.
func extractAngleAddr(s string) (addr string, rest string, err error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '<')
	if open == -1 {
		return "", "", fmt.Errorf("smtp: missing '<' in address argument")
	}
	shut := strings.IndexByte(s[open:], '>')
	if shut == -1 {
		return "", "", fmt.Errorf("smtp: missing '>' in address argument")
	}
	shut += open
	return s[open+1 : shut], strings.TrimSpace(s[shut+1:]), nil
}

// parseParams splits a SP-separated "KEY=VALUE" parameter tail (as found after the address
// in MAIL FROM/RCPT TO) into a map. A bare keyword with no '=' is kept with an empty value.
func parseParams(tail string) map[string]string {
	params := map[string]string{}
	for _, field := range strings.Fields(tail) {
		if eq := strings.IndexByte(field, '='); eq != -1 {
			params[strings.ToUpper(field[:eq])] = field[eq+1:]
		} else {
			params[strings.ToUpper(field)] = ""
		}
	}
	return params
}

// ParseMailCommandData parses the argument of a MAIL command, e.g. "FROM:<a@b> SIZE=1024".
// The reverse path may be empty ("FROM:<>") to represent a bounce message.
func ParseMailCommandData(arg string) (EmailAddress, map[string]string, error) {
	arg = strings.TrimSpace(arg)
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		return EmailAddress{}, nil, fmt.Errorf("smtp: MAIL argument must start with FROM:")
	}
	raw, rest, err := extractAngleAddr(arg[len("FROM:"):])
	if err != nil {
		return EmailAddress{}, nil, err
	}
	addr, err := ParseAddress(raw)
	if err != nil && raw != "" {
		return EmailAddress{}, nil, err
	}
	return addr, parseParams(rest), nil
}

// ParseRcptCommandData parses the argument of a RCPT command, e.g. "TO:<b@y> NOTIFY=SUCCESS".
// "<postmaster>" (with no domain) is a permitted alias per RFC 5321 §4.1.1.3.
func ParseRcptCommandData(arg string) (EmailAddress, map[string]string, error) {
	arg = strings.TrimSpace(arg)
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		return EmailAddress{}, nil, fmt.Errorf("smtp: RCPT argument must start with TO:")
	}
	raw, rest, err := extractAngleAddr(arg[len("TO:"):])
	if err != nil {
		return EmailAddress{}, nil, err
	}
	addr, err := ParseAddress(raw)
	if err != nil {
		return EmailAddress{}, nil, err
	}
	return addr, parseParams(rest), nil
}

// DecodePlainAuth decodes an AUTH PLAIN base64 payload into its three NUL-separated fields:
// authorization identity, authentication identity, and password.
func DecodePlainAuth(b64 string) (authzid, authcid, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", "", fmt.Errorf("smtp: invalid base64 in AUTH PLAIN payload: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("smtp: AUTH PLAIN payload must have 3 NUL-separated fields")
	}
	return parts[0], parts[1], parts[2], nil
}

// DecodeLoginField decodes a single base64-encoded field of the two-step AUTH LOGIN
// challenge/response (username, then password).
func DecodeLoginField(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("smtp: invalid base64 in AUTH LOGIN field: %w", err)
	}
	return string(raw), nil
}

// EncodeChallenge base64-encodes a server challenge string for a 334 continuation reply.
func EncodeChallenge(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
