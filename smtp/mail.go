package smtp

import (
	"bytes"
	"strings"
)

// HeaderName identifies a mail header by a closed set of well-known names, falling back to
// the header's own text, exactly as written, for anything not in the set — the equivalent of the
// data model's Other(string) variant, just without a separate wrapper type.
type HeaderName string

const (
	HeaderSubject               HeaderName = "Subject"
	HeaderFrom                  HeaderName = "From"
	HeaderTo                    HeaderName = "To"
	HeaderCc                    HeaderName = "Cc"
	HeaderBcc                   HeaderName = "Bcc"
	HeaderDate                  HeaderName = "Date"
	HeaderMessageId             HeaderName = "Message-Id"
	HeaderReplyTo               HeaderName = "Reply-To"
	HeaderInReplyTo             HeaderName = "In-Reply-To"
	HeaderReferences            HeaderName = "References"
	HeaderReceived              HeaderName = "Received"
	HeaderReturnPath            HeaderName = "Return-Path"
	HeaderMimeVersion           HeaderName = "Mime-Version"
	HeaderContentType           HeaderName = "Content-Type"
	HeaderContentTransferEncoding HeaderName = "Content-Transfer-Encoding"
	HeaderDkimSignature         HeaderName = "Dkim-Signature"
)

// knownHeaders maps a lowercased header name to its canonical HeaderName constant.
var knownHeaders = map[string]HeaderName{
	"subject":                   HeaderSubject,
	"from":                      HeaderFrom,
	"to":                        HeaderTo,
	"cc":                        HeaderCc,
	"bcc":                       HeaderBcc,
	"date":                      HeaderDate,
	"message-id":                HeaderMessageId,
	"reply-to":                  HeaderReplyTo,
	"in-reply-to":               HeaderInReplyTo,
	"references":                HeaderReferences,
	"received":                  HeaderReceived,
	"return-path":               HeaderReturnPath,
	"mime-version":              HeaderMimeVersion,
	"content-type":              HeaderContentType,
	"content-transfer-encoding": HeaderContentTransferEncoding,
	"dkim-signature":            HeaderDkimSignature,
}

// normalizeHeaderName maps a raw header name (as it appeared on the wire, without its
// trailing colon) to the closed enumeration, or to the raw name unchanged if unrecognized
// — the "Other(string)" case.
func normalizeHeaderName(raw string) HeaderName {
	if known, ok := knownHeaders[strings.ToLower(raw)]; ok {
		return known
	}
	return HeaderName(raw)
}

// NormalizeHeaderName is the exported form of normalizeHeaderName, for callers outside this
// package (such as package dkim) that need to map an "h=" tag's lowercased header name back
// to the closed enumeration.
func NormalizeHeaderName(raw string) HeaderName {
	return normalizeHeaderName(raw)
}

// HeaderField is one header line as encountered in the message, in original order and with
// duplicates preserved. RawName is exactly the text before the colon, unfolded but otherwise
// untouched, so Serialize can round-trip unrecognized or oddly-cased header names.
type HeaderField struct {
	Name    HeaderName
	RawName string
	Value   string
}

// Mail is a fully reassembled message, as delivered to the on_email controller.
type Mail struct {
	Headers []HeaderField
	Body    []byte
	Raw     []byte
	From    EmailAddress
	To      []EmailAddress
}

// Header returns the first value recorded for name, and whether it was present.
func (m *Mail) Header(name HeaderName) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderAll returns every value recorded for name, in the order they appeared.
func (m *Mail) HeaderAll(name HeaderName) []string {
	var out []string
	for _, h := range m.Headers {
		if h.Name == name {
			out = append(out, h.Value)
		}
	}
	return out
}

// ParseMail splits a DATA payload (already dot-unstuffed, terminator removed) into headers
// and body, per RFC 5322: the header block ends at the first blank line; a header line
// beginning with SP or HT continues the previous header's value (unfolding).
func ParseMail(data []byte) *Mail {
	raw := make([]byte, len(data))
	copy(raw, data)

	headerBlock, body := splitHeaderBlock(data)
	fields := parseHeaderFields(headerBlock)

	return &Mail{
		Headers: fields,
		Body:    body,
		Raw:     raw,
	}
}

// splitHeaderBlock locates the first CRLF CRLF (or bare LFLF, tolerated for callers that
// normalize line endings beforehand) and returns the header region and the body that follows.
func splitHeaderBlock(data []byte) (headers, body []byte) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx != -1 {
		return data[:idx], data[idx+4:]
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx != -1 {
		return data[:idx], data[idx+2:]
	}
	return data, nil
}

func parseHeaderFields(block []byte) []HeaderField {
	lines := strings.Split(strings.ReplaceAll(string(block), "\r\n", "\n"), "\n")
	var fields []HeaderField
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			// Continuation line: fold into the previous header's value.
			last := &fields[len(fields)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon == -1 {
			continue
		}
		rawName := line[:colon]
		value := strings.TrimPrefix(line[colon+1:], " ")
		fields = append(fields, HeaderField{
			Name:    normalizeHeaderName(rawName),
			RawName: rawName,
			Value:   value,
		})
	}
	return fields
}

// Serialize reconstructs the header block and body in their original relative order. For
// payloads produced by ParseMail this is byte-for-byte identical to the input (the testable
// round-trip property in §8), since RawName/Value are carried verbatim and continuation
// folding collapses to a single-line form identically on both directions as long as the
// input was already a single logical line per header on the wire, with exactly one space
// after each header's colon (ParseMail drops that one space and Serialize always writes it
// back). Callers that need other inputs preserved verbatim should consult Raw instead.
func (m *Mail) Serialize() []byte {
	var buf bytes.Buffer
	for _, h := range m.Headers {
		buf.WriteString(h.RawName)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(m.Body)
	return buf.Bytes()
}

// UnstuffDotLines reverses SMTP dot-stuffing on a DATA payload: a line beginning with a
// leading "." has that first "." stripped. The input is the raw DATA payload with the
// trailing "<CRLF>.<CRLF>" terminator already removed.
func UnstuffDotLines(payload []byte) []byte {
	lines := bytes.Split(payload, []byte("\r\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte(".")) {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}
