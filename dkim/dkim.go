// Package dkim signs and verifies DKIM-Signature headers (RFC 6376): simple/relaxed
// canonicalization of headers and body, RSA-SHA256 (and legacy RSA-SHA1) signing, and
// selector-based public key lookup through package resolver.
//
// No third-party DKIM library appears anywhere in the retrieved example pack, so this is
// built directly on crypto/rsa, crypto/sha1, and crypto/sha256 — see DESIGN.md for why that
// stdlib choice stands in for the usual "reuse the pack's library" rule.
package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/mailgrove/smtpd/resolver"
	"github.com/mailgrove/smtpd/smtp"
)

// Canon selects a canonicalization algorithm for one part (header or body) of the signature.
type Canon string

const (
	Simple  Canon = "simple"
	Relaxed Canon = "relaxed"
)

// Algorithm selects the signing hash.
type Algorithm string

const (
	RSA_SHA256 Algorithm = "rsa-sha256"
	RSA_SHA1   Algorithm = "rsa-sha1"
)

// SignConfig parametrizes Sign.
type SignConfig struct {
	Domain     string
	Selector   string
	PrivateKey *rsa.PrivateKey
	Algorithm  Algorithm  // default RSA_SHA256
	HeaderCanon Canon     // default Relaxed
	BodyCanon   Canon     // default Relaxed
	// Headers lists which header fields to sign, in the order they should appear in "h=".
	// Defaults to a standard set if empty.
	Headers []smtp.HeaderName
	// Now overrides the "t=" timestamp; primarily for deterministic tests.
	Now func() time.Time
}

var defaultSignedHeaders = []smtp.HeaderName{
	smtp.HeaderFrom, smtp.HeaderTo, smtp.HeaderSubject, smtp.HeaderDate, smtp.HeaderMessageId,
}

func (c SignConfig) algorithm() Algorithm {
	if c.Algorithm == "" {
		return RSA_SHA256
	}
	return c.Algorithm
}

func (c SignConfig) headerCanon() Canon {
	if c.HeaderCanon == "" {
		return Relaxed
	}
	return c.HeaderCanon
}

func (c SignConfig) bodyCanon() Canon {
	if c.BodyCanon == "" {
		return Relaxed
	}
	return c.BodyCanon
}

func (c SignConfig) headers() []smtp.HeaderName {
	if len(c.Headers) == 0 {
		return defaultSignedHeaders
	}
	return c.Headers
}

func (c SignConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Sign computes a DKIM-Signature header field for mail and returns its unfolded value
// (everything after "DKIM-Signature: "). The caller prepends it to the message headers.
func Sign(cfg SignConfig, mail *smtp.Mail) (string, error) {
	hash, cryptoHash := hashFor(cfg.algorithm())
	bodyHash := canonicalizeBody(mail.Body, cfg.bodyCanon(), hash)

	names := make([]string, 0, len(cfg.headers()))
	for _, h := range cfg.headers() {
		names = append(names, string(h))
	}

	sigHeader := buildSigHeaderSkeleton(cfg, names, bodyHash)

	signed := canonicalizeHeadersForSigning(mail, cfg.headers(), cfg.headerCanon(), sigHeader)
	digest := hash()
	digest.Write(signed)
	signature, err := rsa.SignPKCS1v15(rand.Reader, cfg.PrivateKey, cryptoHash, digest.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("dkim: sign: %w", err)
	}

	return sigHeader + base64.StdEncoding.EncodeToString(signature), nil
}

func hashFor(alg Algorithm) (func() hashState, crypto.Hash) {
	if alg == RSA_SHA1 {
		return func() hashState { return sha1.New() }, crypto.SHA1
	}
	return func() hashState { return sha256.New() }, crypto.SHA256
}

// hashState is the subset of hash.Hash this package needs; named so hashFor can return a
// constructor without importing "hash" just for the interface name.
type hashState interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func buildSigHeaderSkeleton(cfg SignConfig, headerNames []string, bodyHash string) string {
	return fmt.Sprintf(
		"v=1; a=%s; c=%s/%s; d=%s; s=%s; t=%d; h=%s; bh=%s; b=",
		cfg.algorithm(), cfg.headerCanon(), cfg.bodyCanon(), cfg.Domain, cfg.Selector,
		cfg.now().Unix(), strings.Join(headerNames, ":"), bodyHash,
	)
}

// canonicalizeBody implements RFC 6376 §3.4.3 (simple) and §3.4.4 (relaxed): both reduce any
// run of trailing empty lines to a single trailing CRLF, and relaxed additionally collapses
// intra-line whitespace and strips trailing whitespace per line.
func canonicalizeBody(body []byte, c Canon, hash func() hashState) string {
	lines := splitLines(body)
	if c == Relaxed {
		for i, l := range lines {
			lines[i] = collapseWhitespace(bytes.TrimRight(l, " \t"))
		}
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteString("\r\n")
	}
	if buf.Len() == 0 && c == Simple {
		buf.WriteString("\r\n")
	}
	h := hash()
	h.Write(buf.Bytes())
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func splitLines(b []byte) [][]byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.Split(b, []byte("\n"))
}

func collapseWhitespace(b []byte) []byte {
	fields := bytes.Fields(b)
	return bytes.Join(fields, []byte(" "))
}

// canonicalizeHeadersForSigning builds the exact byte sequence that gets hashed and signed:
// each named header canonicalized in order, followed by the skeleton DKIM-Signature field
// itself (with an empty "b=") canonicalized the same way, per RFC 6376 §3.7.
func canonicalizeHeadersForSigning(mail *smtp.Mail, names []smtp.HeaderName, c Canon, sigHeaderValue string) []byte {
	var buf bytes.Buffer
	for _, name := range names {
		value, ok := mail.Header(name)
		if !ok {
			continue
		}
		buf.Write(canonicalizeHeaderField(string(name), value, c))
	}
	buf.Write(canonicalizeHeaderField("DKIM-Signature", sigHeaderValue, c))
	out := buf.Bytes()
	// Trim the final CRLF: the signature covers the signed headers but the last one is not
	// newline-terminated per RFC 6376 §3.7's note on the signature header field itself.
	return bytes.TrimSuffix(out, []byte("\r\n"))
}

func canonicalizeHeaderField(name, value string, c Canon) []byte {
	if c == Simple {
		return []byte(name + ": " + value + "\r\n")
	}
	lowerName := strings.ToLower(strings.TrimSpace(name))
	collapsed := string(collapseWhitespace([]byte(strings.TrimSpace(value))))
	return []byte(lowerName + ":" + collapsed + "\r\n")
}

// Signature is a parsed DKIM-Signature header field.
type Signature struct {
	Algorithm   Algorithm
	HeaderCanon Canon
	BodyCanon   Canon
	Domain      string
	Selector    string
	HeaderNames []string
	BodyHash    string
	Signature   []byte
}

// ParseSignature parses the value portion (after "DKIM-Signature: ") of a signature header.
func ParseSignature(value string) (*Signature, error) {
	tags := map[string]string{}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		tags[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	if tags["v"] != "1" {
		return nil, fmt.Errorf("dkim: unsupported version %q", tags["v"])
	}
	sig := &Signature{
		Algorithm:   Algorithm(tags["a"]),
		Domain:      tags["d"],
		Selector:    tags["s"],
		HeaderNames: strings.Split(tags["h"], ":"),
		BodyHash:    tags["bh"],
	}
	if c := strings.SplitN(tags["c"], "/", 2); len(c) == 2 {
		sig.HeaderCanon, sig.BodyCanon = Canon(c[0]), Canon(c[1])
	} else {
		sig.HeaderCanon, sig.BodyCanon = Simple, Simple
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(tags["b"], " ", ""))
	if err != nil {
		return nil, fmt.Errorf("dkim: invalid b= encoding: %w", err)
	}
	sig.Signature = decoded
	if sig.Domain == "" || sig.Selector == "" {
		return nil, fmt.Errorf("dkim: missing d= or s=")
	}
	return sig, nil
}

// VerifyResult is the outcome of one Verify call.
type VerifyResult struct {
	Valid  bool
	Domain string
	Reason string
}

// Verify fetches the selector's public key via res and checks mail's DKIM-Signature header
// against it: body hash first (cheap, catches most tampering), then the header signature.
func Verify(ctx context.Context, res resolver.Resolver, mail *smtp.Mail) (VerifyResult, error) {
	rawSig, ok := mail.Header(smtp.HeaderDkimSignature)
	if !ok {
		return VerifyResult{Valid: false, Reason: "no DKIM-Signature header"}, nil
	}
	sig, err := ParseSignature(rawSig)
	if err != nil {
		return VerifyResult{Valid: false, Reason: err.Error()}, nil
	}

	hash, cryptoHash := hashFor(sig.Algorithm)
	gotBodyHash := canonicalizeBody(mail.Body, sig.BodyCanon, hash)
	if gotBodyHash != sig.BodyHash {
		return VerifyResult{Valid: false, Domain: sig.Domain, Reason: "body hash mismatch"}, nil
	}

	pub, err := fetchPublicKey(ctx, res, sig.Selector, sig.Domain)
	if err != nil {
		return VerifyResult{Valid: false, Domain: sig.Domain, Reason: err.Error()}, err
	}

	headerNames := make([]smtp.HeaderName, 0, len(sig.HeaderNames))
	for _, n := range sig.HeaderNames {
		headerNames = append(headerNames, smtp.NormalizeHeaderName(n))
	}
	skeleton := strings.TrimSuffix(rawSig, extractB(rawSig))
	signed := canonicalizeHeadersForSigning(mail, headerNames, sig.HeaderCanon, skeleton)
	digest := hash()
	digest.Write(signed)

	if err := rsa.VerifyPKCS1v15(pub, cryptoHash, digest.Sum(nil), sig.Signature); err != nil {
		return VerifyResult{Valid: false, Domain: sig.Domain, Reason: "signature mismatch"}, nil
	}
	return VerifyResult{Valid: true, Domain: sig.Domain}, nil
}

func extractB(rawSig string) string {
	idx := strings.LastIndex(rawSig, "b=")
	if idx < 0 {
		return ""
	}
	return rawSig[idx+2:]
}

// fetchPublicKey looks up "<selector>._domainkey.<domain>" TXT record and decodes its p= tag.
func fetchPublicKey(ctx context.Context, res resolver.Resolver, selector, domain string) (*rsa.PublicKey, error) {
	name := selector + "._domainkey." + domain
	txts, err := res.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dkim: selector lookup %s: %w", name, err)
	}
	for _, txt := range txts {
		tags := map[string]string{}
		for _, part := range strings.Split(txt, ";") {
			kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
			if len(kv) == 2 {
				tags[kv[0]] = kv[1]
			}
		}
		p, ok := tags["p"]
		if !ok || p == "" {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("dkim: invalid p= encoding: %w", err)
		}
		pub, err := parsePKIXRSAPublicKey(der)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
	return nil, fmt.Errorf("dkim: no usable key record at %s", name)
}

// parsePKIXRSAPublicKey decodes the raw (non-PEM) SubjectPublicKeyInfo bytes carried in a
// selector record's p= tag.
func parsePKIXRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("dkim: selector key is not RSA")
	}
	return rsaPub, nil
}
