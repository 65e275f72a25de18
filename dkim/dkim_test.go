package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/mailgrove/smtpd/smtp"
)

type fakeResolver struct {
	txt map[string][]string
}

func (f *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f.txt[name], nil
}
func (f *fakeResolver) LookupHost(ctx context.Context, name string) ([]net.IP, error) {
	return nil, nil
}
func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return nil, nil
}

func testMail() *smtp.Mail {
	return &smtp.Mail{
		Headers: []smtp.HeaderField{
			{Name: smtp.HeaderFrom, RawName: "From", Value: "alice@example.com"},
			{Name: smtp.HeaderTo, RawName: "To", Value: "bob@example.com"},
			{Name: smtp.HeaderSubject, RawName: "Subject", Value: "Hello"},
			{Name: smtp.HeaderDate, RawName: "Date", Value: "Thu, 30 Jul 2026 12:00:00 +0000"},
			{Name: smtp.HeaderMessageId, RawName: "Message-Id", Value: "<abc@example.com>"},
		},
		Body: []byte("Hello, Bob.\r\n\r\nRegards,\r\nAlice\r\n"),
	}
}

func signedFixture(t *testing.T) (*smtp.Mail, *fakeResolver) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}

	fixedNow := func() time.Time { return time.Unix(1800000000, 0) }
	cfg := SignConfig{
		Domain:     "example.com",
		Selector:   "sel1",
		PrivateKey: priv,
		Now:        fixedNow,
	}
	mail := testMail()
	sigValue, err := Sign(cfg, mail)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	mail.Headers = append([]smtp.HeaderField{{Name: smtp.HeaderDkimSignature, RawName: "DKIM-Signature", Value: sigValue}}, mail.Headers...)

	res := &fakeResolver{txt: map[string][]string{
		"sel1._domainkey.example.com": {"v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)},
	}}
	return mail, res
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	mail, res := signedFixture(t)

	result, err := Verify(context.Background(), res, mail)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid signature, got invalid: %s", result.Reason)
	}
	if result.Domain != "example.com" {
		t.Errorf("expected domain example.com, got %s", result.Domain)
	}
}

func TestVerifyDetectsBodyTampering(t *testing.T) {
	mail, res := signedFixture(t)
	mail.Body = append(mail.Body, []byte("extra line\r\n")...)

	result, err := Verify(context.Background(), res, mail)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestVerifyDetectsHeaderTampering(t *testing.T) {
	mail, res := signedFixture(t)
	for i := range mail.Headers {
		if mail.Headers[i].Name == smtp.HeaderSubject {
			mail.Headers[i].Value = "Different subject"
		}
	}

	result, err := Verify(context.Background(), res, mail)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered header to fail verification")
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	mail := testMail()
	result, err := Verify(context.Background(), &fakeResolver{txt: map[string][]string{}}, mail)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.Reason == "" {
		t.Fatalf("expected missing-signature result, got %+v", result)
	}
}
