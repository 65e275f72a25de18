package smtpd

import (
	"net/smtp"

	"github.com/mailgrove/smtpd/testingstub"
)

// CheckBasicTransaction dials addr and drives one full MAIL/RCPT/DATA/QUIT transaction,
// failing t if any step is rejected. It takes testingstub.T rather than *testing.T so
// embedders can call it from their own non-_test.go integration routines without pulling in
// package "testing" and its global flag registration, the way laitos' own daemon test
// routines are written to be reusable across packages.
func CheckBasicTransaction(t testingstub.T, addr string) {
	t.Helper()
	client, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
		return
	}
	defer client.Close()

	if err := client.Mail("prober@example.com"); err != nil {
		t.Fatalf("MAIL: %v", err)
		return
	}
	if err := client.Rcpt("postmaster@example.com"); err != nil {
		t.Fatalf("RCPT: %v", err)
		return
	}
	w, err := client.Data()
	if err != nil {
		t.Fatalf("DATA: %v", err)
		return
	}
	if _, err := w.Write([]byte("Subject: probe\r\n\r\nping")); err != nil {
		t.Fatalf("write body: %v", err)
		return
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close body: %v", err)
		return
	}
	if err := client.Quit(); err != nil {
		t.Fatalf("QUIT: %v", err)
	}
}
