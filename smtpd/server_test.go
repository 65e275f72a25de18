package smtpd

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	smtpproto "github.com/mailgrove/smtpd/smtp"
)

type session struct{}

func startTestServer(t *testing.T, configure func(*Server[*session])) (addr string, srv *Server[*session], stop func()) {
	t.Helper()
	srv = New(func() *session { return &session{} })
	if configure != nil {
		configure(srv)
	}
	if err := srv.Bind("127.0.0.1:0"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ln := srv.listener
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()
	return ln.Addr().String(), srv, func() {
		cancel()
		<-done
	}
}

func TestServerAcceptsFullTransaction(t *testing.T) {
	var received *smtpproto.Mail
	addr, _, stop := startTestServer(t, func(s *Server[*session]) {
		s.OnEmail(func(c *smtpproto.Connection[*session], mail *smtpproto.Mail) smtpproto.HandlerResult {
			received = mail
			return smtpproto.Accept(smtpproto.Reply(smtpproto.OK, "accepted"))
		})
	})
	defer stop()

	CheckBasicTransaction(t, addr)

	if received == nil {
		t.Fatal("on_email was never invoked")
	}
	if received.From.Display() != "prober@example.com" {
		t.Fatalf("expected sender prober@example.com, got %q", received.From.Display())
	}
}

func TestServerRateLimitsPerIP(t *testing.T) {
	addr, _, stop := startTestServer(t, func(s *Server[*session]) {
		s.RateLimitPerSecond(1)
	})
	defer stop()

	var lastErr error
	for i := 0; i < 5; i++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			lastErr = err
			continue
		}
		buf := make([]byte, 64)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, rerr := conn.Read(buf)
		conn.Close()
		if rerr != nil || n == 0 {
			lastErr = fmt.Errorf("connection %d got no greeting", i)
		}
	}
	// With a limit of one connection per second, at most two of the five rapid-fire dials (one
	// on each side of a second boundary) can be greeted; the rest are closed unanswered.
	if lastErr == nil {
		t.Fatal("expected at least one rapid-fire connection to be rate limited")
	}
}

func TestServerMetricsCountCommands(t *testing.T) {
	addr, srv, stop := startTestServer(t, nil)
	defer stop()

	client, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := client.Hello("client.example.com"); err != nil {
		t.Fatalf("EHLO: %v", err)
	}
	if err := client.Quit(); err != nil {
		t.Fatalf("QUIT: %v", err)
	}

	m := &dto.Metric{}
	if err := srv.metrics.CommandsProcessed.WithLabelValues("EHLO").Write(m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Fatalf("expected at least one EHLO counted, got %v", m.GetCounter().GetValue())
	}
}
