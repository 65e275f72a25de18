package smtp

import (
	"bufio"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mailgrove/smtpd/lalog"
)

type testState struct {
	mailFrom string
}

// pipeHarness drives Run over an in-memory net.Pipe, giving tests a synchronous "write a
// command line, read the reply" client without touching a real socket.
type pipeHarness struct {
	client *bufio.ReadWriter
	done   chan error
}

func newPipeHarness(t *testing.T, ctrl Controllers[*testState], cfg Config) *pipeHarness {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	conn := NewConnection(serverConn, func() *testState { return &testState{} }, lalog.Logger{ComponentName: "test"})

	h := &pipeHarness{
		client: bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn)),
		done:   make(chan error, 1),
	}
	go func() {
		h.done <- Run(conn, ctrl, cfg, nil)
	}()
	t.Cleanup(func() { clientConn.Close() })
	return h
}

func (h *pipeHarness) readLine(t *testing.T) string {
	t.Helper()
	line, err := h.client.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (h *pipeHarness) readMultiline(t *testing.T) []string {
	t.Helper()
	var lines []string
	for {
		line := h.readLine(t)
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			return lines
		}
	}
}

func (h *pipeHarness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := h.client.WriteString(line + "\r\n"); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatalf("flush command: %v", err)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 5 * time.Second
	return cfg
}

func TestFullTransactionAccepted(t *testing.T) {
	var gotMail *Mail
	ctrl := Controllers[*testState]{
		OnEmail: func(c *Connection[*testState], mail *Mail) HandlerResult {
			gotMail = mail
			return Accept(Reply(OK, "Message accepted"))
		},
	}
	h := newPipeHarness(t, ctrl, testConfig())

	if got := h.readLine(t); !strings.HasPrefix(got, "220") {
		t.Fatalf("expected 220 greeting, got %q", got)
	}

	h.send(t, "EHLO client.example.com")
	lines := h.readMultiline(t)
	if !strings.HasPrefix(lines[0], "250-") && !strings.HasPrefix(lines[0], "250 ") {
		t.Fatalf("expected 250 EHLO reply, got %v", lines)
	}

	h.send(t, "MAIL FROM:<alice@example.com>")
	if got := h.readLine(t); !strings.HasPrefix(got, "250") {
		t.Fatalf("expected 250 for MAIL, got %q", got)
	}

	h.send(t, "RCPT TO:<bob@example.com>")
	if got := h.readLine(t); !strings.HasPrefix(got, "250") {
		t.Fatalf("expected 250 for RCPT, got %q", got)
	}

	h.send(t, "DATA")
	if got := h.readLine(t); !strings.HasPrefix(got, "354") {
		t.Fatalf("expected 354, got %q", got)
	}

	h.send(t, "Subject: hi")
	h.send(t, "")
	h.send(t, "body")
	h.send(t, ".")
	if got := h.readLine(t); !strings.HasPrefix(got, "250") {
		t.Fatalf("expected 250 after DATA, got %q", got)
	}

	if gotMail == nil {
		t.Fatal("on_email was never called")
	}
	if string(gotMail.Body) != "body" {
		t.Fatalf("expected body %q, got %q", "body", gotMail.Body)
	}
	if gotMail.From.Display() != "alice@example.com" {
		t.Fatalf("expected sender alice@example.com, got %q", gotMail.From.Display())
	}
	if len(gotMail.To) != 1 || gotMail.To[0].Display() != "bob@example.com" {
		t.Fatalf("expected one recipient bob@example.com, got %v", gotMail.To)
	}

	h.send(t, "QUIT")
	if got := h.readLine(t); !strings.HasPrefix(got, "221") {
		t.Fatalf("expected 221 for QUIT, got %q", got)
	}
}

func TestRcptBeforeMailIsBadSequence(t *testing.T) {
	h := newPipeHarness(t, Controllers[*testState]{}, testConfig())
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)

	h.send(t, "RCPT TO:<bob@example.com>")
	if got := h.readLine(t); !strings.HasPrefix(got, "503") {
		t.Fatalf("expected 503 bad sequence, got %q", got)
	}
}

func TestMailRejectedByHandlerClosesConnection(t *testing.T) {
	ctrl := Controllers[*testState]{
		OnMailCmd: func(c *Connection[*testState], arg string) HandlerResult {
			return Reject(Reply(MailboxUnavailable, "sender blocked"))
		},
	}
	h := newPipeHarness(t, ctrl, testConfig())
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)

	h.send(t, "MAIL FROM:<spammer@bad.example>")
	got := h.readLine(t)
	if !strings.HasPrefix(got, "550") {
		t.Fatalf("expected 550, got %q", got)
	}

	if err := <-h.done; err != nil {
		t.Fatalf("Run returned error %v", err)
	}
}

func TestRsetClearsEnvelope(t *testing.T) {
	h := newPipeHarness(t, Controllers[*testState]{}, testConfig())
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)
	h.send(t, "MAIL FROM:<alice@example.com>")
	h.readLine(t)
	h.send(t, "RSET")
	if got := h.readLine(t); !strings.HasPrefix(got, "250") {
		t.Fatalf("expected 250 for RSET, got %q", got)
	}
	h.send(t, "RCPT TO:<bob@example.com>")
	if got := h.readLine(t); !strings.HasPrefix(got, "503") {
		t.Fatalf("expected 503 after RSET cleared sender, got %q", got)
	}
}

func TestTooManyRecipientsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecipients = 1
	h := newPipeHarness(t, Controllers[*testState]{}, cfg)
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)
	h.send(t, "MAIL FROM:<alice@example.com>")
	h.readLine(t)
	h.send(t, "RCPT TO:<bob@example.com>")
	if got := h.readLine(t); !strings.HasPrefix(got, "250") {
		t.Fatalf("expected first RCPT to succeed, got %q", got)
	}
	h.send(t, "RCPT TO:<carol@example.com>")
	if got := h.readLine(t); !strings.HasPrefix(got, "452") {
		t.Fatalf("expected 452 too many recipients, got %q", got)
	}
}

func TestUnknownCommandDefaultReply(t *testing.T) {
	h := newPipeHarness(t, Controllers[*testState]{}, testConfig())
	h.readLine(t)
	h.send(t, "BOGUS")
	if got := h.readLine(t); !strings.HasPrefix(got, "500") {
		t.Fatalf("expected 500 for unknown command, got %q", got)
	}
}

func TestOnMailCmdHandlerPanicRecovers(t *testing.T) {
	ctrl := Controllers[*testState]{
		OnMailCmd: func(c *Connection[*testState], arg string) HandlerResult {
			panic("boom")
		},
	}
	h := newPipeHarness(t, ctrl, testConfig())
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)
	h.send(t, "MAIL FROM:<alice@example.com>")
	if got := h.readLine(t); !strings.HasPrefix(got, "451") {
		t.Fatalf("expected 451 local error after handler panic, got %q", got)
	}
}

func TestDataSizeExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 5
	h := newPipeHarness(t, Controllers[*testState]{}, cfg)
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)
	h.send(t, "MAIL FROM:<alice@example.com>")
	h.readLine(t)
	h.send(t, "RCPT TO:<bob@example.com>")
	h.readLine(t)
	h.send(t, "DATA")
	h.readLine(t)
	h.send(t, "this line is far longer than five bytes")
	h.send(t, ".")
	if got := h.readLine(t); !strings.HasPrefix(got, "552") {
		t.Fatalf("expected 552 exceeded storage, got %q", got)
	}
}

func TestAuthLoginChallengeFlow(t *testing.T) {
	var gotArg string
	ctrl := Controllers[*testState]{
		OnAuth: func(c *Connection[*testState], arg string) HandlerResult {
			gotArg = arg
			return Accept(Reply(AuthSuccessful, "Authentication successful"))
		},
	}
	h := newPipeHarness(t, ctrl, testConfig())
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)

	h.send(t, "AUTH LOGIN")
	if got := h.readLine(t); !strings.HasPrefix(got, "334 ") {
		t.Fatalf("expected 334 username challenge, got %q", got)
	}
	h.send(t, base64.StdEncoding.EncodeToString([]byte("alice")))
	if got := h.readLine(t); !strings.HasPrefix(got, "334 ") {
		t.Fatalf("expected 334 password challenge, got %q", got)
	}
	h.send(t, base64.StdEncoding.EncodeToString([]byte("secret")))
	if got := h.readLine(t); !strings.HasPrefix(got, "235") {
		t.Fatalf("expected 235 after AUTH LOGIN, got %q", got)
	}

	mechanism, rest, _ := strings.Cut(gotArg, " ")
	if mechanism != "LOGIN" {
		t.Fatalf("expected OnAuth to see mechanism LOGIN, got %q", mechanism)
	}
	userB64, passB64, _ := strings.Cut(rest, " ")
	user, err := DecodeLoginField(userB64)
	if err != nil || user != "alice" {
		t.Fatalf("expected decoded user alice, got %q (err %v)", user, err)
	}
	pass, err := DecodeLoginField(passB64)
	if err != nil || pass != "secret" {
		t.Fatalf("expected decoded password secret, got %q (err %v)", pass, err)
	}
}

func TestAuthLoginAbortedWithAsterisk(t *testing.T) {
	ctrl := Controllers[*testState]{
		OnAuth: func(c *Connection[*testState], arg string) HandlerResult {
			t.Fatal("OnAuth should not be called when the client aborts AUTH LOGIN")
			return Accept(Message{})
		},
	}
	h := newPipeHarness(t, ctrl, testConfig())
	h.readLine(t)
	h.send(t, "EHLO client")
	h.readMultiline(t)

	h.send(t, "AUTH LOGIN")
	h.readLine(t)
	h.send(t, "*")
	if got := h.readLine(t); !strings.HasPrefix(got, "501") {
		t.Fatalf("expected 501 after aborted AUTH LOGIN, got %q", got)
	}
}

func TestOnCloseSilentSuppressesReply(t *testing.T) {
	closed := make(chan struct{})
	ctrl := Controllers[*testState]{
		OnClose: func(c *Connection[*testState]) HandlerResult {
			close(closed)
			return Silent()
		},
	}
	h := newPipeHarness(t, ctrl, testConfig())
	h.readLine(t)
	h.send(t, "QUIT")
	if got := h.readLine(t); !strings.HasPrefix(got, "221") {
		t.Fatalf("expected 221 Bye, got %q", got)
	}
	<-closed
}
