// Command example wires package smtpd into a minimal standalone SMTP server: a thin
// entry point that only parses flags and calls the builder API, the kind of "external
// collaborator" the core framework itself does not provide.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mailgrove/smtpd/smtp"
	"github.com/mailgrove/smtpd/smtpd"
)

// session is the embedder's own per-connection state; this example only needs to remember
// the authenticated mailbox, if any.
type session struct {
	mailbox string
}

func main() {
	addr := flag.String("addr", "127.0.0.1:2525", "address to listen on")
	domain := flag.String("domain", "localhost", "domain name advertised in greetings")
	workers := flag.Int("workers", 4, "number of acceptor worker goroutines")
	flag.Parse()

	cfg := smtp.DefaultConfig()
	cfg.Domain = *domain
	cfg.MaxMessageBytes = 25 << 20

	srv := smtpd.New(func() *session { return &session{} }).
		Config(cfg).
		Workers(*workers).
		OnAuth(func(c *smtp.Connection[*session], arg string) smtp.HandlerResult {
			mechanism, rest, _ := strings.Cut(arg, " ")
			var authcid string
			switch {
			case strings.EqualFold(mechanism, "PLAIN"):
				_, cid, _, err := smtp.DecodePlainAuth(rest)
				if err != nil {
					return smtp.Reject(smtp.Reply(smtp.AuthCredentialsInvalid, "Authentication failed"))
				}
				authcid = cid
			case strings.EqualFold(mechanism, "LOGIN"):
				userB64, _, _ := strings.Cut(rest, " ")
				cid, err := smtp.DecodeLoginField(userB64)
				if err != nil {
					return smtp.Reject(smtp.Reply(smtp.AuthCredentialsInvalid, "Authentication failed"))
				}
				authcid = cid
			default:
				return smtp.Reject(smtp.Reply(smtp.CommandNotImplemented, "Unsupported AUTH mechanism"))
			}
			c.UserState.mailbox = authcid
			return smtp.Accept(smtp.Reply(smtp.AuthSuccessful, "Authentication successful"))
		}).
		OnEmail(func(c *smtp.Connection[*session], mail *smtp.Mail) smtp.HandlerResult {
			subject, _ := mail.Header(smtp.HeaderSubject)
			log.Printf("received message from %s (authenticated as %q): subject=%q, %d bytes",
				mail.From.Display(), c.UserState.mailbox, subject, len(mail.Body))
			return smtp.Accept(smtp.Reply(smtp.OK, "Message accepted"))
		})

	if err := srv.Bind(*addr); err != nil {
		log.Fatalf("bind %s: %v", *addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Printf("listening on %s", *addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
