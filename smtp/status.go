package smtp

import (
	"bytes"
	"fmt"
)

// StatusCode enumerates the SMTP reply codes this framework knows how to produce.
// The set covers RFC 5321 plus the ESMTP extensions named in the embedding API.
type StatusCode int

const (
	ServiceReady         StatusCode = 220
	Bye                  StatusCode = 221
	AuthSuccessful       StatusCode = 235
	OK                   StatusCode = 250
	AuthChallenge        StatusCode = 334
	StartMailInput       StatusCode = 354
	ServiceNotAvailable  StatusCode = 421
	MailboxBusy          StatusCode = 450
	LocalError           StatusCode = 451
	TooManyRecipients    StatusCode = 452
	TLSNotAvailable      StatusCode = 454
	SyntaxError          StatusCode = 500
	SyntaxErrorParams    StatusCode = 501
	CommandNotImplemented StatusCode = 502
	BadSequence          StatusCode = 503
	AuthCredentialsInvalid StatusCode = 535
	MailboxUnavailable   StatusCode = 550
	ExceededStorage      StatusCode = 552
	TransactionFailed    StatusCode = 554
)

// String renders the numeric status code, e.g. "250".
func (c StatusCode) String() string {
	return fmt.Sprintf("%d", int(c))
}

// Message is a reply awaiting transmission: a status code paired with human-readable text.
// On the wire it is rendered as "NNN SP text CRLF", or as a sequence of "NNN-text CRLF" lines
// terminated by a final "NNN SP text CRLF" when there is more than one line.
type Message struct {
	Status StatusCode
	Text   string
	// Lines holds additional continuation lines for a multi-line reply (e.g. EHLO's
	// extension list). When non-empty, Text is the first line and each entry in Lines
	// follows as its own "NNN-"/"NNN " line.
	Lines []string
}

// Reply builds a single-line reply.
func Reply(status StatusCode, text string) Message {
	return Message{Status: status, Text: text}
}

// Replyf builds a single-line reply with a formatted text body.
func Replyf(status StatusCode, format string, args ...interface{}) Message {
	return Message{Status: status, Text: fmt.Sprintf(format, args...)}
}

// MultilineReply builds a reply whose first line is text and whose remaining lines are
// continuations, all sharing the same status code.
func MultilineReply(status StatusCode, text string, lines ...string) Message {
	return Message{Status: status, Text: text, Lines: lines}
}

// Bytes renders the message in wire format: one or more "NNN(-| )text" lines, each CRLF
// terminated, as a single contiguous buffer so a reply is always written with one syscall.
func (m Message) Bytes() []byte {
	var buf bytes.Buffer
	if len(m.Lines) == 0 {
		fmt.Fprintf(&buf, "%d %s\r\n", int(m.Status), m.Text)
		return buf.Bytes()
	}
	fmt.Fprintf(&buf, "%d-%s\r\n", int(m.Status), m.Text)
	for i, line := range m.Lines {
		sep := "-"
		if i == len(m.Lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&buf, "%d%s%s\r\n", int(m.Status), sep, line)
	}
	return buf.Bytes()
}
