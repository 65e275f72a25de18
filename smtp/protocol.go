package smtp

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// identifiedOrAuthenticated collapses back to whichever of Identified/Authenticated reflects
// the connection's current auth flag. EHLO/HELO, RSET, and a completed DATA transaction all
// return here: the transition table names both as valid resting points and the auth flag,
// not the coarse state label, is what actually distinguishes them (SPEC_FULL.md §4.4).
func identifiedOrAuthenticated(authed bool) State {
	if authed {
		return StateAuthenticated
	}
	return StateIdentified
}

// Run drives one connection through the SMTP protocol state machine until QUIT, a transport
// error, or idle timeout. It owns the connection exclusively: everything here runs on the
// caller's goroutine, the one spawned by the acceptor for this socket.
func Run[S any](conn *Connection[S], ctrl Controllers[S], cfg Config, tlsUpgrader TLSUpgrader) error {
	defer func() {
		if ctrl.OnClose != nil {
			result := safeCall(conn, func() HandlerResult { return ctrl.OnClose(conn) })
			if result.Kind != ResultSilent {
				writeReply(conn, result.Msg)
			}
		}
	}()

	if result := ctrl.callOnConn(conn); result.Kind == ResultReject {
		writeReply(conn, result.Msg)
		return nil
	}

	if err := writeReply(conn, Reply(ServiceReady, greeting(cfg))); err != nil {
		return err
	}

	for {
		if err := conn.stream.conn.SetReadDeadline(time.Now().Add(cfg.idleTimeout())); err != nil {
			return err
		}

		line, err := conn.stream.readLine(cfg.maxLineBytes())
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				if werr := writeReply(conn, Reply(SyntaxError, "Line too long")); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		cmd := ParseCommandLine(line)
		if cmd.Verb != VerbUnknown {
			conn.recordVerb(cmd.Verb)
		}
		if cfg.OnCommand != nil {
			cfg.OnCommand(cmd.Verb)
		}

		closeAfter, err := dispatchCommand(conn, ctrl, cfg, tlsUpgrader, cmd)
		if err != nil {
			return err
		}
		if closeAfter {
			return nil
		}
		if conn.State == StateClosed {
			return nil
		}
	}
}

func greeting(cfg Config) string {
	if cfg.GreetingBanner == "" {
		return cfg.Domain + " Service ready"
	}
	return cfg.Domain + " " + cfg.GreetingBanner
}

// dispatchCommand processes a single parsed command line against the current state,
// returning whether the connection should close once this function returns.
func dispatchCommand[S any](conn *Connection[S], ctrl Controllers[S], cfg Config, tlsUpgrader TLSUpgrader, cmd Command) (bool, error) {
	switch cmd.Verb {
	case VerbHELO, VerbEHLO:
		return handleHello(conn, ctrl, cfg, tlsUpgrader, cmd)
	case VerbSTARTTLS:
		return handleStartTLS(conn, cfg, tlsUpgrader)
	case VerbAUTH:
		return handleAuth(conn, ctrl, cfg, cmd)
	case VerbMAIL:
		return handleMail(conn, ctrl, cmd)
	case VerbRCPT:
		return handleRcpt(conn, ctrl, cfg, cmd)
	case VerbDATA:
		return handleData(conn, ctrl, cfg)
	case VerbRSET:
		return handleRset(conn, ctrl)
	case VerbNOOP:
		return false, writeReply(conn, Reply(OK, "OK"))
	case VerbQUIT:
		return handleQuit(conn, ctrl)
	case VerbVRFY, VerbEXPN, VerbHELP:
		return false, writeReply(conn, Reply(CommandNotImplemented, "Command not implemented"))
	default:
		result := ctrl.callOnUnknownCmd(conn, cmd.RawVerb, cmd.Parameter)
		if err := writeReply(conn, result.Msg); err != nil {
			return false, err
		}
		return result.Kind == ResultReject, nil
	}
}

func handleHello[S any](conn *Connection[S], ctrl Controllers[S], cfg Config, tlsUpgrader TLSUpgrader, cmd Command) (bool, error) {
	if conn.Mode == ModeData {
		return false, writeReply(conn, Reply(BadSequence, "Bad sequence of commands"))
	}
	if ctrl.OnEHLO != nil {
		result := safeCall(conn, func() HandlerResult { return ctrl.OnEHLO(conn, cmd.Parameter) })
		if result.Kind == ResultReject {
			writeReply(conn, result.Msg)
			return true, nil
		}
	}
	conn.State = identifiedOrAuthenticated(conn.AuthUser != "")

	if cmd.Verb == VerbHELO {
		return false, writeReply(conn, Reply(OK, cfg.Domain))
	}

	var lines []string
	if ctrl.OnAuth != nil && conn.AuthUser == "" {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	if cfg.MaxMessageBytes > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", cfg.MaxMessageBytes))
	}
	if tlsUpgrader != nil && !conn.TLS {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "8BITMIME")
	if cfg.AdvertisePipelining {
		lines = append(lines, "PIPELINING")
	}
	lines = append(lines, "HELP")
	return false, writeReply(conn, MultilineReply(OK, cfg.Domain, lines...))
}

func handleStartTLS[S any](conn *Connection[S], cfg Config, tlsUpgrader TLSUpgrader) (bool, error) {
	if tlsUpgrader == nil {
		return false, writeReply(conn, Reply(CommandNotImplemented, "Command not implemented"))
	}
	if conn.TLS {
		return false, writeReply(conn, Reply(BadSequence, "Already encrypted"))
	}
	if conn.State != StateIdentified && conn.State != StateAuthenticated {
		return false, writeReply(conn, Reply(BadSequence, "Bad sequence of commands"))
	}
	if conn.stream.bufferedInput() != 0 {
		return false, writeReply(conn, Reply(BadSequence, "Bad sequence of commands"))
	}
	if err := writeReply(conn, Reply(ServiceReady, "Ready to start TLS")); err != nil {
		return false, err
	}
	if err := conn.stream.upgrade(tlsUpgrader); err != nil {
		conn.Logger.Warning(conn.ID, err, "STARTTLS handshake failed")
		return false, writeReply(conn, Reply(TLSNotAvailable, "TLS not available"))
	}
	conn.TLS = true
	conn.AuthUser = ""
	conn.State = StateGreeted
	return false, nil
}

// handleAuth dispatches AUTH to OnAuth. PLAIN carries its credentials inline in the command
// argument; LOGIN instead drives a two-step 334 challenge/response (runLoginChallenge) and
// synthesizes an equivalent "LOGIN <b64 user> <b64 pass>" argument so OnAuth sees a uniform
// mechanism-prefixed string regardless of which mechanism the client chose.
func handleAuth[S any](conn *Connection[S], ctrl Controllers[S], cfg Config, cmd Command) (bool, error) {
	if conn.State != StateIdentified {
		return false, writeReply(conn, Reply(BadSequence, "Bad sequence of commands"))
	}
	if ctrl.OnAuth == nil {
		return false, writeReply(conn, Reply(CommandNotImplemented, "Command not implemented"))
	}

	authArg := cmd.Parameter
	mechanism, initialResponse, _ := strings.Cut(cmd.Parameter, " ")
	if strings.EqualFold(mechanism, "LOGIN") {
		challenge, err := runLoginChallenge(conn, cfg, initialResponse)
		if err != nil {
			return false, err
		}
		if challenge == "" {
			return false, writeReply(conn, Reply(SyntaxErrorParams, "Authentication cancelled"))
		}
		authArg = challenge
	}

	result := safeCall(conn, func() HandlerResult { return ctrl.OnAuth(conn, authArg) })
	if err := writeReply(conn, result.Msg); err != nil {
		return false, err
	}
	if result.Kind == ResultReject {
		return true, nil
	}
	conn.AuthUser = authArg
	conn.State = StateAuthenticated
	return false, nil
}

// runLoginChallenge drives AUTH LOGIN's two-step 334 exchange: a base64 "Username:" challenge
// followed by a base64 "Password:" challenge, each answered with one base64-encoded line. A
// client may supply the username as an initial response on the AUTH LOGIN line itself, skipping
// the first round trip. A bare "*" response aborts the exchange per RFC 4954, reported to the
// caller as an empty string. The collected fields are returned undecoded, as
// "LOGIN <b64 user> <b64 pass>", for OnAuth to decode with DecodeLoginField.
func runLoginChallenge[S any](conn *Connection[S], cfg Config, initialResponse string) (string, error) {
	userB64 := initialResponse
	if userB64 == "" {
		if err := writeReply(conn, Reply(AuthChallenge, EncodeChallenge("Username:"))); err != nil {
			return "", err
		}
		line, err := conn.stream.readLine(cfg.maxLineBytes())
		if err != nil {
			return "", err
		}
		userB64 = strings.TrimRight(line, "\r\n")
	}
	if userB64 == "*" {
		return "", nil
	}

	if err := writeReply(conn, Reply(AuthChallenge, EncodeChallenge("Password:"))); err != nil {
		return "", err
	}
	line, err := conn.stream.readLine(cfg.maxLineBytes())
	if err != nil {
		return "", err
	}
	passB64 := strings.TrimRight(line, "\r\n")
	if passB64 == "*" {
		return "", nil
	}

	return "LOGIN " + userB64 + " " + passB64, nil
}

func handleMail[S any](conn *Connection[S], ctrl Controllers[S], cmd Command) (bool, error) {
	if conn.State != StateIdentified && conn.State != StateAuthenticated {
		return false, writeReply(conn, Reply(BadSequence, "Bad sequence of commands"))
	}
	addr, _, err := ParseMailCommandData(cmd.Parameter)
	if err != nil {
		return false, writeReply(conn, Reply(SyntaxErrorParams, "Syntax error in parameters"))
	}
	var result HandlerResult
	if ctrl.OnMailCmd != nil {
		result = safeCall(conn, func() HandlerResult { return ctrl.OnMailCmd(conn, cmd.Parameter) })
	} else {
		result = Accept(Reply(OK, "OK"))
	}
	if err := writeReply(conn, result.Msg); err != nil {
		return false, err
	}
	if result.Kind == ResultReject {
		return true, nil
	}
	sender := addr
	conn.Envelope.Sender = &sender
	conn.State = StateHaveSender
	return false, nil
}

func handleRcpt[S any](conn *Connection[S], ctrl Controllers[S], cfg Config, cmd Command) (bool, error) {
	if conn.State != StateHaveSender && conn.State != StateHaveRecipients {
		return false, writeReply(conn, Reply(BadSequence, "Bad sequence of commands"))
	}
	if len(conn.Envelope.Recipients) >= cfg.maxRecipients() {
		return false, writeReply(conn, Reply(TooManyRecipients, "Too many recipients"))
	}
	addr, _, err := ParseRcptCommandData(cmd.Parameter)
	if err != nil {
		return false, writeReply(conn, Reply(SyntaxErrorParams, "Syntax error in parameters"))
	}
	var result HandlerResult
	if ctrl.OnRcptCmd != nil {
		result = safeCall(conn, func() HandlerResult { return ctrl.OnRcptCmd(conn, cmd.Parameter) })
	} else {
		result = Accept(Reply(OK, "OK"))
	}
	if err := writeReply(conn, result.Msg); err != nil {
		return false, err
	}
	if result.Kind == ResultReject {
		return true, nil
	}
	conn.Envelope.Recipients = append(conn.Envelope.Recipients, addr)
	conn.State = StateHaveRecipients
	return false, nil
}

func handleData[S any](conn *Connection[S], ctrl Controllers[S], cfg Config) (bool, error) {
	if conn.State != StateHaveRecipients {
		return false, writeReply(conn, Reply(BadSequence, "Bad sequence of commands"))
	}
	var result HandlerResult
	if ctrl.OnData != nil {
		result = safeCall(conn, func() HandlerResult { return ctrl.OnData(conn) })
	} else {
		result = Accept(Message{})
	}
	if result.Kind == ResultReject {
		writeReply(conn, result.Msg)
		return true, nil
	}
	if err := writeReply(conn, Reply(StartMailInput, "End data with <CR><LF>.<CR><LF>")); err != nil {
		return false, err
	}

	conn.Mode = ModeData
	conn.State = StateData
	payload, sizeExceeded, err := readDataPayload(conn, cfg)
	conn.Mode = ModeCommand
	if err != nil {
		return false, err
	}

	defer conn.resetEnvelope()

	if sizeExceeded {
		conn.State = identifiedOrAuthenticated(conn.AuthUser != "")
		return false, writeReply(conn, Reply(ExceededStorage, "Message exceeds maximum size"))
	}

	mail := ParseMail(payload)
	mail.From = EmailAddress{}
	if conn.Envelope.Sender != nil {
		mail.From = *conn.Envelope.Sender
	}
	mail.To = append([]EmailAddress{}, conn.Envelope.Recipients...)

	var emailResult HandlerResult
	if ctrl.OnEmail != nil {
		emailResult = safeCall(conn, func() HandlerResult { return ctrl.OnEmail(conn, mail) })
	} else {
		emailResult = Accept(Reply(OK, "Email received"))
	}
	conn.State = identifiedOrAuthenticated(conn.AuthUser != "")
	if err := writeReply(conn, emailResult.Msg); err != nil {
		return false, err
	}
	return emailResult.Kind == ResultReject, nil
}

// readDataPayload accumulates DATA bytes until the <CRLF>.<CRLF> terminator, de-stuffing
// leading dots line by line as they arrive. It returns the assembled payload and whether
// Config.MaxMessageBytes was exceeded; the caller still drains to the terminator either way,
// since the client has no other way to learn the transaction failed.
func readDataPayload[S any](conn *Connection[S], cfg Config) ([]byte, bool, error) {
	var buf []byte
	var size int64
	exceeded := false
	limit := cfg.MaxMessageBytes

	for {
		if err := conn.stream.conn.SetReadDeadline(time.Now().Add(cfg.idleTimeout())); err != nil {
			return nil, false, err
		}
		// Each physical line is still capped at MaxLineBytes even inside DATA: a peer that
		// never terminates a line must not be able to grow this buffer unboundedly just
		// because the overall message-size check only runs once a line is complete.
		raw, lineExceeded, err := conn.stream.readBoundedLine(cfg.maxLineBytes())
		if err != nil {
			return nil, false, err
		}
		line := string(raw)
		if line == ".\r\n" || line == ".\n" {
			break
		}
		if lineExceeded {
			exceeded = true
			continue
		}
		unstuffed := line
		if strings.HasPrefix(unstuffed, ".") {
			unstuffed = unstuffed[1:]
		}
		size += int64(len(unstuffed))
		if limit > 0 && size > limit {
			exceeded = true
			continue
		}
		buf = append(buf, unstuffed...)
	}
	// The CRLF immediately preceding the lone "." terminator line belongs to the
	// <CRLF>.<CRLF> sentinel, not to the message content; strip it.
	if bytes.HasSuffix(buf, []byte("\r\n")) {
		buf = buf[:len(buf)-2]
	} else if bytes.HasSuffix(buf, []byte("\n")) {
		buf = buf[:len(buf)-1]
	}
	return buf, exceeded, nil
}

func handleRset[S any](conn *Connection[S], ctrl Controllers[S]) (bool, error) {
	conn.resetEnvelope()
	conn.State = identifiedOrAuthenticated(conn.AuthUser != "")
	if ctrl.OnReset != nil {
		safeCall(conn, func() HandlerResult { return ctrl.OnReset(conn) })
	}
	return false, writeReply(conn, Reply(OK, "OK"))
}

func handleQuit[S any](conn *Connection[S], ctrl Controllers[S]) (bool, error) {
	if ctrl.OnQuit != nil {
		safeCall(conn, func() HandlerResult { return ctrl.OnQuit(conn) })
	}
	conn.State = StateClosed
	return true, writeReply(conn, Reply(Bye, "Bye"))
}

func writeReply[S any](conn *Connection[S], msg Message) error {
	if msg.Text == "" && msg.Status == 0 {
		return nil
	}
	return conn.stream.write(msg.Bytes())
}

// SendShutdownNotice writes the 421 reply the concurrency model requires every open session
// to receive when the server is shutting down, ahead of the acceptor closing the socket.
func SendShutdownNotice[S any](conn *Connection[S]) {
	writeReply(conn, Reply(ServiceNotAvailable, "Service not available, closing transmission channel"))
}

// IsTimeout reports whether err is a network timeout, the trigger for the idle_timeout
// shutdown path described in the concurrency model.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
