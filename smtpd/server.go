// Package smtpd binds the protocol engine in package smtp to a listening socket, fanning
// out accepted connections across a pool of worker goroutines with backpressure, per-IP rate
// limiting, and graceful shutdown.
package smtpd

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/mailgrove/smtpd/lalog"
	"github.com/mailgrove/smtpd/smtp"
)

// defaultWorkers is used when Server.Workers is never called.
const defaultWorkers = 1

// Server binds one SMTP listener and drives every accepted connection through the protocol
// engine in package smtp. S is the embedder's per-connection state type.
type Server[S any] struct {
	cfg         smtp.Config
	controllers smtp.Controllers[S]
	tlsUpgrader smtp.TLSUpgrader
	makeState   func() S

	workers        int
	rateLimitPerIP int
	maxConnections int

	logger    lalog.Logger
	metrics   *Metrics
	rateLimit *lalog.RateLimit

	mu       sync.Mutex
	listener net.Listener
	active   map[*smtp.Connection[S]]struct{}
}

// New constructs a Server with the given per-connection state constructor (nil is fine for
// S = struct{}{}-style embedders with no state of their own) and default configuration.
func New[S any](makeState func() S) *Server[S] {
	return &Server[S]{
		cfg:       smtp.DefaultConfig(),
		makeState: makeState,
		workers:   defaultWorkers,
		metrics:   NewMetrics(),
		logger:    lalog.Logger{ComponentName: "smtpd"},
		active:    make(map[*smtp.Connection[S]]struct{}),
	}
}

// Config sets the full protocol Config in one call.
func (s *Server[S]) Config(cfg smtp.Config) *Server[S] {
	s.cfg = cfg
	return s
}

// Workers sets the number of goroutines that will share the listening socket. Each worker
// independently calls Accept in a loop; the Go runtime's netpoller wakes exactly one blocked
// Accept per incoming connection, so this realizes the "N workers share one listener"
// acceptor shape without an explicit round-robin channel.
func (s *Server[S]) Workers(n int) *Server[S] {
	if n < 1 {
		n = 1
	}
	s.workers = n
	return s
}

// TLSAcceptor registers the STARTTLS upgrade capability. EHLO automatically advertises
// STARTTLS once this is set.
func (s *Server[S]) TLSAcceptor(u smtp.TLSUpgrader) *Server[S] {
	s.tlsUpgrader = u
	return s
}

// RateLimitPerSecond caps new connections accepted per remote IP per second; 0 (default)
// disables the limit.
func (s *Server[S]) RateLimitPerSecond(n int) *Server[S] {
	s.rateLimitPerIP = n
	return s
}

// MaxConnections caps server-wide concurrent connections; 0 (default) leaves it unbounded.
func (s *Server[S]) MaxConnections(n int) *Server[S] {
	s.maxConnections = n
	return s
}

// OnConn registers the on_conn controller.
func (s *Server[S]) OnConn(h func(*smtp.Connection[S]) smtp.HandlerResult) *Server[S] {
	s.controllers.OnConn = h
	return s
}

// OnEHLO registers the on_ehlo controller.
func (s *Server[S]) OnEHLO(h func(*smtp.Connection[S], string) smtp.HandlerResult) *Server[S] {
	s.controllers.OnEHLO = h
	return s
}

// OnAuth registers the on_auth controller.
func (s *Server[S]) OnAuth(h func(*smtp.Connection[S], string) smtp.HandlerResult) *Server[S] {
	s.controllers.OnAuth = h
	return s
}

// OnMailCmd registers the on_mail_cmd controller.
func (s *Server[S]) OnMailCmd(h func(*smtp.Connection[S], string) smtp.HandlerResult) *Server[S] {
	s.controllers.OnMailCmd = h
	return s
}

// OnRcptCmd registers the on_rcpt_cmd controller.
func (s *Server[S]) OnRcptCmd(h func(*smtp.Connection[S], string) smtp.HandlerResult) *Server[S] {
	s.controllers.OnRcptCmd = h
	return s
}

// OnData registers the on_data controller.
func (s *Server[S]) OnData(h func(*smtp.Connection[S]) smtp.HandlerResult) *Server[S] {
	s.controllers.OnData = h
	return s
}

// OnEmail registers the on_email controller.
func (s *Server[S]) OnEmail(h func(*smtp.Connection[S], *smtp.Mail) smtp.HandlerResult) *Server[S] {
	s.controllers.OnEmail = h
	return s
}

// OnReset registers the on_reset controller.
func (s *Server[S]) OnReset(h func(*smtp.Connection[S]) smtp.HandlerResult) *Server[S] {
	s.controllers.OnReset = h
	return s
}

// OnQuit registers the on_quit controller.
func (s *Server[S]) OnQuit(h func(*smtp.Connection[S]) smtp.HandlerResult) *Server[S] {
	s.controllers.OnQuit = h
	return s
}

// OnClose registers the on_close controller.
func (s *Server[S]) OnClose(h func(*smtp.Connection[S]) smtp.HandlerResult) *Server[S] {
	s.controllers.OnClose = h
	return s
}

// OnUnknownCmd registers the on_unknown_cmd controller.
func (s *Server[S]) OnUnknownCmd(h func(*smtp.Connection[S], string, string) smtp.HandlerResult) *Server[S] {
	s.controllers.OnUnknownCmd = h
	return s
}

// Metrics returns the server's Prometheus collectors. Registered once at construction;
// embedders serve /metrics themselves if they want to.
func (s *Server[S]) Metrics() *Metrics {
	return s.metrics
}

// Bind opens the listening socket. Run must be called afterwards to actually accept
// connections.
func (s *Server[S]) Bind(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.rateLimit = lalog.NewRateLimit(1, max(1, s.rateLimitPerIP), &s.logger)
	s.logger.Info(addr, nil, "listening")
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled or the listener fails. On
// cancellation it stops accepting, sends 421 to every open session, and waits for workers to
// notice their listener is closed before returning.
func (s *Server[S]) Run(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errNotBound
	}

	var wg sync.WaitGroup
	wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go func() {
			defer wg.Done()
			s.acceptLoop(listener)
		}()
	}

	<-ctx.Done()
	s.shutdown(listener)
	wg.Wait()
	return nil
}

// acceptLoop is run by each of the N worker goroutines; they all call Accept on the same
// listener, letting the runtime's netpoller distribute incoming sockets across them.
func (s *Server[S]) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return
			}
			s.logger.Warning("accept", err, "failed to accept connection")
			return
		}
		remoteIP := remoteIPOf(conn)
		if s.rateLimitPerIP > 0 && !s.rateLimit.Add(remoteIP, true) {
			s.metrics.ConnectionsRejected.Inc()
			conn.Close()
			continue
		}
		if s.maxConnections > 0 && s.tooManyConnections() {
			s.metrics.ConnectionsRejected.Inc()
			conn.Close()
			continue
		}
		s.metrics.ConnectionsAccepted.Inc()
		go s.handle(conn)
	}
}

func (s *Server[S]) tooManyConnections() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) >= s.maxConnections
}

func (s *Server[S]) handle(netConn net.Conn) {
	defer netConn.Close()
	c := smtp.NewConnection(netConn, s.makeState, s.logger)

	s.mu.Lock()
	s.active[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, c)
		s.mu.Unlock()
	}()

	if err := smtp.Run(c, s.instrumentedControllers(), s.instrumentedConfig(), s.tlsUpgrader); err != nil {
		c.Logger.MaybeMinorError(err)
	}
}

// instrumentedConfig returns s.cfg with OnCommand wired to the commands-processed metric.
func (s *Server[S]) instrumentedConfig() smtp.Config {
	cfg := s.cfg
	cfg.OnCommand = func(v smtp.Verb) {
		s.metrics.CommandsProcessed.WithLabelValues(v.String()).Inc()
	}
	return cfg
}

// instrumentedControllers wraps on_auth and on_email to feed the auth-failures and
// messages-received counters, without the protocol engine itself depending on Prometheus.
func (s *Server[S]) instrumentedControllers() smtp.Controllers[S] {
	ctrl := s.controllers
	if userOnAuth := ctrl.OnAuth; userOnAuth != nil {
		ctrl.OnAuth = func(c *smtp.Connection[S], arg string) smtp.HandlerResult {
			result := userOnAuth(c, arg)
			if result.Kind == smtp.ResultReject {
				s.metrics.AuthFailures.Inc()
			}
			return result
		}
	}
	userOnEmail := ctrl.OnEmail
	ctrl.OnEmail = func(c *smtp.Connection[S], mail *smtp.Mail) smtp.HandlerResult {
		result := smtp.Accept(smtp.Reply(smtp.OK, "Email received"))
		if userOnEmail != nil {
			result = userOnEmail(c, mail)
		}
		if result.Kind == smtp.ResultAccept {
			s.metrics.MessagesReceived.Inc()
		}
		return result
	}
	return ctrl
}

// shutdown stops accepting new connections and sends a 421 to every currently open session.
func (s *Server[S]) shutdown(listener net.Listener) {
	listener.Close()
	s.mu.Lock()
	conns := make([]*smtp.Connection[S], 0, len(s.active))
	for c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		smtp.SendShutdownNotice(c)
		c.Close()
	}
}

func remoteIPOf(conn net.Conn) string {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return conn.RemoteAddr().String()
}

var errNotBound = &bindError{}

type bindError struct{}

func (*bindError) Error() string { return "smtpd: server is not bound; call Bind before Run" }
