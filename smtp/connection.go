package smtp

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/mailgrove/smtpd/lalog"
)

// maxCommandHistory bounds the per-connection command trace to the last N verbs, per the
// design note capping what is an unbounded log in the reference implementation.
const maxCommandHistory = 32

// Mode is the connection's current read mode: reading command lines, or accumulating a
// DATA payload.
type Mode int

const (
	ModeCommand Mode = iota
	ModeData
)

// State enumerates the protocol states the connection moves through.
type State int

const (
	StateGreeted State = iota
	StateIdentified
	StateAuthenticated
	StateHaveSender
	StateHaveRecipients
	StateData
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeted:
		return "Greeted"
	case StateIdentified:
		return "Identified"
	case StateAuthenticated:
		return "Authenticated"
	case StateHaveSender:
		return "HaveSender"
	case StateHaveRecipients:
		return "HaveRecipients"
	case StateData:
		return "Data"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Envelope is the (sender, recipients, data) under construction for the message currently
// being composed on this connection.
type Envelope struct {
	Sender     *EmailAddress
	Recipients []EmailAddress
	DataBuf    []byte
}

func (e *Envelope) reset() {
	e.Sender = nil
	e.Recipients = nil
	e.DataBuf = nil
}

var nextConnectionID uint64

// Connection holds everything the protocol state machine tracks for one client socket, plus
// the embedder's own state value of type S. Exactly one goroutine (the worker task that
// accepted the socket) drives a Connection's protocol loop; Mu exists only for the rare
// handler that spawns a background goroutine touching UserState, per the concurrency model —
// the owning goroutine itself never needs to take it.
type Connection[S any] struct {
	ID         uint64
	RemoteAddr net.Addr
	Logger     lalog.Logger

	stream *stream

	State State
	Mode  Mode
	TLS   bool

	History []Verb

	Envelope Envelope
	AuthUser string

	// UserState is the embedder-defined, strongly typed per-connection value handlers
	// receive. Mu guards it for the uncommon case where a handler spawns a background task
	// that continues to reference it after the handler returns.
	UserState S
	Mu        sync.Mutex

	consecutiveHandlerPanics int
}

// NewConnection constructs a Connection wrapping conn, with UserState initialised by
// makeState (nil/zero if makeState is nil). Exported for use by acceptor implementations
// such as package smtpd; protocol-internal callers use the same constructor.
func NewConnection[S any](conn net.Conn, makeState func() S, logger lalog.Logger) *Connection[S] {
	id := atomic.AddUint64(&nextConnectionID, 1)
	var state S
	if makeState != nil {
		state = makeState()
	}
	logger.ComponentID = append(append([]lalog.LoggerIDField{}, logger.ComponentID...),
		lalog.LoggerIDField{Key: "ConnID", Value: id},
		lalog.LoggerIDField{Key: "Remote", Value: conn.RemoteAddr()})
	return &Connection[S]{
		ID:         id,
		RemoteAddr: conn.RemoteAddr(),
		Logger:     logger,
		stream:     newStream(conn),
		State:      StateGreeted,
		Mode:       ModeCommand,
		UserState:  state,
	}
}

// recordVerb appends verb to the command history, trimming the oldest entry once the cap
// is reached.
func (c *Connection[S]) recordVerb(v Verb) {
	c.History = append(c.History, v)
	if len(c.History) > maxCommandHistory {
		c.History = c.History[len(c.History)-maxCommandHistory:]
	}
}

// LastVerb returns the most recently recorded verb, and whether any verb has been recorded
// yet.
func (c *Connection[S]) LastVerb() (Verb, bool) {
	if len(c.History) == 0 {
		return VerbUnknown, false
	}
	return c.History[len(c.History)-1], true
}

// resetEnvelope clears sender/recipients/data_buf, as RSET and every DATA termination do,
// while leaving authentication and TLS state untouched.
func (c *Connection[S]) resetEnvelope() {
	c.Envelope.reset()
}

// Close tears down the underlying socket. Safe to call more than once.
func (c *Connection[S]) Close() error {
	return c.stream.conn.Close()
}
