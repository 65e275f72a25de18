package smtp

import (
	"bufio"
	"crypto/tls"
	"net"
)

// TLSUpgrader is the opaque "upgrade this stream" capability the acceptor's embedder
// supplies. It must be safely callable from multiple connection goroutines concurrently.
type TLSUpgrader interface {
	// Upgrade performs a server-side TLS handshake over conn and returns the encrypted
	// stream. Implementations typically wrap conn with tls.Server(conn, cfg) and call
	// Handshake() before returning, so a handshake failure is reported here rather than on
	// first use.
	Upgrade(conn net.Conn) (*tls.Conn, error)
}

// stream owns the connection's duplex byte stream. It starts out plain and may be replaced,
// exactly once, by an encrypted stream when STARTTLS succeeds — modelling the tagged
// variant {Plain(S) | Encrypted(T)} from the design notes as a single read/write surface
// that is swapped in place rather than exposed as two separate types to callers.
type stream struct {
	conn      net.Conn
	reader    *bufio.Reader
	encrypted bool
}

func newStream(conn net.Conn) *stream {
	return &stream{conn: conn, reader: bufio.NewReader(conn)}
}

// bufferedInput reports how many bytes are already buffered and unread. STARTTLS must be
// refused whenever this is non-zero: those bytes were read ahead of the handshake and would
// otherwise be silently dropped or, worse, interpreted as plaintext commands smuggled past
// the TLS boundary.
func (s *stream) bufferedInput() int {
	return s.reader.Buffered()
}

// upgrade swaps the plaintext stream for an encrypted one. Callers must have already
// confirmed bufferedInput() == 0 and that the stream is not already encrypted.
func (s *stream) upgrade(upgrader TLSUpgrader) error {
	tlsConn, err := upgrader.Upgrade(s.conn)
	if err != nil {
		return err
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.encrypted = true
	return nil
}

// readBoundedLine reads one line a byte at a time, stopping the accumulated buffer from
// growing past limit bytes: once the cap is hit, further bytes up to the next '\n' are
// discarded rather than appended, so a peer that never sends a line terminator cannot force
// unbounded buffer growth. It still consumes through the next '\n' so the stream stays framed
// on a line boundary for the following read. A limit <= 0 means unbounded.
func (s *stream) readBoundedLine(limit int) (line []byte, exceeded bool, err error) {
	for {
		b, rerr := s.reader.ReadByte()
		if rerr != nil {
			return nil, false, rerr
		}
		if limit > 0 && len(line) >= limit {
			exceeded = true
		} else {
			line = append(line, b)
		}
		if b == '\n' {
			return line, exceeded, nil
		}
	}
}

func (s *stream) readLine(maxBytes int) (string, error) {
	line, exceeded, err := s.readBoundedLine(maxBytes)
	if err != nil {
		return "", err
	}
	if exceeded {
		return "", errLineTooLong
	}
	return string(line), nil
}

func (s *stream) write(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}
