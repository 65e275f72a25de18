package smtpd

import (
	"crypto/tls"
	"net"
)

// StaticTLSUpgrader is the simplest smtp.TLSUpgrader: a fixed *tls.Config, as loaded by the
// embedder from its own certificate material (certificate loading is explicitly out of
// scope for the core, per the purpose statement's list of external collaborators).
type StaticTLSUpgrader struct {
	Config *tls.Config
}

// Upgrade performs the server-side handshake over conn using u.Config.
func (u StaticTLSUpgrader) Upgrade(conn net.Conn) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, u.Config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
