package web

import (
	"errors"
	"net"
)

// recordTypeHandshake is the content type byte that opens every TLS
// connection (the ClientHello record).
const recordTypeHandshake = 0x16

var errNotTLS = errors.New("client did not start a TLS handshake")

// tlsOnlyListener rejects connections whose first byte is not a TLS
// handshake record. Without it net/http answers plaintext clients with a
// plaintext "400 Bad Request" before closing.
type tlsOnlyListener struct {
	net.Listener
}

func (l tlsOnlyListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &recordGuardConn{Conn: c}, nil
}

type recordGuardConn struct {
	net.Conn
	checked bool
}

// Read fails the first read if the peer is not speaking TLS. Reads on the
// underlying conn are serialized by crypto/tls, so checked needs no lock.
func (c *recordGuardConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if !c.checked && n > 0 {
		c.checked = true
		if p[0] != recordTypeHandshake {
			return 0, errNotTLS
		}
	}
	return n, err
}
