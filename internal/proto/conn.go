package proto

import (
	"bufio"
	"net"
)

// BufferedConn is a net.Conn whose reads drain a bufio.Reader first, so
// bytes consumed while parsing a preamble (or peeked) are not lost.
type BufferedConn struct {
	net.Conn
	rd *bufio.Reader
}

func NewBufferedConn(c net.Conn, rd *bufio.Reader) *BufferedConn {
	return &BufferedConn{Conn: c, rd: rd}
}

func (b *BufferedConn) Read(p []byte) (int, error) { return b.rd.Read(p) }

// CloseWrite half-closes the underlying connection when it supports it.
func (b *BufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
