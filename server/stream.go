package server

import (
	"crypto/tls"
	"io"
	"net"
)

// Stream is a connection that can be shut down one direction at a time.
type Stream interface {
	io.ReadWriter
	CloseRead() error
	CloseWrite() error
	Close() error
	RemoteAddr() net.Addr
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// plainStream wraps an accepted plaintext connection. Half-close is passed to
// the socket when it supports it (TCP, unix), otherwise it is a no-op.
type plainStream struct {
	net.Conn
}

// NewPlainStream wraps a plaintext connection.
func NewPlainStream(c net.Conn) Stream {
	return plainStream{Conn: c}
}

func (s plainStream) CloseRead() error {
	if hc, ok := s.Conn.(halfCloser); ok {
		return hc.CloseRead()
	}
	return nil
}

func (s plainStream) CloseWrite() error {
	if hc, ok := s.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// tlsStream wraps an established TLS session. Closing the read side is a no-op;
// closing the write side sends close_notify.
type tlsStream struct {
	*tls.Conn
}

func NewTLSStream(c *tls.Conn) Stream {
	return tlsStream{Conn: c}
}

func (s tlsStream) CloseRead() error { return nil }

func (s tlsStream) CloseWrite() error {
	return s.Conn.CloseWrite()
}
