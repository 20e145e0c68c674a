// Package tlsmux lets a TLS listener and a plain HTTP listener share one
// TCP port: each accepted connection is peeked at its first byte and
// routed to whichever inner listener understands it.
package tlsmux

import (
	"bufio"
	"net"
)

// tlsRecordType is the first byte of a TLS handshake record (ContentType
// Handshake = 22 = 0x16). Anything else is treated as plaintext HTTP/1.1.
const tlsRecordType = 0x16

// Listener wraps a raw net.Listener and splits its connections into two
// derived listeners: TLS() carries anything that looks like a TLS
// ClientHello, Plain() carries everything else.
type Listener struct {
	addr       net.Addr
	tlsConns   chan acceptResult
	plainConns chan acceptResult
	closed     chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// New starts accepting from inner in the background and returns a
// Listener whose TLS() and Plain() sub-listeners receive the demultiplexed
// connections.
func New(inner net.Listener) *Listener {
	l := &Listener{
		addr:       inner.Addr(),
		tlsConns:   make(chan acceptResult),
		plainConns: make(chan acceptResult),
		closed:     make(chan struct{}),
	}
	go l.acceptLoop(inner)
	return l
}

func (l *Listener) acceptLoop(inner net.Listener) {
	for {
		conn, err := inner.Accept()
		if err != nil {
			select {
			case l.tlsConns <- acceptResult{err: err}:
			case <-l.closed:
			}
			select {
			case l.plainConns <- acceptResult{err: err}:
			case <-l.closed:
			}
			return
		}
		go l.classify(conn)
	}
}

func (l *Listener) classify(conn net.Conn) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	wrapped := &peekedConn{Conn: conn, r: br}
	if err != nil {
		wrapped.Close()
		return
	}

	dest := l.plainConns
	if first[0] == tlsRecordType {
		dest = l.tlsConns
	}

	select {
	case dest <- acceptResult{conn: wrapped}:
	case <-l.closed:
		wrapped.Close()
	}
}

// TLS returns the net.Listener that yields connections beginning with a
// TLS ClientHello.
func (l *Listener) TLS() net.Listener { return &subListener{parent: l, ch: l.tlsConns} }

// Plain returns the net.Listener that yields every other connection.
func (l *Listener) Plain() net.Listener { return &subListener{parent: l, ch: l.plainConns} }

// Close stops the demultiplexer. It does not close the inner listener;
// callers own that.
func (l *Listener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

type subListener struct {
	parent *Listener
	ch     chan acceptResult
}

func (s *subListener) Accept() (net.Conn, error) {
	select {
	case r := <-s.ch:
		return r.conn, r.err
	case <-s.parent.closed:
		return nil, net.ErrClosed
	}
}

func (s *subListener) Close() error   { return s.parent.Close() }
func (s *subListener) Addr() net.Addr { return s.parent.addr }

// peekedConn re-exposes the bytes already consumed by the classifying
// Peek so the destination server sees the connection's full byte stream.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }
