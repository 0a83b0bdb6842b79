package pnshare

import "net"

// ReadHalfCloser is an interface for bidirectional io streams that implement
// CloseRead(), e.g. net.TCPConn. The reader calls it to indicate no further
// reads will be issued; the remote writer sees an error on further writes
// while the other half of the stream stays active.
type ReadHalfCloser interface {
	CloseRead() error
}

// WriteHalfCloser is an interface for bidirectional io streams that implement
// CloseWrite(), e.g. net.TCPConn. The writer calls it to signal
// end-of-stream; the read half of the stream stays active. This is what lets
// protocols that rely on TCP half-close work through a portal.
type WriteHalfCloser interface {
	CloseWrite() error
}

// closeWriteHalf half-closes the write side of conn if the implementation
// supports it. Safe to call more than once; an already half-closed socket
// just returns an error which is ignored.
func closeWriteHalf(conn net.Conn) {
	if whc, ok := conn.(WriteHalfCloser); ok {
		whc.CloseWrite()
	}
}

// closeReadHalf half-closes the read side of conn if the implementation
// supports it.
func closeReadHalf(conn net.Conn) {
	if rhc, ok := conn.(ReadHalfCloser); ok {
		rhc.CloseRead()
	}
}
