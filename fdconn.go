package aeronet

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// fdConn is a minimal net.Conn over an already non-blocking, accepted
// socket fd. transport.NewPlain/NewTLS only need Read/Write/Close plus
// SyscallConn for fd retrieval; wrapping the fd directly (rather than
// going through os.NewFile+net.FileConn, which hands back a dup'd fd)
// keeps the fd the reactor registers with epoll identical to the one
// the transport reads and writes, so there is exactly one descriptor
// per connection to track and close.
type fdConn struct {
	fd int
}

func wrapFd(fd int) *fdConn { return &fdConn{fd: fd} }

func (c *fdConn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errConnClosed
	}
	return n, nil
}

func (c *fdConn) Write(b []byte) (int, error) {
	n, err := unix.Write(c.fd, b)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *fdConn) Close() error                       { return unix.Close(c.fd) }
func (c *fdConn) LocalAddr() net.Addr                { return fdAddr{} }
func (c *fdConn) RemoteAddr() net.Addr               { return fdAddr{} }
func (c *fdConn) SetDeadline(time.Time) error         { return nil }
func (c *fdConn) SetReadDeadline(time.Time) error     { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error    { return nil }

func (c *fdConn) SyscallConn() (syscall.RawConn, error) {
	return fdRawConn{fd: c.fd}, nil
}

type fdAddr struct{}

func (fdAddr) Network() string { return "tcp" }
func (fdAddr) String() string  { return "" }

// fdRawConn is the minimal syscall.RawConn the transport package needs
// to recover the fd for epoll registration; it never performs the
// generic read/write/control dance a real os-file-backed RawConn does.
type fdRawConn struct{ fd int }

func (r fdRawConn) Control(f func(fd uintptr)) error {
	f(uintptr(r.fd))
	return nil
}
func (r fdRawConn) Read(f func(fd uintptr) (done bool)) error  { f(uintptr(r.fd)); return nil }
func (r fdRawConn) Write(f func(fd uintptr) (done bool)) error { f(uintptr(r.fd)); return nil }

var errConnClosed = fdClosedError{}

type fdClosedError struct{}

func (fdClosedError) Error() string { return "aeronet: connection closed" }
