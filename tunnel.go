package aeronet

import (
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/badu/aeronet/kind"
	"github.com/badu/aeronet/reactor"
	"github.com/badu/aeronet/transport"
)

// tunnelState marks a connection as converted into a raw byte forwarder
// after a successful CONNECT (§4.11). peerFd is an indirection through
// the server's connection slot-map rather than a direct pointer to the
// paired connection, so tearing down one side can unregister both by
// id without either side holding a reference the other's close could
// dangle (§9 "cyclic references during CONNECT tunneling").
type tunnelState struct {
	peerFd int
}

// handleConnect attempts the tunnel setup named by req and, on
// success, converts both c and the new upstream connection into
// Tunneling peers. A target outside the allowlist gets 501 and a failed
// dial or registration gets 500, both through writeErrorResponse; on
// success it writes the 200 reply itself since the pipeline's normal
// framing doesn't apply to a CONNECT reply.
func (p *pipeline) handleConnect(c *connection, req *Request) {
	target := req.RawPath
	if !connectAllowed(p.srv.cfg.ConnectAllowlist, target) {
		c.writeErrorResponse(kind.New(kind.NotImplemented, "CONNECT target not allowed"))
		return
	}

	fd, err := dialNonBlocking(target)
	if err != nil {
		c.writeErrorResponse(kind.New(kind.InternalError, "upstream connect failed"))
		return
	}

	upstream := newConnection(fd, transport.NewPlain(wrapFd(fd)), p.srv, c.loop, target)
	upstream.ph = phaseTunneling
	upstream.tunnel = &tunnelState{peerFd: c.fd}
	p.srv.conns[fd] = upstream
	if err := c.loop.Add(fd, reactor.EventReadable); err != nil {
		delete(p.srv.conns, fd)
		upstream.tr.Close()
		c.writeErrorResponse(kind.New(kind.InternalError, "upstream registration failed"))
		return
	}

	c.ph = phaseTunneling
	c.tunnel = &tunnelState{peerFd: fd}

	buf := appendStatusLine(nil, req.ProtoMajor, req.ProtoMinor, 200, "Connection Established")
	buf = append(buf, "\r\n"...)
	c.enqueueOutbound(buf)
}

// connectAllowed checks target's host (without port) against a list of
// glob-suffix patterns ("*.internal.example.com" matches any
// subdomain, a bare name matches exactly), mirroring the matcher the
// original C++ engine's connect_allowlist used.
func connectAllowed(allowlist []string, target string) bool {
	if len(allowlist) == 0 {
		return false
	}
	host := target
	if i := strings.LastIndexByte(target, ':'); i >= 0 {
		host = target[:i]
	}
	for _, pattern := range allowlist {
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // keep leading '.'
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if pattern == host {
			return true
		}
	}
	return false
}

// dialNonBlocking resolves host:port and opens a non-blocking TCP
// socket to it. DNS resolution goes through net.LookupIP: no codec,
// broker or transport library in the retrieved examples offers a
// resolver, so this one boundary stays on the standard library
// (documented in DESIGN.md).
func dialNonBlocking(hostPort string) (int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return -1, err
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return -1, err
	}
	ip := ips[0].To4()
	if ip == nil {
		return -1, kind.New(kind.InternalError, "upstream host has no IPv4 address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	addr := &unix.SockaddrInet4{Port: port}
	copy(addr.Addr[:], ip)
	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// onTunnelReadable forwards bytes readable on c (which must be in
// phaseTunneling) to its paired connection's outbound queue (§4.11).
func (s *Server) onTunnelReadable(c *connection) {
	peer, ok := s.conns[c.tunnel.peerFd]
	if !ok {
		s.closeConnection(c)
		return
	}
	buf := make([]byte, s.cfg.BodyReadChunkBytes)
	for {
		n, res, err := c.tr.TryRead(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			peer.enqueueOutbound(cp)
		}
		if err != nil || res == transport.Closed {
			s.closeTunnelPair(c, peer)
			return
		}
		if res == transport.WouldBlock {
			return
		}
	}
}

func (s *Server) closeTunnelPair(a, b *connection) {
	s.closeConnection(a)
	s.closeConnection(b)
}
