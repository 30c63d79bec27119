package aeronet

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/badu/aeronet/compression"
	"github.com/badu/aeronet/kind"
	"github.com/badu/aeronet/reactor"
	"github.com/badu/aeronet/router"
	"github.com/badu/aeronet/transport"
)

// Server is one single-threaded reactor engine bound to one listening
// port (§4.1, §4.10). Horizontal scaling is achieved by running
// several Servers with ReusePort set, one per OS thread, exactly the
// way the reference engine shares a port across workers.
type Server struct {
	cfg *Config

	log *logrus.Entry

	loop        *reactor.Loop
	listenFd    int
	tlsConfig   *tls.Config

	compression   *compression.Registry
	pipeline      *pipeline
	date          *dateClock
	stats         *Stats
	onParserError func(ParserError)

	conns map[int]*connection

	stopRequested bool
	draining      bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	listener *net.TCPListener
}

// Builder assembles a Server's routes and middleware before Listen is
// called; once built, the router and middleware chain are immutable
// (§5), matching the teacher's habit of a distinct construction phase
// before serving begins.
type Builder struct {
	cfg           Config
	mw            middlewareChain
	rt            *router.Router
	log           *logrus.Logger
	onParserError func(ParserError)
}

// NewBuilder starts a Builder from cfg (use DefaultConfig() as a base).
func NewBuilder(cfg Config) *Builder {
	return &Builder{
		cfg: cfg,
		rt:  router.New(cfg.TrailingSlashPolicy),
		log: defaultLogger(),
	}
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Logger overrides the default logrus logger.
func (b *Builder) Logger(l *logrus.Logger) *Builder { b.log = l; return b }

// Handle registers a buffered handler for method+path.
func (b *Builder) Handle(method, path string, h BufferedHandler) *Builder {
	b.rt.Register(method, path, router.Slot{Kind: router.Buffered, Handler: h})
	return b
}

// HandleStreaming registers a streaming handler for method+path.
func (b *Builder) HandleStreaming(method, path string, h StreamingHandler) *Builder {
	b.rt.Register(method, path, router.Slot{Kind: router.Streaming, Handler: h})
	return b
}

// Use appends a request middleware, run in registration order.
func (b *Builder) Use(mw RequestMiddleware) *Builder {
	b.mw.request = append(b.mw.request, mw)
	return b
}

// UseResponse appends a response middleware, run in registration order.
func (b *Builder) UseResponse(mw ResponseMiddleware) *Builder {
	b.mw.response = append(b.mw.response, mw)
	return b
}

// OnParserError registers a one-shot-per-request callback invoked
// whenever the parser or pipeline rejects a request (§9 Open
// Question).
func (b *Builder) OnParserError(fn func(ParserError)) *Builder {
	b.onParserError = fn
	return b
}

func registerProbes(b *Builder) {
	if !b.cfg.Probes.Enable {
		return
	}
	ok := func(req *Request) *Response { return NewResponse().Status(200).Body([]byte("ok")) }
	if b.cfg.Probes.Liveness != "" {
		b.Handle("GET", b.cfg.Probes.Liveness, ok)
	}
	if b.cfg.Probes.Readiness != "" {
		b.Handle("GET", b.cfg.Probes.Readiness, ok)
	}
	if b.cfg.Probes.Startup != "" {
		b.Handle("GET", b.cfg.Probes.Startup, ok)
	}
}

// Build validates the configuration and constructs a Server ready for
// Listen. It does not open any socket yet.
func (b *Builder) Build() (*Server, error) {
	registerProbes(b)
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	srv := &Server{
		cfg:         &b.cfg,
		log:         b.log.WithField("component", "aeronet"),
		compression: compression.NewRegistry(b.cfg.Compression.PreferredFormats, b.cfg.Compression.Params),
		date:        newDateClock(),
		stats:       newStats(),
		conns:       make(map[int]*connection),
		stopCh:      make(chan struct{}),
		onParserError: b.onParserError,
	}
	srv.pipeline = &pipeline{srv: srv, mw: &b.mw, rt: b.rt}
	if b.cfg.isTLS() {
		srv.tlsConfig = b.cfg.TLS.toStd()
	}
	return srv, nil
}

// Stats returns a snapshot of the engine's counters (§6).
func (s *Server) Stats() Snapshot { return s.stats.Snapshot() }

// Name returns the configured Config.Name, or "default" when unset,
// useful as a label distinguishing multiple engines in one process.
func (s *Server) Name() string {
	if s.cfg.Name == "" {
		return "default"
	}
	return s.cfg.Name
}

// Listen opens the listening socket with SO_REUSEADDR/SO_REUSEPORT/
// TCP_NODELAY as configured and creates the epoll instance, without
// starting to serve (§4.1, §4.10).
func (s *Server) Listen() error {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	family := unix.AF_INET6
	if err != nil || !s.cfg.Enable6 {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		family = unix.AF_INET
		if err != nil {
			return err
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return err
	}
	if s.cfg.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return err
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	if family == unix.AF_INET6 {
		addr := &unix.SockaddrInet6{Port: int(s.cfg.Port)}
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return err
		}
	} else {
		addr := &unix.SockaddrInet4{Port: int(s.cfg.Port)}
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return err
		}
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return err
	}

	if s.cfg.Port == 0 {
		sa, err := unix.Getsockname(fd)
		if err == nil {
			switch a := sa.(type) {
			case *unix.SockaddrInet4:
				s.cfg.Port = uint16(a.Port)
			case *unix.SockaddrInet6:
				s.cfg.Port = uint16(a.Port)
			}
		}
	}

	loop, err := reactor.New(1024)
	if err != nil {
		unix.Close(fd)
		return err
	}
	s.listenFd = fd
	s.loop = loop
	if err := s.loop.Add(fd, reactor.EventReadable); err != nil {
		return err
	}
	s.log.WithField("port", s.cfg.Port).Info("listening")
	return nil
}

// Port returns the bound port, resolved to the ephemeral value after
// Listen when Config.Port was 0.
func (s *Server) Port() uint16 { return s.cfg.Port }

// Run drives the reactor loop until Stop is called: Stop starts a
// drain, and Run returns once every connection has closed. BeginDrain
// on its own does not end Run. It blocks the calling goroutine.
func (s *Server) Run() error {
	for {
		if s.stopRequested && len(s.conns) == 0 {
			return nil
		}
		timeout := int(s.cfg.PollInterval / time.Millisecond)
		if timeout <= 0 {
			timeout = 500
		}
		_, err := s.loop.Poll(timeout, s.dispatch)
		if err != nil {
			return err
		}
		s.sweepIdle()
		select {
		case <-s.stopCh:
			if !s.draining {
				s.BeginDrain()
			}
		default:
		}
	}
}

// RunUntil runs the reactor loop until stop is closed, then drains
// outstanding connections before returning.
func (s *Server) RunUntil(stop <-chan struct{}) error {
	go func() {
		<-stop
		s.Stop()
	}()
	return s.Run()
}

// BeginDrain stops accepting new connections and marks every existing
// one to close after its current response (§4.10 "drain").
func (s *Server) BeginDrain() {
	s.draining = true
	for _, c := range s.conns {
		c.draining = true
	}
}

// Stop requests the loop to exit; safe to call from any goroutine.
func (s *Server) Stop() {
	s.stopRequested = true
	close(s.stopCh)
	s.loop.Wake()
}

func (s *Server) dispatch(fd int, ev reactor.Event) {
	if fd == s.listenFd {
		s.acceptLoop()
		return
	}
	c, ok := s.conns[fd]
	if !ok {
		return
	}
	c.touch()

	if c.tr.IsHandshaking() {
		s.driveHandshake(c)
		return
	}

	if ev&(reactor.EventError|reactor.EventHangup) != 0 {
		s.closeConnection(c)
		return
	}
	if ev&reactor.EventWritable != 0 {
		if err := c.flushOutbound(false); err != nil {
			s.closeConnection(c)
			return
		}
	}
	if ev&reactor.EventReadable != 0 {
		if c.ph == phaseTunneling {
			s.onTunnelReadable(c)
		} else {
			s.readFromConn(c)
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			return
		}
		if s.draining {
			unix.Close(nfd)
			continue
		}
		if s.cfg.TCPNoDelay {
			unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
		remote := sockaddrString(sa)
		tr := s.newTransport(nfd)
		c := newConnection(nfd, tr, s, s.loop, remote)
		s.conns[nfd] = c
		if err := s.loop.Add(nfd, c.currentEvents()); err != nil {
			delete(s.conns, nfd)
			tr.Close()
			continue
		}
		if tr.IsHandshaking() {
			s.driveHandshake(c)
		}
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), itoa(a.Port))
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), itoa(a.Port))
	default:
		return ""
	}
}

func itoa(n int) string { return string(appendDecimal(nil, n)) }

func (s *Server) newTransport(fd int) transport.Transport {
	conn := wrapFd(fd)
	if s.tlsConfig != nil {
		return transport.NewTLS(conn, s.tlsConfig)
	}
	return transport.NewPlain(conn)
}

func (s *Server) driveHandshake(c *connection) {
	start := time.Now()
	status, err := c.tr.StepHandshake()
	switch status {
	case transport.HandshakeDone:
		info := c.tr.ConnectionInfo()
		mismatch := s.cfg.TLS != nil && s.cfg.TLS.ALPNMustMatch && info.ALPNProtocol == ""
		s.stats.recordHandshake(info.ALPNProtocol, info.CipherSuite, info.Version, info.PeerCertPresented, time.Since(start).Nanoseconds(), mismatch)
		s.loop.Modify(c.fd, c.currentEvents())
	case transport.HandshakeWantRead, transport.HandshakeWantWrite:
		s.loop.Modify(c.fd, c.currentEvents())
	case transport.HandshakeError:
		_ = err
		s.closeConnection(c)
	}
}

func (s *Server) readFromConn(c *connection) {
	chunkSize := s.cfg.BodyReadChunkBytes
	if c.ph == phaseReadingHead {
		chunkSize = s.cfg.InitialReadChunkBytes
	}
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	maxPerEvent := s.cfg.MaxPerEventReadBytes
	totalRead := 0
	buf := make([]byte, chunkSize)
	for {
		n, res, err := c.tr.TryRead(buf)
		if n > 0 {
			if err := c.feed(buf[:n]); err != nil {
				c.writeErrorResponse(err)
				c.ph = phaseDraining
				c.draining = true
				break
			}
			totalRead += n
		}
		if err != nil || res == transport.Closed {
			s.closeConnection(c)
			return
		}
		if res == transport.WouldBlock {
			break
		}
		if maxPerEvent > 0 && totalRead >= maxPerEvent {
			break
		}
	}
	if c.ph == phaseClosing {
		s.closeConnection(c)
	}
}

// sweepIdle enforces the slow-headers timeout and the idle keep-alive
// timeout (§4.10), closing any connection that overstayed either.
func (s *Server) sweepIdle() {
	now := time.Now()
	for fd, c := range s.conns {
		if c.ph == phaseReadingHead && c.server.cfg.HeaderReadTimeout > 0 {
			if now.Sub(c.headStartedAt) > c.server.cfg.HeaderReadTimeout {
				c.writeErrorResponse(kind.New(kind.TimeoutSlowHeaders, "request head arrived too slowly"))
				c.draining = true
				if c.ph == phaseClosing {
					s.closeConnection(c)
				}
				continue
			}
		}
		if c.server.cfg.KeepAliveTimeout > 0 && c.requestsServed > 0 {
			if now.Sub(c.lastActivity) > c.server.cfg.KeepAliveTimeout && len(c.outbound) == 0 {
				s.closeConnection(c)
				delete(s.conns, fd)
			}
		}
	}
}

func (s *Server) closeConnection(c *connection) {
	delete(s.conns, c.fd)
	s.loop.Remove(c.fd)
	c.tr.Close()
}
