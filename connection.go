package aeronet

import (
	"time"

	"github.com/badu/aeronet/headers"
	"github.com/badu/aeronet/reactor"
	"github.com/badu/aeronet/transport"
)

// phase is the connection's position in the request lifecycle (§3,
// §4.12). badu-http's conn.go never needed this: one goroutine per
// connection let the Go runtime's scheduler stand in for an explicit
// state machine. A single-threaded reactor has no such luxury, so each
// connection carries its own phase instead.
type phase int

const (
	phaseReadingHead phase = iota
	phaseReadingFixedBody
	phaseReadingChunkedBody
	phaseTunneling
	phaseDraining
	phaseClosing
)

// outboundChunk is one owned byte slice queued for writing, plus how
// much of it has already gone out.
type outboundChunk struct {
	data   []byte
	offset int
}

// connection holds all per-connection state the reactor loop drives.
// It is never touched from any goroutine but the loop's own (§4.1).
type connection struct {
	fd        int
	tr        transport.Transport
	server    *Server
	loop      *reactor.Loop

	ph phase

	inbound  []byte // raw bytes read, not yet consumed by the parser
	parseLen int    // bytes of inbound already scanned without a full head

	pending *inFlightRequest // request currently being parsed/assembled

	outbound       []outboundChunk
	outboundBytes  int // sum of unwritten bytes across outbound
	wantWritable   bool

	requestsServed  uint32
	lastActivity    time.Time
	headStartedAt   time.Time

	closeAfterResponse bool
	draining           bool

	remoteAddr string

	tunnel *tunnelState
}

// inFlightRequest accumulates a request across possibly-many read
// events before it is dispatched to the pipeline.
type inFlightRequest struct {
	method     Method
	rawPath    string
	path       string
	rawQuery   string
	major, minor int
	header     headers.List

	contentLength    int64 // -1 = unknown (chunked or none)
	chunked          bool
	bodyRead         int64
	body             []byte
	trailer          headers.List
	expectContinue   bool
	continueSent     bool

	chunkState    chunkParseState
	chunkRemaining int64
}

type chunkParseState int

const (
	chunkExpectSize chunkParseState = iota
	chunkExpectData
	chunkExpectDataCRLF
	chunkExpectTrailer
	chunkDone
)

func newConnection(fd int, tr transport.Transport, srv *Server, loop *reactor.Loop, remoteAddr string) *connection {
	now := time.Now()
	return &connection{
		fd:           fd,
		tr:           tr,
		server:       srv,
		loop:         loop,
		ph:           phaseReadingHead,
		inbound:      make([]byte, 0, srv.cfg.InitialReadChunkBytes),
		lastActivity: now,
		headStartedAt: now,
		remoteAddr:   remoteAddr,
	}
}

func (c *connection) resetForNextRequest() {
	c.pending = nil
	c.parseLen = 0
	c.ph = phaseReadingHead
	c.headStartedAt = time.Now()
}

// touch records read/write activity for the idle-timeout sweep (§4.10).
func (c *connection) touch() { c.lastActivity = time.Now() }

// ---- outbound queue ----

// enqueueOutbound appends an owned copy-free slice to the outbound
// queue and arms EPOLLOUT if it wasn't already armed. Callers that
// build up small pieces (status line, header lines) should coalesce
// them before calling this to avoid one reactor.Modify per header.
func (c *connection) enqueueOutbound(b []byte) {
	if len(b) == 0 {
		return
	}
	c.outbound = append(c.outbound, outboundChunk{data: b})
	c.outboundBytes += len(b)
	c.server.stats.addBytesQueued(int64(len(b)))
	c.server.stats.observeOutboundBuffer(int64(c.outboundBytes))
	if len(c.outbound) == 1 {
		// first chunk on an otherwise-empty queue: try to write it
		// straight away instead of waiting for the next epoll pass.
		if err := c.flushOutbound(true); err != nil {
			c.ph = phaseClosing
			return
		}
	}
	if len(c.outbound) > 0 {
		c.armWritable()
	}
}

func (c *connection) armWritable() {
	if c.wantWritable {
		return
	}
	c.wantWritable = true
	if err := c.loop.Modify(c.fd, c.currentEvents()); err != nil && !reactor.IsBenignRace(err) {
		c.server.stats.addEpollModFailure()
	}
}

func (c *connection) disarmWritable() {
	if !c.wantWritable {
		return
	}
	c.wantWritable = false
	if err := c.loop.Modify(c.fd, c.currentEvents()); err != nil && !reactor.IsBenignRace(err) {
		c.server.stats.addEpollModFailure()
	}
}

func (c *connection) currentEvents() reactor.Event {
	ev := reactor.EventReadable
	if c.wantWritable || c.tr.WantsWrite() {
		ev |= reactor.EventWritable
	}
	if c.tr.IsHandshaking() && c.tr.WantsRead() {
		ev |= reactor.EventReadable
	}
	return ev
}

func (c *connection) overBufferCap() bool {
	cap := c.server.cfg.MaxOutboundBufferBytes
	return cap > 0 && c.outboundBytes > cap
}

// flushOutbound attempts to drain the outbound queue via the
// transport. immediate distinguishes a flush attempted synchronously
// right after a handler enqueued bytes from one triggered by an
// EPOLLOUT readiness event once the queue had to wait (§6: bytes
// written immediately vs. bytes flushed later).
func (c *connection) flushOutbound(immediate bool) error {
	wroteAny := false
	for len(c.outbound) > 0 {
		head := &c.outbound[0]
		n, res, err := c.tr.TryWrite(head.data[head.offset:])
		if n > 0 {
			head.offset += n
			c.outboundBytes -= n
			wroteAny = true
			c.server.stats.addBytesWritten(int64(n), immediate)
		}
		if err != nil {
			return err
		}
		if head.offset >= len(head.data) {
			c.outbound = c.outbound[1:]
			continue
		}
		if res == transport.WouldBlock {
			if immediate {
				c.server.stats.addDeferredWriteEvent()
			}
			break
		}
	}
	if len(c.outbound) == 0 {
		if wroteAny && !immediate {
			c.server.stats.addFlushCycle()
		}
		c.disarmWritable()
		if c.draining {
			return errConnectionDone
		}
	}
	return nil
}

var errConnectionDone = connectionDoneError{}

type connectionDoneError struct{}

func (connectionDoneError) Error() string { return "aeronet: connection drained" }

// ---- response serialization helpers used by streaming.go and framing.go ----

// streamHeadArgs carries everything needed to serialize a status line
// and header block, shared between the buffered-response path
// (framing.go) and the streaming ResponseWriter.
type streamHeadArgs struct {
	status  int
	reason  string
	header  *headers.List
	chunked bool
	length  int64 // meaningful only when !chunked
	// trailer, when non-nil and non-empty, names the trailer fields a
	// chunked response will emit after its final chunk; its field names
	// are announced here via Trailer (RFC 9110 §6.5.1).
	trailer      *headers.List
	suppressBody bool // HEAD response
}

func (c *connection) writeResponseHead(args streamHeadArgs) {
	buf := make([]byte, 0, 256)
	buf = appendStatusLine(buf, c.pendingProtoMajor(), c.pendingProtoMinor(), args.status, args.reason)

	var exclude map[string]bool
	if args.header != nil {
		exclude = reservedHeaders
	}

	buf = append(buf, "Date: "...)
	buf = append(buf, c.server.date.Current()...)
	buf = append(buf, "\r\n"...)

	if name, ok := c.server.cfg.serverHeaderName(); ok {
		buf = append(buf, "Server: "...)
		buf = append(buf, name...)
		buf = append(buf, "\r\n"...)
	}

	if args.chunked {
		buf = append(buf, "Transfer-Encoding: chunked\r\n"...)
		if args.trailer != nil && args.trailer.Len() > 0 {
			buf = append(buf, "Trailer: "...)
			var names []string
			args.trailer.Range(func(name, _ string) {
				for _, n := range names {
					if headers.EqualFold(n, name) {
						return
					}
				}
				names = append(names, name)
			})
			for i, n := range names {
				if i > 0 {
					buf = append(buf, ", "...)
				}
				buf = append(buf, n...)
			}
			buf = append(buf, "\r\n"...)
		}
	} else if args.length >= 0 {
		buf = appendContentLength(buf, args.length)
	}

	buf = appendConnectionHeader(buf, c.closeAfterResponse)

	if args.header != nil {
		for _, gh := range c.server.cfg.GlobalHeaders {
			if !args.header.Has(gh[0]) {
				buf = append(buf, gh[0]...)
				buf = append(buf, ": "...)
				buf = append(buf, gh[1]...)
				buf = append(buf, "\r\n"...)
			}
		}
		_ = args.header.WriteTo(&byteSliceWriter{&buf}, exclude)
	}
	buf = append(buf, "\r\n"...)
	c.enqueueOutbound(buf)
}

func (c *connection) writeBodyRaw(b []byte) {
	if len(b) == 0 {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	c.enqueueOutbound(cp)
}

func (c *connection) writeChunkFramed(b []byte) {
	if len(b) == 0 {
		return
	}
	buf := make([]byte, 0, len(b)+16)
	buf = appendHex(buf, len(b))
	buf = append(buf, "\r\n"...)
	buf = append(buf, b...)
	buf = append(buf, "\r\n"...)
	c.enqueueOutbound(buf)
}

func (c *connection) writeChunkTerminator(trailer *headers.List) {
	buf := make([]byte, 0, 64)
	buf = append(buf, "0\r\n"...)
	if trailer != nil {
		_ = trailer.WriteTo(&byteSliceWriter{&buf}, nil)
	}
	buf = append(buf, "\r\n"...)
	c.enqueueOutbound(buf)
}

func (c *connection) pendingProtoMajor() int {
	if c.pending != nil {
		return c.pending.major
	}
	return 1
}

func (c *connection) pendingProtoMinor() int {
	if c.pending != nil {
		return c.pending.minor
	}
	return 1
}

// byteSliceWriter adapts a *[]byte to the WriteString-only interface
// headers.List.WriteTo expects, avoiding a bytes.Buffer allocation on
// the hot path.
type byteSliceWriter struct{ b *[]byte }

func (w *byteSliceWriter) WriteString(s string) (int, error) {
	*w.b = append(*w.b, s...)
	return len(s), nil
}

func appendStatusLine(buf []byte, major, minor, status int, reason string) []byte {
	buf = append(buf, "HTTP/1."...)
	if minor == 0 {
		buf = append(buf, '0')
	} else {
		buf = append(buf, '1')
	}
	buf = append(buf, ' ')
	buf = appendDecimal(buf, status)
	buf = append(buf, ' ')
	if reason == "" {
		reason = statusText(status)
	}
	buf = append(buf, reason...)
	buf = append(buf, "\r\n"...)
	return buf
}

func appendContentLength(buf []byte, n int64) []byte {
	buf = append(buf, "Content-Length: "...)
	buf = appendDecimal64(buf, n)
	buf = append(buf, "\r\n"...)
	return buf
}

func appendConnectionHeader(buf []byte, close bool) []byte {
	if close {
		return append(buf, "Connection: close\r\n"...)
	}
	return append(buf, "Connection: keep-alive\r\n"...)
}

func appendDecimal(buf []byte, n int) []byte {
	return appendDecimal64(buf, int64(n))
}

func appendDecimal64(buf []byte, n int64) []byte {
	if n == 0 {
		return append(buf, '0')
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	return append(buf, tmp[i:]...)
}

const hexDigits = "0123456789abcdef"

func appendHex(buf []byte, n int) []byte {
	if n == 0 {
		return append(buf, '0')
	}
	var tmp [16]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return append(buf, tmp[i:]...)
}
