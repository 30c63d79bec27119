package aeronet

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/aeronet/compression"
	"github.com/badu/aeronet/transport"
)

// memTransport is an in-memory transport.Transport double: reads come
// from an inbound buffer the test preloads, writes accumulate in an
// outbound buffer the test inspects. It never reports WouldBlock on
// write, so the connection's synchronous flush-on-enqueue path always
// drains completely without needing a real epoll loop behind it.
type memTransport struct {
	out bytes.Buffer
}

func (m *memTransport) TryRead([]byte) (int, transport.Result, error) {
	return 0, transport.WouldBlock, nil
}
func (m *memTransport) TryWrite(buf []byte) (int, transport.Result, error) {
	n, err := m.out.Write(buf)
	return n, transport.OK, err
}
func (m *memTransport) WantsRead() bool     { return false }
func (m *memTransport) WantsWrite() bool    { return false }
func (m *memTransport) IsHandshaking() bool { return false }
func (m *memTransport) StepHandshake() (transport.HandshakeStatus, error) {
	return transport.HandshakeDone, nil
}
func (m *memTransport) ConnectionInfo() transport.ConnectionInfo { return transport.ConnectionInfo{} }
func (m *memTransport) Close() error                             { return nil }
func (m *memTransport) Fd() int                                  { return -1 }

// newTestServer builds a Server ready to drive connections through
// feed() without ever calling Listen — no socket, no epoll, matching
// how Build() itself never touches the network.
func newTestServer(t *testing.T, configure func(*Builder)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Probes.Enable = false
	b := NewBuilder(cfg)
	if configure != nil {
		configure(b)
	}
	srv, err := b.Build()
	require.NoError(t, err)
	return srv
}

func newTestConnection(srv *Server) (*connection, *memTransport) {
	tr := &memTransport{}
	c := newConnection(1, tr, srv, nil, "127.0.0.1:9999")
	return c, tr
}

// drive feeds raw into c.feed and mimics readFromConn's error handling
// so a parse/pipeline error still produces a response on the wire.
func drive(c *connection, raw string) {
	if err := c.feed([]byte(raw)); err != nil {
		c.writeErrorResponse(err)
	}
}

func TestSimpleGETRoundTrip(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("GET", "/hello", func(req *Request) *Response {
			return NewResponse().Status(200).ContentType("text/plain").Body([]byte("hi"))
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /hello HTTP/1.1\r\nHost: example.com\r\n\r\n")

	out := tr.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200"))
	assert.Contains(t, out, "hi")
	assert.Contains(t, out, "Content-Length: 2")
}

func TestChunkedRequestBodyDecodesFully(t *testing.T) {
	var seenBody []byte
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("POST", "/upload", func(req *Request) *Response {
			seenBody = append([]byte(nil), req.Body...)
			return NewResponse().Status(204)
		})
	})
	c, tr := newTestConnection(srv)

	req := "POST /upload HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	drive(c, req)

	assert.Equal(t, "hello world", string(seenBody))
	assert.Contains(t, tr.out.String(), "HTTP/1.1 204")
}

func TestTrailingSlashRedirectPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Probes.Enable = false
	cfg.TrailingSlashPolicy = 2 // router.Redirect; avoids importing router just for the const
	b := NewBuilder(cfg)
	b.Handle("GET", "/widgets", func(req *Request) *Response {
		return NewResponse().Status(200)
	})
	srv, err := b.Build()
	require.NoError(t, err)
	c, tr := newTestConnection(srv)

	drive(c, "GET /widgets/ HTTP/1.1\r\nHost: x\r\n\r\n")

	out := tr.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 301"))
	assert.Contains(t, out, "Location: /widgets")
}

func TestAcceptEncodingNegotiatesCompression(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.cfg.Compression.PreferredFormats = []string{compression.Gzip}
		b.cfg.Compression.MinBytes = 0
		b.Handle("GET", "/big", func(req *Request) *Response {
			return NewResponse().Status(200).ContentType("text/plain").
				Body(bytes.Repeat([]byte("a"), 2048))
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /big HTTP/1.1\r\nHost: x\r\nAccept-Encoding: gzip\r\n\r\n")

	out := tr.out.String()
	assert.Contains(t, out, "Content-Encoding: gzip")
	assert.Contains(t, out, "Vary: Accept-Encoding")
}

func TestAcceptEncodingIdentityForbiddenReturns406(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("GET", "/x", func(req *Request) *Response {
			return NewResponse().Status(200).Body([]byte("ok"))
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /x HTTP/1.1\r\nHost: x\r\nAccept-Encoding: identity;q=0, br;q=0\r\n\r\n")

	assert.Contains(t, tr.out.String(), "HTTP/1.1 406")
}

func TestNotFoundProduces404(t *testing.T) {
	srv := newTestServer(t, nil)
	c, tr := newTestConnection(srv)

	drive(c, "GET /nowhere HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.Contains(t, tr.out.String(), "HTTP/1.1 404")
}

func TestMethodNotAllowedReturns405WithAllowHeader(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("GET", "/widgets", func(req *Request) *Response {
			return NewResponse().Status(200)
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "DELETE /widgets HTTP/1.1\r\nHost: x\r\n\r\n")

	out := tr.out.String()
	assert.Contains(t, out, "HTTP/1.1 405")
	assert.Contains(t, out, "Allow: GET")
}

func TestPipelinedKeepAliveRequestsShareOneConnection(t *testing.T) {
	hits := 0
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("GET", "/ping", func(req *Request) *Response {
			hits++
			return NewResponse().Status(200).Body([]byte("pong"))
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /ping HTTP/1.1\r\nHost: x\r\n\r\nGET /ping HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.Equal(t, 2, hits)
	out := tr.out.String()
	assert.Equal(t, 2, strings.Count(out, "HTTP/1.1 200"))
	assert.False(t, c.closeAfterResponse)
}

func TestMaxRequestsPerConnForcesClose(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.cfg.MaxRequestsPerConn = 1
		b.Handle("GET", "/ping", func(req *Request) *Response {
			return NewResponse().Status(200)
		})
	})
	c, _ := newTestConnection(srv)

	drive(c, "GET /ping HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.True(t, c.closeAfterResponse)
	assert.True(t, c.draining)
}

func TestConnectionHeaderCloseForcesShutdown(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("GET", "/x", func(req *Request) *Response {
			return NewResponse().Status(200)
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /x HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	assert.Contains(t, tr.out.String(), "Connection: close")
	assert.True(t, c.closeAfterResponse)
}

func TestMalformedRequestLineProduces400(t *testing.T) {
	srv := newTestServer(t, nil)
	c, tr := newTestConnection(srv)

	drive(c, "GET\r\nHost: x\r\n\r\n")

	assert.Contains(t, tr.out.String(), "HTTP/1.1 400")
	assert.True(t, c.draining)
}

func TestConflictingContentLengthAndTransferEncodingRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	c, tr := newTestConnection(srv)

	drive(c, "POST /x HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello")

	assert.Contains(t, tr.out.String(), "HTTP/1.1 400")
}

func TestHeadRequestSuppressesBody(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("HEAD", "/x", func(req *Request) *Response {
			return NewResponse().Status(200).Body([]byte("should not appear"))
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "HEAD /x HTTP/1.1\r\nHost: x\r\n\r\n")

	out := tr.out.String()
	assert.Contains(t, out, "HTTP/1.1 200")
	assert.NotContains(t, out, "should not appear")
}

func TestRequestMiddlewareShortCircuitsBeforeRouting(t *testing.T) {
	routed := false
	srv := newTestServer(t, func(b *Builder) {
		b.Use(func(req *Request) (MiddlewareSignal, *Response) {
			if v, ok := req.Header.Get("X-Api-Key"); !ok || v != "secret" {
				return ShortCircuit, NewResponse().Status(401).Body([]byte("unauthorized"))
			}
			return Continue, nil
		})
		b.Handle("GET", "/secure", func(req *Request) *Response {
			routed = true
			return NewResponse().Status(200)
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /secure HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.False(t, routed)
	assert.Contains(t, tr.out.String(), "HTTP/1.1 401")
}

func TestResponseMiddlewareMutatesBufferedResponse(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.UseResponse(func(req *Request, resp *Response) {
			resp.Header("X-Served-By", "aeronet")
		})
		b.Handle("GET", "/x", func(req *Request) *Response {
			return NewResponse().Status(200)
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /x HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.Contains(t, tr.out.String(), "X-Served-By: aeronet")
}

func TestConnectAllowedMatchesExactAndWildcardSuffix(t *testing.T) {
	allowlist := []string{"api.example.com", "*.internal.example.com"}

	assert.True(t, connectAllowed(allowlist, "api.example.com:443"))
	assert.True(t, connectAllowed(allowlist, "db.internal.example.com:5432"))
	assert.False(t, connectAllowed(allowlist, "evil.com:443"))
	assert.False(t, connectAllowed(nil, "api.example.com:443"))
}

func TestStreamingHandlerChunksOutput(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.HandleStreaming("GET", "/stream", func(req *Request, w *ResponseWriter) {
			w.Status(200).ContentType("text/plain")
			_, _ = w.Write([]byte("part-one "))
			_, _ = w.Write([]byte("part-two"))
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /stream HTTP/1.1\r\nHost: x\r\n\r\n")

	out := tr.out.String()
	assert.Contains(t, out, "Transfer-Encoding: chunked")
	assert.Contains(t, out, "part-one part-two")
}

func TestStreamingHandlerAnnouncesAndEmitsTrailers(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.HandleStreaming("GET", "/stream", func(req *Request, w *ResponseWriter) {
			w.Status(200).ContentType("text/plain")
			w.Trailer("X-Checksum", "abc123")
			_, _ = w.Write([]byte("body"))
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "GET /stream HTTP/1.1\r\nHost: x\r\n\r\n")

	out := tr.out.String()
	assert.Contains(t, out, "Trailer: X-Checksum\r\n")
	assert.Contains(t, out, "X-Checksum: abc123\r\n")
	// the announced field name in the head must precede the trailer line
	// that follows the terminating zero-length chunk.
	assert.True(t, strings.Index(out, "Trailer: X-Checksum") < strings.LastIndex(out, "X-Checksum: abc123"))
}

func TestChainedContentEncodingDecodedRightToLeft(t *testing.T) {
	reg := compression.NewRegistry([]string{compression.Gzip, compression.Brotli}, compression.DefaultParams())
	gz, _ := reg.Encoder(compression.Gzip)
	br, _ := reg.Encoder(compression.Brotli)

	plain := []byte("hello chained decoding")
	brEncoded, err := br.EncodeFull(nil, plain)
	require.NoError(t, err)
	gzThenBr, err := gz.EncodeFull(nil, brEncoded)
	require.NoError(t, err)

	var seenBody []byte
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("POST", "/upload", func(req *Request) *Response {
			seenBody = append([]byte(nil), req.Body...)
			return NewResponse().Status(204)
		})
	})
	c, tr := newTestConnection(srv)

	head := "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Encoding: br, gzip\r\n" +
		"Content-Length: " + strconv.Itoa(len(gzThenBr)) + "\r\n\r\n"
	drive(c, head+string(gzThenBr))

	assert.Equal(t, plain, seenBody)
	assert.Contains(t, tr.out.String(), "HTTP/1.1 204")
}

func TestContentEncodingEmptyTokenRejected(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("POST", "/upload", func(req *Request) *Response {
			return NewResponse().Status(204)
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "POST /upload HTTP/1.1\r\nHost: x\r\nContent-Encoding: gzip,,\r\nContent-Length: 0\r\n\r\n")

	assert.Contains(t, tr.out.String(), "HTTP/1.1 400")
}

func TestUnsupportedHTTPMinorVersionReturns505(t *testing.T) {
	srv := newTestServer(t, nil)
	c, tr := newTestConnection(srv)

	drive(c, "GET /x HTTP/1.2\r\nHost: x\r\n\r\n")

	assert.Contains(t, tr.out.String(), "HTTP/1.1 505")
}

func TestExpectContinueIgnoredOnHTTP10(t *testing.T) {
	var sawBody []byte
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("POST", "/x", func(req *Request) *Response {
			sawBody = append([]byte(nil), req.Body...)
			return NewResponse().Status(200)
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "POST /x HTTP/1.0\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\nhello")

	out := tr.out.String()
	assert.NotContains(t, out, "100 Continue")
	assert.Contains(t, out, "HTTP/1.1 200")
	assert.Equal(t, "hello", string(sawBody))
}

func TestExpectContinueHonoredOnHTTP11(t *testing.T) {
	srv := newTestServer(t, func(b *Builder) {
		b.Handle("POST", "/x", func(req *Request) *Response {
			return NewResponse().Status(200)
		})
	})
	c, tr := newTestConnection(srv)

	drive(c, "POST /x HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\nhello")

	assert.Contains(t, tr.out.String(), "100 Continue")
}
