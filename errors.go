package aeronet

import (
	"github.com/badu/aeronet/headers"
	"github.com/badu/aeronet/kind"
)

// writeErrorResponse builds and enqueues a canonical error response for
// err and decides whether the connection must close afterward (§7).
// It is the one place parser.go and pipeline.go funnel failures
// through, so every code path advertises the same body shape.
func (c *connection) writeErrorResponse(err error) {
	k := kind.Unknown
	msg := err.Error()
	if e, ok := kind.As(err); ok {
		k = e.K
		msg = e.Message
	}
	status := k.Status()
	if status == 0 {
		status = 500
	}

	if c.server.onParserError != nil {
		c.server.onParserError(ParserError{Kind: k, Message: msg, RemoteAddr: c.remoteAddr})
	}

	body := []byte(msg)
	var h headers.List
	h.Set(headers.ContentType, "text/plain; charset=utf-8")

	c.closeAfterResponse = k.CloseAfterResponse()
	if c.closeAfterResponse {
		c.draining = true
	}
	c.writeResponseHead(streamHeadArgs{
		status: status,
		header: &h,
		length: int64(len(body)),
	})
	c.writeBodyRaw(body)
}

// ParserError is the one-shot-per-request callback payload for
// observability hooks registered via Server.OnParserError (§9 Open
// Question: "should malformed input surface to the embedder" resolved
// as yes, via an optional callback rather than a mandatory log line).
type ParserError struct {
	Kind       kind.Kind
	Message    string
	RemoteAddr string
}
