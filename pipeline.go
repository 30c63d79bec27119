package aeronet

import (
	"strings"

	"github.com/badu/aeronet/headers"
	"github.com/badu/aeronet/kind"
	"github.com/badu/aeronet/negotiate"
	"github.com/badu/aeronet/router"
	"github.com/badu/aeronet/urlutil"
)

// BufferedHandler builds an entire Response in memory and returns it
// (§4.4). It is the simpler of the two calling conventions the router
// accepts.
type BufferedHandler func(req *Request) *Response

// StreamingHandler writes directly to w as it produces output, useful
// for large or generated bodies (§4.5).
type StreamingHandler func(req *Request, w *ResponseWriter)

// pipeline wires parser output through decompression, middleware,
// routing and handler dispatch to response framing (§4.9). It is built
// once at Server construction and never mutated afterward.
type pipeline struct {
	srv *Server
	mw  *middlewareChain
	rt  *router.Router
}

// handle runs the full 8-step chain for one fully-parsed request
// (§4.9): decompress body, run request middleware, route, dispatch,
// run response middleware, negotiate outbound coding, frame, enqueue.
func (p *pipeline) handle(c *connection, in *inFlightRequest) error {
	c.requestsServed++

	body, bodyErr := p.decompressInbound(&in.header, in.body)
	if bodyErr != nil {
		c.writeErrorResponse(bodyErr)
		return nil
	}

	req := &Request{
		Method:     in.method,
		RawPath:    in.rawPath,
		Path:       decodePathOrEmpty(in.rawPath),
		RawQuery:   in.rawQuery,
		ProtoMajor: in.major,
		ProtoMinor: in.minor,
		Header:     &in.header,
		Body:       body,
		RemoteAddr: c.remoteAddr,
		conn:       c.tr.ConnectionInfo(),
	}
	if req.Path == "" && in.rawPath != "*" {
		c.writeErrorResponse(kind.New(kind.ProtocolMalformed, "malformed request path"))
		return nil
	}

	if sig, resp := p.mw.runRequest(req); sig == ShortCircuit {
		p.finishBuffered(c, req, resp)
		return nil
	}

	if req.Method == MethodCONNECT {
		p.handleConnect(c, req)
		return nil
	}

	if req.Method == MethodOPTIONS && in.rawPath == "*" {
		p.finishBuffered(c, req, optionsStarResponse(p.rt))
		return nil
	}

	if req.Method == MethodTRACE {
		if allowed := p.srv.cfg.traceAllowed(c.tr.ConnectionInfo().TLS); !allowed {
			c.writeErrorResponse(kind.New(kind.NotImplemented, "TRACE method disabled"))
			return nil
		}
	}

	match := p.rt.Match(methodName(req.Method), req.Path)
	if match.Redirect != "" {
		resp := NewResponse().Status(301)
		resp.setRawHeader(headers.Location, match.Redirect)
		p.finishBuffered(c, req, resp)
		return nil
	}
	if !match.Found {
		if len(match.Methods) > 0 {
			resp := NewResponse().Status(405)
			resp.setRawHeader(headers.Allow, joinComma(match.Methods))
			p.finishBuffered(c, req, resp)
			return nil
		}
		c.writeErrorResponse(kind.New(kind.NotFound, "no route for "+req.Path))
		return nil
	}
	req.routeParams = routeParams{get: match.Params.Get}

	switch match.Slot.Kind {
	case router.Buffered:
		h := match.Slot.Handler.(BufferedHandler)
		resp := h(req)
		if resp == nil {
			resp = NewResponse().Status(204)
		}
		p.finishBuffered(c, req, resp)
	case router.Streaming:
		h := match.Slot.Handler.(StreamingHandler)
		w := newResponseWriter(c)
		outcome := p.negotiateStreaming(req, w)
		if outcome.Forbidden406 {
			c.writeErrorResponse(kind.New(kind.NotAcceptable, "No acceptable content-coding available"))
			return nil
		}
		h(req, w)
		if err := w.End(); err != nil {
			c.ph = phaseClosing
		}
		if !w.flushed {
			// Handler never wrote anything: treat as an empty response.
			w.flushHeaders(0, true)
		}
		c.closeAfterResponse = c.decideCloseStreaming(req)
		if c.closeAfterResponse {
			c.draining = true
		}
	}
	return nil
}

func (p *pipeline) finishBuffered(c *connection, req *Request, resp *Response) {
	p.mw.runResponse(req, resp)
	c.serializeResponse(req, resp)
}

func (c *connection) decideCloseStreaming(req *Request) bool {
	return c.decideClose(req, 0)
}

func decodePathOrEmpty(rawPath string) string {
	if rawPath == "*" {
		return "*"
	}
	decoded, ok := urlutil.DecodePath(rawPath)
	if !ok {
		return ""
	}
	return decoded
}

func methodName(m Method) string { return m.String() }

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func optionsStarResponse(rt *router.Router) *Response {
	resp := NewResponse().Status(204)
	resp.setRawHeader(headers.Allow, joinComma(rt.AllMethods()))
	return resp
}

// decompressInbound undoes Content-Encoding on the request body when
// decompression is enabled, enforcing the bomb-mitigation caps (§4.7).
// Content-Encoding is a comma-separated chain applied left-to-right by
// the sender, so it must be undone right-to-left: "gzip, br" means the
// body was gzip-encoded first, then br-encoded around that, so br
// comes off first.
func (p *pipeline) decompressInbound(h *headers.List, body []byte) ([]byte, error) {
	if !p.srv.cfg.Decompression.Enable {
		return body, nil
	}
	raw, ok := h.Get(headers.ContentEncoding)
	if !ok || strings.TrimSpace(raw) == "" {
		return body, nil
	}
	tokens := strings.Split(raw, ",")
	cfg := p.srv.cfg.Decompression

	for i := len(tokens) - 1; i >= 0; i-- {
		enc := strings.TrimSpace(tokens[i])
		if enc == "" {
			return nil, kind.New(kind.ProtocolMalformed, "empty Content-Encoding token")
		}
		if headers.EqualFold(enc, negotiate.Identity) {
			continue
		}
		if cfg.MaxCompressedBytes > 0 && len(body) > cfg.MaxCompressedBytes {
			return nil, kind.New(kind.PayloadTooLarge, "compressed body exceeds limit")
		}
		dec, ok := p.srv.compression.Decoder(enc)
		if !ok {
			return nil, kind.New(kind.UnsupportedMediaType, "unsupported Content-Encoding "+enc)
		}
		maxOut := cfg.MaxDecompressedBytes
		if cfg.MaxExpansionRatio > 0 && len(body) > 0 {
			if byRatio := int(float64(len(body)) * cfg.MaxExpansionRatio); byRatio > 0 && (maxOut == 0 || byRatio < maxOut) {
				maxOut = byRatio
			}
		}
		out, err := dec.DecodeFull(body, maxOut)
		if err != nil {
			if _, ok := kind.As(err); ok {
				return nil, err
			}
			return nil, kind.Wrap(kind.ProtocolMalformed, "malformed "+enc+" body", err)
		}
		body = out
	}
	return body, nil
}

// negotiateAggregated runs Accept-Encoding negotiation for a buffered
// Response and returns the full Outcome — including Forbidden406 —
// unconditionally, so the caller can honor the client's 406 constraint
// even when the response body turns out too small to compress (§4.6,
// §4.7, spec scenario: identity;q=0 with no alternative).
func (s *Server) negotiateAggregated(req *Request) negotiate.Outcome {
	accept, _ := req.Header.Get(headers.AcceptEncoding)
	return negotiate.Negotiate(accept, s.compression.PreferenceOrder())
}

// negotiateStreaming mirrors negotiateAggregated for the streaming
// writer, which needs the encoder up front so it can gate activation
// on cumulative bytes as chunks arrive (§4.7). It also returns the
// Outcome so the caller can reject with 406 before the handler runs.
func (p *pipeline) negotiateStreaming(req *Request, w *ResponseWriter) negotiate.Outcome {
	accept, _ := req.Header.Get(headers.AcceptEncoding)
	outcome := negotiate.Negotiate(accept, p.srv.compression.PreferenceOrder())
	if outcome.Selected == "" || outcome.Selected == negotiate.Identity {
		return outcome
	}
	enc, ok := p.srv.compression.Encoder(outcome.Selected)
	if !ok {
		return outcome
	}
	w.setNegotiated(outcome.Selected, enc)
	return outcome
}
