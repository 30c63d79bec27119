package aeronet

import (
	"github.com/badu/aeronet/headers"
	"github.com/badu/aeronet/kind"
	"github.com/badu/aeronet/negotiate"
)

// serializeResponse runs Accept-Encoding negotiation unconditionally
// (§4.6), rejecting with 406 when the client's identity;q=0 leaves no
// acceptable coding, then applies the aggregated compression
// activation policy (§4.7) and frames and writes resp for req onto
// conn. It covers the buffered-handler path; the streaming path goes
// through ResponseWriter instead (§4.4, §4.5).
func (c *connection) serializeResponse(req *Request, resp *Response) {
	outcome := c.server.negotiateAggregated(req)
	if outcome.Forbidden406 {
		c.writeErrorResponse(kind.New(kind.NotAcceptable, "No acceptable content-coding available"))
		return
	}

	body := resp.body
	encoding := ""

	if !resp.contentEncodingSet() && outcome.Selected != "" && outcome.Selected != negotiate.Identity &&
		shouldCompressAggregated(c.server.cfg, resp, len(body)) {
		if enc, ok := c.server.compression.Encoder(outcome.Selected); ok {
			out, err := enc.EncodeFull(nil, body)
			if err == nil {
				body = out
				encoding = outcome.Selected
			}
		}
	}
	if encoding != "" {
		resp.setRawHeader(headers.ContentEncoding, encoding)
		if c.server.cfg.Compression.AddVary {
			appendVary(&resp.header)
		}
	}

	suppressBody := req.Method == MethodHEAD
	length := int64(len(body))

	c.closeAfterResponse = c.decideClose(req, resp.status)
	if c.closeAfterResponse {
		c.draining = true
	}

	c.writeResponseHead(streamHeadArgs{
		status:       resp.status,
		reason:       resp.reason,
		header:       &resp.header,
		length:       length,
		suppressBody: suppressBody,
	})
	if !suppressBody {
		c.writeBodyRaw(body)
	}
	// Buffered responses only emit trailers when chunked, which a known
	// Content-Length body never is; a trailer set on one is dropped,
	// matching the streaming writer's "trailers require chunked
	// framing" rule.
}

// decideClose implements §4.4 item 4: close after this response if the
// client asked for it, the server is draining, the per-connection
// request cap was hit, or the protocol version doesn't default to
// keep-alive and the client didn't opt in.
func (c *connection) decideClose(req *Request, status int) bool {
	if c.draining {
		return true
	}
	if req.wantsConnectionClose() {
		return true
	}
	if !c.server.cfg.EnableKeepAlive {
		return true
	}
	limit := c.server.cfg.MaxRequestsPerConn
	if limit > 0 && c.requestsServed >= limit {
		return true
	}
	if req.ProtoMinor == 0 {
		return !req.wantsHTTP10KeepAlive()
	}
	return false
}

func shouldCompressAggregated(cfg *Config, resp *Response, bodyLen int) bool {
	if bodyLen < cfg.Compression.MinBytes {
		return false
	}
	ct, _ := resp.header.Get(headers.ContentType)
	return contentTypeAllowed(cfg.Compression.ContentTypeAllowList, ct)
}
