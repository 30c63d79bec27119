package aeronet

import (
	"strconv"
	"strings"

	"github.com/badu/aeronet/headers"
	"github.com/badu/aeronet/kind"
)

// feed appends newly read bytes to the connection's inbound buffer and
// drives the incremental parser as far as it can go, dispatching each
// fully-parsed request to the pipeline before looking for the next one
// (pipelining support, §4.3). It returns when either the buffer is
// exhausted or the connection has moved to a phase this function
// doesn't drive (tunneling, closing).
func (c *connection) feed(data []byte) error {
	c.inbound = append(c.inbound, data...)
	for {
		switch c.ph {
		case phaseReadingHead:
			ok, err := c.tryParseHead()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		case phaseReadingFixedBody:
			ok, err := c.tryParseFixedBody()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		case phaseReadingChunkedBody:
			ok, err := c.tryParseChunkedBody()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func indexCRLFCRLF(b []byte) int {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return i
		}
	}
	return -1
}

func indexCRLF(b []byte, from int) int {
	for i := from; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// tryParseHead looks for a complete request-line + header block. It
// reports ok=false when more bytes are needed, and an error of Kind
// HeaderTooLarge/ProtocolMalformed/VersionNotSupported/NotImplemented
// when the head is complete but invalid (§4.3).
func (c *connection) tryParseHead() (bool, error) {
	max := c.server.cfg.MaxHeaderBytes
	if max > 0 && len(c.inbound) > max {
		end := indexCRLFCRLF(c.inbound)
		if end < 0 || end > max {
			return false, kind.New(kind.HeaderTooLarge, "request head exceeds maximum size")
		}
	}

	end := indexCRLFCRLF(c.inbound)
	if end < 0 {
		return false, nil
	}
	head := c.inbound[:end]
	rest := c.inbound[end+4:]

	lineEnd := indexCRLF(head, 0)
	if lineEnd < 0 {
		return false, kind.New(kind.ProtocolMalformed, "missing request line")
	}
	req, err := parseRequestLine(string(head[:lineEnd]))
	if err != nil {
		return false, err
	}

	hdr, err := parseHeaderBlock(head[lineEnd+2:])
	if err != nil {
		return false, err
	}

	if err := validateSingletonHeaders(&hdr); err != nil {
		return false, err
	}

	contentLength, chunked, err := determineFraming(&hdr)
	if err != nil {
		return false, err
	}

	c.pending = &inFlightRequest{
		method:        req.method,
		rawPath:       req.rawPath,
		rawQuery:      req.rawQuery,
		major:         req.major,
		minor:         req.minor,
		header:        hdr,
		contentLength: contentLength,
		chunked:       chunked,
	}
	c.pending.expectContinue = requestExpectsContinue(&hdr, req.minor)

	c.inbound = append(c.inbound[:0], rest...)

	if chunked {
		c.ph = phaseReadingChunkedBody
		c.pending.chunkState = chunkExpectSize
	} else if contentLength > 0 {
		c.ph = phaseReadingFixedBody
	} else {
		return true, c.dispatchPending()
	}

	if c.pending.expectContinue && !c.pending.continueSent {
		c.sendContinue()
		c.pending.continueSent = true
	}
	return true, nil
}

type requestLine struct {
	method   Method
	rawPath  string
	rawQuery string
	major    int
	minor    int
}

func parseRequestLine(line string) (requestLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return requestLine{}, kind.New(kind.ProtocolMalformed, "malformed request line")
	}
	method, ok := parseMethod(parts[0])
	if !ok {
		return requestLine{}, kind.New(kind.NotImplemented, "unsupported method "+parts[0])
	}
	target := parts[1]
	if target == "" || target[0] != '/' {
		if !(method == MethodCONNECT) && !(target == "*" && method == MethodOPTIONS) {
			return requestLine{}, kind.New(kind.ProtocolMalformed, "malformed request target")
		}
	}
	rawPath, rawQuery := target, ""
	if i := strings.IndexByte(target, '?'); i >= 0 {
		rawPath, rawQuery = target[:i], target[i+1:]
	}

	major, minor, err := parseHTTPVersion(parts[2])
	if err != nil {
		return requestLine{}, err
	}
	if major != 1 {
		return requestLine{}, kind.New(kind.VersionNotSupported, "unsupported HTTP major version")
	}
	return requestLine{method: method, rawPath: rawPath, rawQuery: rawQuery, major: major, minor: minor}, nil
}

func parseHTTPVersion(tok string) (int, int, error) {
	if !strings.HasPrefix(tok, "HTTP/") || len(tok) != len("HTTP/1.1") {
		return 0, 0, kind.New(kind.ProtocolMalformed, "malformed HTTP version token")
	}
	major := tok[5] - '0'
	minor := tok[7] - '0'
	if tok[6] != '.' || major > 9 || minor > 9 {
		return 0, 0, kind.New(kind.ProtocolMalformed, "malformed HTTP version token")
	}
	if major == 1 && minor != 0 && minor != 1 {
		return 0, 0, kind.New(kind.VersionNotSupported, "unsupported HTTP minor version")
	}
	return int(major), int(minor), nil
}

func parseHeaderBlock(b []byte) (headers.List, error) {
	var h headers.List
	s := string(b)
	for len(s) > 0 {
		i := strings.Index(s, "\r\n")
		line := s
		if i >= 0 {
			line = s[:i]
			s = s[i+2:]
		} else {
			s = ""
		}
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return h, kind.New(kind.ProtocolMalformed, "malformed header line")
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		if !headers.ValidFieldName(name) {
			return h, kind.New(kind.ProtocolMalformed, "invalid header field name")
		}
		h.Add(name, value)
	}
	return h, nil
}

// validateSingletonHeaders rejects duplicate Host/Content-Length that
// disagree, and a Transfer-Encoding paired with Content-Length (§4.3,
// request-smuggling hardening).
func validateSingletonHeaders(h *headers.List) error {
	if h.Count(headers.Host) > 1 {
		return kind.New(kind.ProtocolMalformed, "duplicate Host header")
	}
	if cls := h.Values(headers.ContentLength); len(cls) > 1 {
		for _, v := range cls[1:] {
			if v != cls[0] {
				return kind.New(kind.ProtocolMalformed, "conflicting Content-Length headers")
			}
		}
	}
	if h.Has(headers.TransferEncoding) && h.Has(headers.ContentLength) {
		return kind.New(kind.ProtocolMalformed, "Transfer-Encoding and Content-Length both present")
	}
	return nil
}

// determineFraming reads Content-Length/Transfer-Encoding to decide
// the body framing mode (§4.3). contentLength is -1 when neither is
// present (no body).
func determineFraming(h *headers.List) (contentLength int64, chunked bool, err error) {
	if te, ok := h.Get(headers.TransferEncoding); ok {
		if !headers.EqualFold(strings.TrimSpace(lastToken(te)), "chunked") {
			return 0, false, kind.New(kind.NotImplemented, "unsupported Transfer-Encoding")
		}
		return -1, true, nil
	}
	if cl, ok := h.Get(headers.ContentLength); ok {
		n, convErr := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if convErr != nil || n < 0 {
			return 0, false, kind.New(kind.ProtocolMalformed, "malformed Content-Length")
		}
		return n, false, nil
	}
	return -1, false, nil
}

func lastToken(csv string) string {
	parts := strings.Split(csv, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

// requestExpectsContinue reports whether an interim 100 Continue is due
// (§4.3): HTTP/1.0 clients do not understand the interim response, so
// Expect is only honored for HTTP/1.1 requests (spec scenario: Expect
// ignored after HTTP/1.0).
func requestExpectsContinue(h *headers.List, minor int) bool {
	if minor != 1 {
		return false
	}
	v, ok := h.Get(headers.Expect)
	return ok && headers.EqualFold(strings.TrimSpace(v), "100-continue")
}

func (c *connection) sendContinue() {
	buf := appendStatusLine(nil, c.pending.major, c.pending.minor, 100, "Continue")
	buf = append(buf, "\r\n"...)
	c.enqueueOutbound(buf)
}

func (c *connection) tryParseFixedBody() (bool, error) {
	need := c.pending.contentLength - c.pending.bodyRead
	if int64(len(c.inbound)) < need {
		if int64(len(c.inbound)) > 0 && need > 0 {
			c.pending.body = append(c.pending.body, c.inbound...)
			c.pending.bodyRead += int64(len(c.inbound))
			c.inbound = c.inbound[:0]
		}
		return false, nil
	}
	c.pending.body = append(c.pending.body, c.inbound[:need]...)
	c.pending.bodyRead += need
	c.inbound = append(c.inbound[:0], c.inbound[need:]...)
	return true, c.dispatchPending()
}

// tryParseChunkedBody drives the chunk-size / chunk-data / trailer
// state machine across however many read events it takes (§4.3).
func (c *connection) tryParseChunkedBody() (bool, error) {
	for {
		switch c.pending.chunkState {
		case chunkExpectSize:
			i := indexCRLF(c.inbound, 0)
			if i < 0 {
				return false, nil
			}
			line := string(c.inbound[:i])
			if semi := strings.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			n, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || n < 0 {
				return false, kind.New(kind.ProtocolMalformed, "malformed chunk size")
			}
			c.inbound = append(c.inbound[:0], c.inbound[i+2:]...)
			c.pending.chunkRemaining = n
			if n == 0 {
				c.pending.chunkState = chunkExpectTrailer
			} else {
				c.pending.chunkState = chunkExpectData
			}
		case chunkExpectData:
			avail := int64(len(c.inbound))
			if avail < c.pending.chunkRemaining {
				c.pending.body = append(c.pending.body, c.inbound...)
				c.pending.chunkRemaining -= avail
				c.inbound = c.inbound[:0]
				return false, nil
			}
			c.pending.body = append(c.pending.body, c.inbound[:c.pending.chunkRemaining]...)
			c.inbound = append(c.inbound[:0], c.inbound[c.pending.chunkRemaining:]...)
			c.pending.chunkRemaining = 0
			c.pending.chunkState = chunkExpectDataCRLF
		case chunkExpectDataCRLF:
			if len(c.inbound) < 2 {
				return false, nil
			}
			if c.inbound[0] != '\r' || c.inbound[1] != '\n' {
				return false, kind.New(kind.ProtocolMalformed, "malformed chunk terminator")
			}
			c.inbound = append(c.inbound[:0], c.inbound[2:]...)
			c.pending.chunkState = chunkExpectSize
		case chunkExpectTrailer:
			// The trailer section has exactly the shape of a header
			// block: zero or more "name: value\r\n" lines terminated by
			// a blank line. No trailers means the blank line is first.
			if len(c.inbound) >= 2 && c.inbound[0] == '\r' && c.inbound[1] == '\n' {
				c.inbound = append(c.inbound[:0], c.inbound[2:]...)
				c.pending.chunkState = chunkDone
				continue
			}
			full := indexCRLFCRLF(c.inbound)
			if full < 0 {
				return false, nil
			}
			trailer, err := parseHeaderBlock(c.inbound[:full])
			if err != nil {
				return false, err
			}
			c.pending.trailer = trailer
			c.inbound = append(c.inbound[:0], c.inbound[full+4:]...)
			c.pending.chunkState = chunkDone
		case chunkDone:
			return true, c.dispatchPending()
		}
	}
}

// dispatchPending hands the fully-parsed request to the pipeline and
// resets connection state for the next request on this connection
// (§4.3, §4.9).
func (c *connection) dispatchPending() error {
	req := c.pending
	c.resetForNextRequest()
	return c.server.pipeline.handle(c, req)
}
