package aeronet

import (
	"strconv"

	"github.com/badu/aeronet/headers"
)

// reservedHeaders are the names a handler cannot set directly (§3);
// the pipeline owns their value because they encode framing decisions
// made after the handler returns.
var reservedHeaders = map[string]bool{
	"connection":       true,
	"date":             true,
	"content-length":   true,
	"transfer-encoding": true,
}

// Response is an in-memory, owned response object built by a buffered
// handler (§4.4). NewResponse returns one with Status 200; a zero
// Response has status 0.
type Response struct {
	status  int
	reason  string
	header  headers.List
	trailer headers.List
	body    []byte
	hasBody bool

	// noCompress is not set by any code path; a handler opts out of
	// compression by setting Content-Encoding itself, which the
	// activation policy detects through contentEncodingSet.
	noCompress bool
}

// NewResponse returns a Response defaulted to "200 OK" with no body.
func NewResponse() *Response {
	return &Response{status: 200}
}

func assertNotReserved(name string) {
	key := name
	for i := 0; i < len(key); i++ {
		if key[i] >= 'A' && key[i] <= 'Z' {
			// normalize to a lowercase copy only when needed
			b := []byte(key)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			key = string(b)
			break
		}
	}
	if reservedHeaders[key] {
		panic("aeronet: handler attempted to set reserved header " + name)
	}
}

// Status sets the status code, returning the Response for chaining in
// the teacher's builder style.
func (r *Response) Status(code int) *Response {
	r.status = code
	return r
}

// Reason sets a custom reason phrase; empty keeps the standard one.
func (r *Response) Reason(text string) *Response {
	r.reason = text
	return r
}

// Header sets name to value, replacing any prior value while keeping
// first-seen casing (§4.4). Reserved names panic: this is a
// programming error, not a recoverable runtime condition.
func (r *Response) Header(name, value string) *Response {
	assertNotReserved(name)
	r.header.Set(name, value)
	return r
}

// Body sets an inline body payload appended to the serialized head.
func (r *Response) Body(b []byte) *Response {
	r.body = b
	r.hasBody = true
	return r
}

// Trailer adds a trailer line, only meaningful when chunked framing is
// selected (§4.4).
func (r *Response) Trailer(name, value string) *Response {
	r.trailer.Add(name, value)
	return r
}

// ContentType is sugar for Header(ContentType, v).
func (r *Response) ContentType(v string) *Response { return r.Header(headers.ContentType, v) }

// Location is sugar for Header(Location, v).
func (r *Response) Location(v string) *Response { return r.Header(headers.Location, v) }

// setRawHeader bypasses the reserved-header check; used only by the
// engine itself when it sets Location, Allow or Content-Encoding.
func (r *Response) setRawHeader(name, value string) { r.header.Set(name, value) }

func (r *Response) contentEncodingSet() bool { return r.header.Has(headers.ContentEncoding) }

func statusText(code int) string {
	if t, ok := statusTexts[code]; ok {
		return t
	}
	return "Status " + strconv.Itoa(code)
}

var statusTexts = map[int]string{
	100: "Continue",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	413: "Payload Too Large",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}
