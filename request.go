package aeronet

import (
	"github.com/badu/aeronet/headers"
	"github.com/badu/aeronet/transport"
	"github.com/badu/aeronet/urlutil"
)

// Method is the enumerated HTTP method of a parsed request (§3).
type Method int

const (
	MethodGET Method = iota
	MethodHEAD
	MethodPOST
	MethodPUT
	MethodDELETE
	MethodOPTIONS
	MethodPATCH
	MethodTRACE
	MethodCONNECT
	methodUnknown
)

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodHEAD:
		return "HEAD"
	case MethodPOST:
		return "POST"
	case MethodPUT:
		return "PUT"
	case MethodDELETE:
		return "DELETE"
	case MethodOPTIONS:
		return "OPTIONS"
	case MethodPATCH:
		return "PATCH"
	case MethodTRACE:
		return "TRACE"
	case MethodCONNECT:
		return "CONNECT"
	default:
		return ""
	}
}

func parseMethod(tok string) (Method, bool) {
	switch tok {
	case "GET":
		return MethodGET, true
	case "HEAD":
		return MethodHEAD, true
	case "POST":
		return MethodPOST, true
	case "PUT":
		return MethodPUT, true
	case "DELETE":
		return MethodDELETE, true
	case "OPTIONS":
		return MethodOPTIONS, true
	case "PATCH":
		return MethodPATCH, true
	case "TRACE":
		return MethodTRACE, true
	case "CONNECT":
		return MethodCONNECT, true
	default:
		return methodUnknown, false
	}
}

// Request is the parsed request handed to a handler (§3). Its method,
// path, query and header strings are copies made by the parser, not
// views into the connection's inbound buffer. Handlers must not retain
// a Request past return.
type Request struct {
	Method     Method
	RawPath    string
	Path       string // percent-decoded
	RawQuery   string
	ProtoMajor int
	ProtoMinor int
	Header     *headers.List
	Body       []byte // post inbound-decompression

	RemoteAddr string
	conn       transport.ConnectionInfo

	routeParams routeParams
}

// routeParams is populated by the router match for this request; kept
// unexported so handlers go through PathParam.
type routeParams struct {
	get func(name string) (string, bool)
}

// PathParam returns a named path parameter captured by the router
// (e.g. "{id}" in the registered route), or "" if absent.
func (r *Request) PathParam(name string) string {
	if r.routeParams.get == nil {
		return ""
	}
	v, _ := r.routeParams.get(name)
	return v
}

// ProtoAtLeast reports whether the request's HTTP version is >= major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || (r.ProtoMajor == major && r.ProtoMinor >= minor)
}

// Query returns a lazy iterator over the raw query string (§3: "query
// parameter iterator over the raw query").
func (r *Request) Query() *urlutil.Query { return urlutil.NewQuery(r.RawQuery) }

// QueryParam scans the query string for key's first value.
func (r *Request) QueryParam(key string) (string, bool) {
	return urlutil.Get(r.RawQuery, key)
}

// TLS reports the negotiated TLS session info, or the zero value on a
// plaintext connection.
func (r *Request) TLS() transport.ConnectionInfo { return r.conn }

// ExpectsContinue reports whether the request carries Expect:
// 100-continue (§4.3).
func (r *Request) ExpectsContinue() bool {
	v, ok := r.Header.Get(headers.Expect)
	return ok && headers.EqualFold(v, "100-continue")
}

// wantsConnectionClose reports whether the request explicitly asked for
// Connection: close (§4.4 item 4).
func (r *Request) wantsConnectionClose() bool {
	v, ok := r.Header.Get(headers.Connection)
	return ok && headers.EqualFold(v, "close")
}

// wantsHTTP10KeepAlive reports an HTTP/1.0 client's opt-in to persistent
// connections via "Connection: keep-alive".
func (r *Request) wantsHTTP10KeepAlive() bool {
	v, ok := r.Header.Get(headers.Connection)
	return ok && headers.EqualFold(v, "keep-alive")
}
