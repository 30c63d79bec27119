package aeronet

// MiddlewareSignal tells the pipeline whether to keep running the
// request-middleware chain and router dispatch, or stop early because
// the middleware already produced the final response (§4.9, §6).
type MiddlewareSignal int

const (
	Continue MiddlewareSignal = iota
	ShortCircuit
)

// RequestMiddleware runs before routing. Returning ShortCircuit skips
// the router and any remaining request middleware; resp must be
// non-nil in that case.
type RequestMiddleware func(req *Request) (MiddlewareSignal, *Response)

// ResponseMiddleware runs after a buffered handler (or a short-circuit
// middleware) produced a Response, in registration order, and may
// mutate it before framing (§4.9). Streaming responses bypass response
// middleware entirely: by the time bytes are written there is no
// Response object left to mutate, matching the reference engine's
// choice to keep streaming zero-copy.
type ResponseMiddleware func(req *Request, resp *Response)

// middlewareChain holds both chains for one engine, built once at
// registration time and never mutated after Listen (§5).
type middlewareChain struct {
	request  []RequestMiddleware
	response []ResponseMiddleware
}

func (m *middlewareChain) runRequest(req *Request) (MiddlewareSignal, *Response) {
	for _, mw := range m.request {
		if sig, resp := mw(req); sig == ShortCircuit {
			return ShortCircuit, resp
		}
	}
	return Continue, nil
}

func (m *middlewareChain) runResponse(req *Request, resp *Response) {
	for _, mw := range m.response {
		mw(req, resp)
	}
}
