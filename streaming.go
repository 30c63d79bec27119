package aeronet

import (
	"github.com/badu/aeronet/compression"
	"github.com/badu/aeronet/headers"
)

// smallWriteThreshold is the staging-buffer cutoff described in §4.5:
// incoming slices below this size are coalesced before framing, larger
// slices are framed and enqueued directly to avoid an extra copy.
const smallWriteThreshold = 4096

// streamMode records which framing the writer committed to once
// headers flush.
type streamMode int

const (
	streamUndecided streamMode = iota
	streamFixedLength
	streamChunked
)

// ResponseWriter is handed to streaming handlers (§4.5). Headers are
// buffered until the first Write or End so the pipeline can still
// retro-fit Content-Encoding/Content-Length/chunked framing once it
// knows how large the body will turn out to be — the source of most
// edge cases this type has to get right.
type ResponseWriter struct {
	status  int
	reason  string
	header  headers.List
	trailer headers.List

	declaredLength int64 // -1 = not set
	flushed        bool
	mode           streamMode
	ended          bool

	staging []byte

	compress        compression.Registry // engine registry, read-only
	compressMode    DirectCompressionMode
	compressEnc     compression.Encoder
	compressStream  compression.StreamEncoder
	compressMinByte int
	allowList       []string
	cumulativeBytes int64
	addVary         bool
	selectedCoding  string

	conn *connection
}

func newResponseWriter(c *connection) *ResponseWriter {
	return &ResponseWriter{
		status:         200,
		declaredLength: -1,
		conn:           c,
		compressMode:   c.server.cfg.Compression.StreamingMode,
		compressMinByte: c.server.cfg.Compression.MinBytes,
		allowList:      c.server.cfg.Compression.ContentTypeAllowList,
		addVary:        c.server.cfg.Compression.AddVary,
	}
}

// Status sets the status before the first byte is written; a no-op
// afterward since the head is already on the wire.
func (w *ResponseWriter) Status(code int) *ResponseWriter {
	if !w.flushed {
		w.status = code
	}
	return w
}

// Header sets a response header; reserved names panic, matching
// Response.Header. Ignored once headers have flushed.
func (w *ResponseWriter) Header(name, value string) *ResponseWriter {
	if w.flushed {
		return w
	}
	assertNotReserved(name)
	w.header.Set(name, value)
	return w
}

func (w *ResponseWriter) ContentType(v string) *ResponseWriter { return w.Header(headers.ContentType, v) }

// ContentLength declares a known body length; ignored once the first
// body byte has been written, per §4.5.
func (w *ResponseWriter) ContentLength(n int64) *ResponseWriter {
	if !w.flushed {
		w.declaredLength = n
	}
	return w
}

func (w *ResponseWriter) Trailer(name, value string) *ResponseWriter {
	w.trailer.Add(name, value)
	return w
}

// setNegotiated is called by the pipeline before handler dispatch so
// the writer knows which codec it would activate, without importing
// the negotiator itself.
func (w *ResponseWriter) setNegotiated(name string, enc compression.Encoder) {
	w.selectedCoding = name
	w.compressEnc = enc
}

func contentTypeAllowed(allow []string, ct string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, p := range allow {
		if len(ct) >= len(p) && ct[:len(p)] == p {
			return true
		}
	}
	return false
}

// maybeActivateCompression implements the streaming activation policy
// of §4.7: Auto gates on cumulative size and content-type, On skips
// the gate, Off never activates.
func (w *ResponseWriter) maybeActivateCompression() {
	if w.compressEnc == nil || w.selectedCoding == "" {
		return
	}
	if w.header.Has(headers.ContentEncoding) {
		return // handler already set its own Content-Encoding
	}
	switch w.compressMode {
	case CompressionOff:
		return
	case CompressionOn:
		// skip gating
	default: // Auto
		if w.cumulativeBytes < int64(w.compressMinByte) {
			return
		}
		ct, _ := w.header.Get(headers.ContentType)
		if !contentTypeAllowed(w.allowList, ct) {
			return
		}
	}
	w.header.Set(headers.ContentEncoding, w.selectedCoding)
	if w.addVary {
		appendVary(&w.header)
	}
	w.compressStream = w.compressEnc.NewStream()
}

func appendVary(h *headers.List) {
	if existing, ok := h.Get(headers.Vary); ok {
		for _, v := range splitCommaList(existing) {
			if headers.EqualFold(v, headers.AcceptEncoding) {
				return
			}
		}
		h.Set(headers.Vary, existing+", "+headers.AcceptEncoding)
		return
	}
	h.Set(headers.Vary, headers.AcceptEncoding)
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, trimSpaceASCII(s[start:i]))
			start = i + 1
		}
	}
	return out
}

func trimSpaceASCII(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

// flushHeaders commits to fixed-length or chunked framing and writes
// the status line + headers to the connection's outbound queue. Called
// from the first Write or from End with no prior Write.
func (w *ResponseWriter) flushHeaders(firstChunkLen int, atEnd bool) {
	if w.flushed {
		return
	}
	w.flushed = true

	if !atEnd && w.declaredLength >= 0 && w.compressStream == nil && w.selectedCoding == "" {
		w.mode = streamFixedLength
	} else if atEnd && firstChunkLen == 0 && w.declaredLength < 0 {
		// End() with nothing ever written: treat as a zero-length
		// Content-Length response, no chunked framing needed.
		w.declaredLength = 0
		w.mode = streamFixedLength
	} else {
		w.mode = streamChunked
	}

	var trailer *headers.List
	if w.mode == streamChunked && w.trailer.Len() > 0 {
		trailer = &w.trailer
	}
	w.conn.writeResponseHead(streamHeadArgs{
		status:  w.status,
		reason:  w.reason,
		header:  &w.header,
		chunked: w.mode == streamChunked,
		length:  w.declaredLength,
		trailer: trailer,
	})
}

// Write appends bytes to the response body, staging small writes and
// framing large ones directly; both paths must produce identical wire
// output (§4.5, tested invariant).
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if w.ended {
		return 0, errStreamEnded
	}
	w.cumulativeBytes += int64(len(p))
	if !w.flushed {
		w.maybeActivateCompression()
		w.flushHeaders(len(p), false)
	}

	data := p
	if w.compressStream != nil {
		encoded, err := w.compressStream.EncodeChunk(p)
		if err != nil {
			return 0, err
		}
		data = encoded
	}

	if w.mode == streamFixedLength {
		w.conn.writeBodyRaw(data)
		return len(p), nil
	}

	if len(p) < smallWriteThreshold && w.compressStream == nil {
		w.staging = append(w.staging, data...)
		if len(w.staging) >= smallWriteThreshold {
			w.conn.writeChunkFramed(w.staging)
			w.staging = w.staging[:0]
		}
		return len(p), nil
	}

	if len(w.staging) > 0 {
		w.conn.writeChunkFramed(w.staging)
		w.staging = w.staging[:0]
	}
	if len(data) > 0 {
		w.conn.writeChunkFramed(data)
	}
	return len(p), nil
}

// End flushes any pending staged bytes, emits the terminating chunk
// and trailers (if chunked), and marks the response complete.
func (w *ResponseWriter) End() error {
	if w.ended {
		return nil
	}
	w.ended = true
	if !w.flushed {
		w.flushHeaders(0, true)
	}
	if w.mode != streamChunked {
		return nil
	}
	if len(w.staging) > 0 {
		w.conn.writeChunkFramed(w.staging)
		w.staging = nil
	}
	if w.compressStream != nil {
		tail, err := w.compressStream.Close()
		if err != nil {
			return err
		}
		if len(tail) > 0 {
			w.conn.writeChunkFramed(tail)
		}
	}
	w.conn.writeChunkTerminator(&w.trailer)
	return nil
}

type streamEndedError struct{}

func (streamEndedError) Error() string { return "aeronet: write after End" }

var errStreamEnded = streamEndedError{}
