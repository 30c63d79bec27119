package aeronet

import "sync/atomic"

// Stats is the engine's exposed counters (§6). It is safe for
// concurrent reads via Snapshot while the loop goroutine updates it
// lock-free with atomics — the same approach nabbar-golib/httpserver
// uses for its request counters, traded here for per-field atomics
// since the loop goroutine is the sole writer and Snapshot callers
// only ever read.
type Stats struct {
	bytesQueuedTotal      int64
	bytesWrittenImmediate int64
	bytesWrittenFlush     int64
	deferredWriteEvents   int64
	flushCycles           int64
	epollModFailures      int64
	maxOutboundBuffer     int64

	tlsHandshakesSucceeded  int64
	tlsALPNStrictMismatches int64
	tlsClientCertPresent    int64
	tlsHandshakeDurCount    int64
	tlsHandshakeDurTotalNs  int64
	tlsHandshakeDurMaxNs    int64

	alpnDist    countMap
	cipherCount countMap
	versionCount countMap
}

// countMap is a tiny fixed-size atomic-free map guarded by the single
// loop goroutine; exposed read-only via Snapshot's copy.
type countMap map[string]int64

func newStats() *Stats {
	return &Stats{
		alpnDist:     countMap{},
		cipherCount:  countMap{},
		versionCount: countMap{},
	}
}

func (s *Stats) addBytesQueued(n int64) { atomic.AddInt64(&s.bytesQueuedTotal, n) }

func (s *Stats) addBytesWritten(n int64, immediate bool) {
	if immediate {
		atomic.AddInt64(&s.bytesWrittenImmediate, n)
	} else {
		atomic.AddInt64(&s.bytesWrittenFlush, n)
	}
}

func (s *Stats) addDeferredWriteEvent() { atomic.AddInt64(&s.deferredWriteEvents, 1) }
func (s *Stats) addFlushCycle()         { atomic.AddInt64(&s.flushCycles, 1) }
func (s *Stats) addEpollModFailure()    { atomic.AddInt64(&s.epollModFailures, 1) }

func (s *Stats) observeOutboundBuffer(n int64) {
	for {
		cur := atomic.LoadInt64(&s.maxOutboundBuffer)
		if n <= cur || atomic.CompareAndSwapInt64(&s.maxOutboundBuffer, cur, n) {
			return
		}
	}
}

// recordHandshake is called once per completed TLS handshake, on the
// loop goroutine, so the countMap writes need no locking.
func (s *Stats) recordHandshake(alpn, cipher, version string, clientCert bool, durationNs int64, alpnStrictMismatch bool) {
	atomic.AddInt64(&s.tlsHandshakesSucceeded, 1)
	if alpnStrictMismatch {
		atomic.AddInt64(&s.tlsALPNStrictMismatches, 1)
	}
	if clientCert {
		atomic.AddInt64(&s.tlsClientCertPresent, 1)
	}
	atomic.AddInt64(&s.tlsHandshakeDurCount, 1)
	atomic.AddInt64(&s.tlsHandshakeDurTotalNs, durationNs)
	for {
		cur := atomic.LoadInt64(&s.tlsHandshakeDurMaxNs)
		if durationNs <= cur || atomic.CompareAndSwapInt64(&s.tlsHandshakeDurMaxNs, cur, durationNs) {
			break
		}
	}
	if alpn != "" {
		s.alpnDist[alpn]++
	}
	if cipher != "" {
		s.cipherCount[cipher]++
	}
	if version != "" {
		s.versionCount[version]++
	}
}

// Snapshot is an immutable copy of Stats suitable for exposing via the
// metrics package or a debug handler.
type Snapshot struct {
	BytesQueuedTotal            int64
	BytesWrittenImmediate       int64
	BytesWrittenFlush           int64
	DeferredWriteEvents         int64
	FlushCycles                 int64
	EpollModFailures            int64
	MaxConnectionOutboundBuffer int64

	TLSHandshakesSucceeded  int64
	TLSALPNStrictMismatches int64
	TLSClientCertPresent    int64
	TLSHandshakeDurationCount   int64
	TLSHandshakeDurationTotalNs int64
	TLSHandshakeDurationMaxNs   int64

	TLSALPNDistribution map[string]int64
	TLSCipherCounts      map[string]int64
	TLSVersionCounts     map[string]int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesQueuedTotal:            atomic.LoadInt64(&s.bytesQueuedTotal),
		BytesWrittenImmediate:       atomic.LoadInt64(&s.bytesWrittenImmediate),
		BytesWrittenFlush:           atomic.LoadInt64(&s.bytesWrittenFlush),
		DeferredWriteEvents:         atomic.LoadInt64(&s.deferredWriteEvents),
		FlushCycles:                 atomic.LoadInt64(&s.flushCycles),
		EpollModFailures:            atomic.LoadInt64(&s.epollModFailures),
		MaxConnectionOutboundBuffer: atomic.LoadInt64(&s.maxOutboundBuffer),
		TLSHandshakesSucceeded:      atomic.LoadInt64(&s.tlsHandshakesSucceeded),
		TLSALPNStrictMismatches:     atomic.LoadInt64(&s.tlsALPNStrictMismatches),
		TLSClientCertPresent:        atomic.LoadInt64(&s.tlsClientCertPresent),
		TLSHandshakeDurationCount:   atomic.LoadInt64(&s.tlsHandshakeDurCount),
		TLSHandshakeDurationTotalNs: atomic.LoadInt64(&s.tlsHandshakeDurTotalNs),
		TLSHandshakeDurationMaxNs:   atomic.LoadInt64(&s.tlsHandshakeDurMaxNs),
		TLSALPNDistribution:         cloneCountMap(s.alpnDist),
		TLSCipherCounts:             cloneCountMap(s.cipherCount),
		TLSVersionCounts:            cloneCountMap(s.versionCount),
	}
}

func cloneCountMap(m countMap) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
