// Package metrics exports a Server's Stats snapshot as Prometheus
// gauges/counters via github.com/prometheus/client_golang, the metrics
// library nabbar-golib's go.mod carries (badu-http, the teacher,
// exposed no metrics surface of its own).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/badu/aeronet"
)

// Collector adapts a *aeronet.Server to prometheus.Collector, pulling
// a fresh Snapshot at scrape time rather than duplicating counters.
type Collector struct {
	srv *aeronet.Server

	bytesQueued      *prometheus.Desc
	bytesImmediate   *prometheus.Desc
	bytesFlush       *prometheus.Desc
	deferredWrites   *prometheus.Desc
	flushCycles      *prometheus.Desc
	epollModFailures *prometheus.Desc
	maxOutboundBuf   *prometheus.Desc

	tlsHandshakes    *prometheus.Desc
	tlsALPNMismatch  *prometheus.Desc
	tlsClientCert    *prometheus.Desc
	tlsHandshakeDur  *prometheus.Desc
	tlsALPNDist      *prometheus.Desc
	tlsCipherCounts  *prometheus.Desc
	tlsVersionCounts *prometheus.Desc
}

// NewCollector builds a Collector reading from srv, labeled with
// engine, the per-Server identifier used to distinguish multiple
// REUSEPORT workers scraped from one process.
func NewCollector(srv *aeronet.Server, engine string) *Collector {
	labels := prometheus.Labels{"engine": engine}
	return &Collector{
		srv:              srv,
		bytesQueued:      desc("aeronet_bytes_queued_total", "Total bytes queued for writing.", labels),
		bytesImmediate:   desc("aeronet_bytes_written_immediate_total", "Bytes written without waiting for a writable event.", labels),
		bytesFlush:       desc("aeronet_bytes_written_flush_total", "Bytes written during a deferred flush cycle.", labels),
		deferredWrites:   desc("aeronet_deferred_write_events_total", "Writes that had to wait for EPOLLOUT.", labels),
		flushCycles:      desc("aeronet_flush_cycles_total", "Completed deferred-flush cycles.", labels),
		epollModFailures: desc("aeronet_epoll_mod_failures_total", "epoll_ctl MOD/DEL failures that weren't benign races.", labels),
		maxOutboundBuf:   desc("aeronet_max_connection_outbound_buffer_bytes", "High-water mark of any one connection's outbound queue.", labels),
		tlsHandshakes:    desc("aeronet_tls_handshakes_succeeded_total", "Completed TLS handshakes.", labels),
		tlsALPNMismatch:  desc("aeronet_tls_alpn_strict_mismatches_total", "Handshakes rejected for ALPN strict-match failure.", labels),
		tlsClientCert:    desc("aeronet_tls_client_cert_present_total", "Handshakes where the peer presented a certificate.", labels),
		tlsHandshakeDur:  desc("aeronet_tls_handshake_duration_seconds", "TLS handshake duration distribution (count/sum).", labels),
		tlsALPNDist:      descWith("aeronet_tls_alpn_distribution_total", "Handshakes by negotiated ALPN protocol.", labels, "protocol"),
		tlsCipherCounts:  descWith("aeronet_tls_cipher_suite_total", "Handshakes by negotiated cipher suite.", labels, "cipher"),
		tlsVersionCounts: descWith("aeronet_tls_version_total", "Handshakes by negotiated TLS version.", labels, "version"),
	}
}

func desc(name, help string, labels prometheus.Labels) *prometheus.Desc {
	return prometheus.NewDesc(name, help, nil, labels)
}

func descWith(name, help string, labels prometheus.Labels, extraLabel string) *prometheus.Desc {
	l := prometheus.Labels{}
	for k, v := range labels {
		l[k] = v
	}
	return prometheus.NewDesc(name, help, []string{extraLabel}, l)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesQueued
	ch <- c.bytesImmediate
	ch <- c.bytesFlush
	ch <- c.deferredWrites
	ch <- c.flushCycles
	ch <- c.epollModFailures
	ch <- c.maxOutboundBuf
	ch <- c.tlsHandshakes
	ch <- c.tlsALPNMismatch
	ch <- c.tlsClientCert
	ch <- c.tlsHandshakeDur
	ch <- c.tlsALPNDist
	ch <- c.tlsCipherCounts
	ch <- c.tlsVersionCounts
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.srv.Stats()
	ch <- prometheus.MustNewConstMetric(c.bytesQueued, prometheus.CounterValue, float64(s.BytesQueuedTotal))
	ch <- prometheus.MustNewConstMetric(c.bytesImmediate, prometheus.CounterValue, float64(s.BytesWrittenImmediate))
	ch <- prometheus.MustNewConstMetric(c.bytesFlush, prometheus.CounterValue, float64(s.BytesWrittenFlush))
	ch <- prometheus.MustNewConstMetric(c.deferredWrites, prometheus.CounterValue, float64(s.DeferredWriteEvents))
	ch <- prometheus.MustNewConstMetric(c.flushCycles, prometheus.CounterValue, float64(s.FlushCycles))
	ch <- prometheus.MustNewConstMetric(c.epollModFailures, prometheus.CounterValue, float64(s.EpollModFailures))
	ch <- prometheus.MustNewConstMetric(c.maxOutboundBuf, prometheus.GaugeValue, float64(s.MaxConnectionOutboundBuffer))
	ch <- prometheus.MustNewConstMetric(c.tlsHandshakes, prometheus.CounterValue, float64(s.TLSHandshakesSucceeded))
	ch <- prometheus.MustNewConstMetric(c.tlsALPNMismatch, prometheus.CounterValue, float64(s.TLSALPNStrictMismatches))
	ch <- prometheus.MustNewConstMetric(c.tlsClientCert, prometheus.CounterValue, float64(s.TLSClientCertPresent))
	ch <- prometheus.MustNewConstHistogram(c.tlsHandshakeDur,
		uint64(s.TLSHandshakeDurationCount),
		float64(s.TLSHandshakeDurationTotalNs)/1e9,
		map[float64]uint64{},
	)
	for proto, n := range s.TLSALPNDistribution {
		ch <- prometheus.MustNewConstMetric(c.tlsALPNDist, prometheus.CounterValue, float64(n), proto)
	}
	for cipher, n := range s.TLSCipherCounts {
		ch <- prometheus.MustNewConstMetric(c.tlsCipherCounts, prometheus.CounterValue, float64(n), cipher)
	}
	for version, n := range s.TLSVersionCounts {
		ch <- prometheus.MustNewConstMetric(c.tlsVersionCounts, prometheus.CounterValue, float64(n), version)
	}
}
