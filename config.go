package aeronet

import (
	"crypto/tls"
	"fmt"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/badu/aeronet/compression"
	"github.com/badu/aeronet/router"
)

// TracePolicy controls whether the TRACE method is served (§4.8, §6).
type TracePolicy int

const (
	TraceDisabled TracePolicy = iota
	TraceEnabledPlainOnly
	TraceEnabledPlainAndTLS
)

// DirectCompressionMode controls streaming-response compression
// activation (§4.7).
type DirectCompressionMode int

const (
	CompressionAuto DirectCompressionMode = iota
	CompressionOff
	CompressionOn
)

// CompressionConfig is the outbound compression surface (§6).
type CompressionConfig struct {
	PreferredFormats       []string `mapstructure:"preferredFormats" validate:"dive,oneof=gzip deflate zstd br"`
	Params                 compression.Params
	MinBytes               int  `mapstructure:"minBytes"`
	ContentTypeAllowList   []string `mapstructure:"contentTypeAllowList"`
	AddVary                bool `mapstructure:"addVary"`
	AllowPerResponseDisable bool `mapstructure:"allowPerResponseDisable"`
	StreamingMode          DirectCompressionMode `mapstructure:"streamingMode"`
}

// DecompressionConfig is the inbound decompression surface (§6).
type DecompressionConfig struct {
	Enable               bool    `mapstructure:"enable"`
	MaxCompressedBytes   int     `mapstructure:"maxCompressedBytes"`
	MaxDecompressedBytes int     `mapstructure:"maxDecompressedBytes"`
	DecoderChunkSize     int     `mapstructure:"decoderChunkSize"`
	StreamingThreshold   int     `mapstructure:"streamingThresholdBytes"`
	MaxExpansionRatio    float64 `mapstructure:"maxExpansionRatio"`
}

// ProbesConfig configures the builtin liveness/readiness/startup
// handlers supplemented from original_source/ (§C.5 of SPEC_FULL.md).
type ProbesConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Liveness  string `mapstructure:"liveness"`
	Readiness string `mapstructure:"readiness"`
	Startup   string `mapstructure:"startup"`
}

// TLSConfig wraps crypto/tls.Config with the subset of knobs §6 names;
// built by hand rather than forking nabbar-golib/certificates wholesale
// since that package's cert/cipher/curve enums solve a much broader
// certificate-management problem than one engine needs.
type TLSConfig struct {
	Certificates        []tls.Certificate
	ClientCAs           *tls.Config // nil unless RequireClientCert
	MinVersion          uint16
	MaxVersion          uint16
	CipherSuites        []uint16
	ClientAuth          tls.ClientAuthType
	ALPNProtocols       []string
	ALPNMustMatch       bool
	HandshakeTimeout    time.Duration
	HandshakeLogging    bool
}

func (t *TLSConfig) toStd() *tls.Config {
	if t == nil {
		return nil
	}
	return &tls.Config{
		Certificates: t.Certificates,
		MinVersion:   t.MinVersion,
		MaxVersion:   t.MaxVersion,
		CipherSuites: t.CipherSuites,
		ClientAuth:   t.ClientAuth,
		NextProtos:   t.ALPNProtocols,
	}
}

// Config is the engine's immutable-after-Listen configuration (§6).
type Config struct {
	Name string `mapstructure:"name"`

	Port       uint16 `mapstructure:"port"`
	ReusePort  bool   `mapstructure:"reusePort"`
	TCPNoDelay bool   `mapstructure:"tcpNodelay"`
	Enable6    bool   `mapstructure:"enableIPv6"`

	EnableKeepAlive        bool          `mapstructure:"enableKeepAlive"`
	MaxRequestsPerConn     uint32        `mapstructure:"maxRequestsPerConnection"`
	KeepAliveTimeout       time.Duration `mapstructure:"keepAliveTimeout"`

	MaxHeaderBytes      int `mapstructure:"maxHeaderBytes" validate:"gt=0"`
	MaxBodyBytes        int `mapstructure:"maxBodyBytes" validate:"gt=0"`
	MinCapturedBodySize int `mapstructure:"minCapturedBodySize"`

	MaxOutboundBufferBytes int           `mapstructure:"maxOutboundBufferBytes"`
	PollInterval           time.Duration `mapstructure:"pollInterval"`
	HeaderReadTimeout      time.Duration `mapstructure:"headerReadTimeout"`

	TLS *TLSConfig `mapstructure:"-"`

	Compression   CompressionConfig   `mapstructure:"compression"`
	Decompression DecompressionConfig `mapstructure:"decompression"`

	MergeUnknownRequestHeaders bool `mapstructure:"mergeUnknownRequestHeaders"`
	InitialReadChunkBytes      int  `mapstructure:"initialReadChunkBytes"`
	BodyReadChunkBytes         int  `mapstructure:"bodyReadChunkBytes"`
	MaxPerEventReadBytes       int  `mapstructure:"maxPerEventReadBytes"`
	GlobalHeaders              [][2]string `mapstructure:"globalHeaders"`

	TraceMethodPolicy   TracePolicy               `mapstructure:"traceMethodPolicy"`
	TrailingSlashPolicy router.TrailingSlashPolicy `mapstructure:"trailingSlashPolicy"`
	ConnectAllowlist    []string                   `mapstructure:"connectAllowlist"`

	Probes ProbesConfig `mapstructure:"probes"`
}

// DefaultConfig returns a Config with every documented default applied
// (§6). Callers typically start here and override specific fields.
func DefaultConfig() Config {
	return Config{
		Port:                   8080,
		EnableKeepAlive:        true,
		MaxRequestsPerConn:     0, // unlimited
		KeepAliveTimeout:       60 * time.Second,
		MaxHeaderBytes:         16 * 1024,
		MaxBodyBytes:           8 * 1024 * 1024,
		MinCapturedBodySize:    0,
		MaxOutboundBufferBytes: 4 * 1024 * 1024,
		PollInterval:           500 * time.Millisecond,
		HeaderReadTimeout:      10 * time.Second,
		Compression: CompressionConfig{
			PreferredFormats: []string{compression.Zstd, compression.Gzip},
			Params:           compression.DefaultParams(),
			MinBytes:         512,
			AddVary:          true,
		},
		Decompression: DecompressionConfig{
			Enable:               true,
			MaxCompressedBytes:   8 * 1024 * 1024,
			MaxDecompressedBytes: 64 * 1024 * 1024,
			DecoderChunkSize:     32 * 1024,
			StreamingThreshold:   64 * 1024,
			MaxExpansionRatio:    100,
		},
		InitialReadChunkBytes: 4096,
		BodyReadChunkBytes:    32 * 1024,
		MaxPerEventReadBytes:  256 * 1024,
		TraceMethodPolicy:     TraceDisabled,
		TrailingSlashPolicy:   router.Strict,
		Probes: ProbesConfig{
			Enable:    true,
			Liveness:  "/livez",
			Readiness: "/readyz",
			Startup:   "/startupz",
		},
	}
}

// Validate runs struct-tag validation (go-playground/validator, the
// same library nabbar-golib/certificates uses to validate its TLS
// config) and a handful of cross-field checks the tags can't express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.TLS != nil && c.TLS.MinVersion != 0 && c.TLS.MaxVersion != 0 && c.TLS.MinVersion > c.TLS.MaxVersion {
		return fmt.Errorf("config: TLS MinVersion > MaxVersion")
	}
	if c.Decompression.MaxExpansionRatio < 0 {
		return fmt.Errorf("config: negative MaxExpansionRatio")
	}
	return nil
}

func (c *Config) isTLS() bool { return c.TLS != nil }

// traceAllowed reports whether TRACE should be served for a connection
// with the given TLS state, per TraceMethodPolicy (§4.8).
func (c *Config) traceAllowed(isTLS bool) bool {
	switch c.TraceMethodPolicy {
	case TraceEnabledPlainAndTLS:
		return true
	case TraceEnabledPlainOnly:
		return !isTLS
	default:
		return false
	}
}

// serverHeaderName returns the Server header value to emit, if any.
// The engine has no fixed product name of its own to advertise by
// default (§4.4 leaves it to the embedder).
func (c *Config) serverHeaderName() (string, bool) {
	for _, gh := range c.GlobalHeaders {
		if gh[0] == "Server" {
			return gh[1], true
		}
	}
	return "", false
}
