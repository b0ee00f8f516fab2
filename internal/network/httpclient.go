// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Defaults tuned for short-lived probes against a single host.
const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultKeepAliveInterval     = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultMaxConnsPerHost       = 4
	DefaultIdleConnTimeout       = 30 * time.Second
	DefaultMaxRedirects          = 5
)

// ClientConfig holds the configuration for the probe client and transport.
type ClientConfig struct {
	// IgnoreTLSErrors lets HTTP units inspect hosts whose certificates do not
	// verify. Certificate validity is reported by the tls unit instead.
	IgnoreTLSErrors bool

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration

	// FollowRedirects allows up to MaxRedirects hops; otherwise the first
	// response is returned as is.
	FollowRedirects bool
	MaxRedirects    int

	ForceHTTP2 bool

	Logger *zap.Logger
}

// NewDefaultClientConfig returns the configuration shared by the HTTP units.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		IgnoreTLSErrors:       true,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxConnsPerHost:       DefaultMaxConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxRedirects:          DefaultMaxRedirects,
		ForceHTTP2:            true,
	}
}

// NewHTTPTransport creates an http.Transport from config.
func NewHTTPTransport(config *ClientConfig) *http.Transport {
	if config == nil {
		config = NewDefaultClientConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       configureTLS(config),
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     config.ForceHTTP2,
	}

	if config.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else {
		transport.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return transport
}

// NewClient creates a probe client. Without FollowRedirects every redirect
// is returned to the caller for inspection.
func NewClient(config *ClientConfig) *http.Client {
	if config == nil {
		config = NewDefaultClientConfig()
	}

	client := &http.Client{Transport: NewHTTPTransport(config)}
	maxRedirects := config.MaxRedirects
	if !config.FollowRedirects {
		maxRedirects = 0
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	}
	return client
}

// configureTLS accepts legacy protocol versions since the targets are being
// audited, not trusted.
func configureTLS(config *ClientConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS10,
		InsecureSkipVerify: config.IgnoreTLSErrors, //nolint:gosec // see ClientConfig.IgnoreTLSErrors
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
	}
}
