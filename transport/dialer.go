package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnauthorized is returned when the server rejects the websocket upgrade
// with 401 Unauthorized.
var ErrUnauthorized = errors.New("transport: authentication failed (401 Unauthorized)")

// DefaultHandshakeTimeout is the default websocket opening handshake timeout.
const DefaultHandshakeTimeout = 30 * time.Second

// Dialer opens websocket connections.
type Dialer struct {
	ws *websocket.Dialer
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// NewDialer creates a Dialer with the given options.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithHandshakeTimeout sets the opening handshake timeout.
func WithHandshakeTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		if timeout > 0 {
			d.ws.HandshakeTimeout = timeout
		}
	}
}

// WithInsecureSkipVerify configures TLS to skip certificate verification.
// WARNING: Only use this for testing. Never use in production. Callers
// are expected to log the choice; see Dialer.InsecureSkipVerify.
func WithInsecureSkipVerify(skip bool) DialerOption {
	return func(d *Dialer) {
		if d.ws.TLSClientConfig == nil {
			d.ws.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		d.ws.TLSClientConfig.InsecureSkipVerify = skip
	}
}

// WithTLSConfig sets a custom TLS configuration.
// NOTE: MinVersion is enforced to be at least TLS 1.2.
func WithTLSConfig(cfg *tls.Config) DialerOption {
	return func(d *Dialer) {
		if cfg.MinVersion < tls.VersionTLS12 {
			cfg.MinVersion = tls.VersionTLS12
		}
		d.ws.TLSClientConfig = cfg
	}
}

// WithProxy routes connections through the given HTTP proxy ("host:port" or
// a full URL). An empty string keeps the environment proxy settings.
func WithProxy(proxy string) DialerOption {
	return func(d *Dialer) {
		if proxy == "" {
			return
		}
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			u = &url.URL{Scheme: "http", Host: proxy}
		}
		d.ws.Proxy = http.ProxyURL(u)
	}
}

// InsecureSkipVerify reports whether certificate verification is disabled.
func (d *Dialer) InsecureSkipVerify() bool {
	return d.ws.TLSClientConfig != nil && d.ws.TLSClientConfig.InsecureSkipVerify
}

// Dial opens a websocket to rawURL with the given request headers.
func (d *Dialer) Dial(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := d.ws.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			case http.StatusForbidden:
				return nil, fmt.Errorf("transport: access denied (403 Forbidden)")
			}
			if resp.StatusCode >= 400 {
				return nil, fmt.Errorf("transport: HTTP %d: %w", resp.StatusCode, err)
			}
		}
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return conn, nil
}
