// Package transport provides the generic HTTP request executor used by the
// session layer for login, renewal, heartbeat, query monitoring and
// telemetry calls. Transient network failures are retried here with
// exponential backoff; expiry-driven retry is the session layer's job.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDHeader carries a unique id for request correlation on the server side.
	requestIDHeader = "X-Tundra-Request-Id"

	// compressThreshold is the body size above which request bodies are gzip
	// compressed. The service accepts gzip payloads on all session endpoints.
	compressThreshold = 512

	defaultConnectTimeout = 60 * time.Second
	defaultSocketTimeout  = 300 * time.Second
)

// socksProxyDisabled is process-wide: any session setting the
// disableSocksProxy property affects every client in this process.
var socksProxyDisabled atomic.Bool

// SetSocksProxyDisabled toggles environment proxy resolution for all HTTP
// transports in the process.
func SetSocksProxyDisabled(disabled bool) {
	socksProxyDisabled.Store(disabled)
}

// SocksProxyDisabled reports the process-wide proxy-disable flag.
func SocksProxyDisabled() bool {
	return socksProxyDisabled.Load()
}

// Request is a wire-agnostic description of a single HTTP exchange.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Options carries the per-call timeouts and retry bound supplied by the
// session layer.
type Options struct {
	ConnectTimeout time.Duration

	// AuthTimeout bounds each individual attempt of an authentication
	// exchange; zero leaves attempts bounded only by SocketTimeout.
	AuthTimeout time.Duration

	// SocketTimeout bounds the whole call including retries.
	SocketTimeout time.Duration

	RetryCount int

	// ClientSettingsKey selects the pooled HTTP client used for the call.
	// Sessions with different connection settings get separate pools.
	ClientSettingsKey string
}

// Transport executes a single request and returns the raw response body.
type Transport interface {
	Execute(ctx context.Context, req *Request, opts Options) ([]byte, error)
}

// HTTPTransport implements Transport on net/http, keeping one pooled client
// per settings key.
type HTTPTransport struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewHTTPTransport creates a transport with an empty client pool.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		clients: make(map[string]*http.Client),
	}
}

var _ Transport = (*HTTPTransport)(nil)

// Execute sends the request, retrying transient failures with exponential
// backoff bounded by opts.RetryCount and the context deadline.
func (t *HTTPTransport) Execute(ctx context.Context, req *Request, opts Options) ([]byte, error) {
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = defaultSocketTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, opts.SocketTimeout)
	defer cancel()

	requestID := uuid.NewString()
	started := time.Now()

	operation := func() ([]byte, error) {
		return t.attempt(ctx, req, opts, requestID)
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	}
	if opts.RetryCount >= 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(uint(opts.RetryCount)+1))
	}

	body, err := backoff.Retry(ctx, operation, retryOpts...)
	if err != nil {
		log.Debug().
			Err(err).
			Str("method", req.Method).
			Str("url", req.URL).
			Str("request_id", requestID).
			Dur("duration", time.Since(started)).
			Msg("request failed")
		return nil, err
	}

	log.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Str("request_id", requestID).
		Dur("duration", time.Since(started)).
		Msg("request completed")

	return body, nil
}

// attempt performs one HTTP exchange. Server errors (5xx) and network
// failures are retryable; anything else is permanent.
func (t *HTTPTransport) attempt(ctx context.Context, req *Request, opts Options, requestID string) ([]byte, error) {
	if opts.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.AuthTimeout)
		defer cancel()
	}

	body := req.Body
	compressed := false
	if len(body) > compressThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to compress request body: %w", err))
		}
		if err := gz.Close(); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to compress request body: %w", err))
		}
		body = buf.Bytes()
		compressed = true
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	httpReq.Header.Set(requestIDHeader, requestID)
	if compressed {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := t.clientFor(opts).Do(httpReq)
	if err != nil {
		// network-level failure, worth retrying
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("server returned HTTP %d", resp.StatusCode))
	}

	return respBody, nil
}

// clientFor returns the pooled client for the call's settings key, creating
// it on first use.
func (t *HTTPTransport) clientFor(opts Options) *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	client, ok := t.clients[opts.ClientSettingsKey]
	if !ok {
		connectTimeout := opts.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = defaultConnectTimeout
		}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: func(r *http.Request) (*url.URL, error) {
					if socksProxyDisabled.Load() {
						return nil, nil
					}
					return http.ProxyFromEnvironment(r)
				},
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
			},
		}
		t.clients[opts.ClientSettingsKey] = client
		log.Debug().Str("settings_key", opts.ClientSettingsKey).Msg("created pooled HTTP client")
	}
	return client
}
