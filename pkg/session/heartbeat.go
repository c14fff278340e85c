package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tundradb/tundra-go/pkg/transport"
)

const (
	heartbeatPath = "/session/heartbeat"

	// heartbeatTimeout is deliberately longer than ordinary request
	// timeouts: a heartbeat failing outright risks the master token
	// expiring during a long idle period.
	heartbeatTimeout = 300 * time.Second

	defaultHeartbeatFrequency = 3600 * time.Second
	minHeartbeatFrequency     = 900 * time.Second
)

// defaultScheduler is the process-wide scheduler shared by sessions that
// don't inject their own.
var defaultScheduler = NewHeartbeatScheduler()

// DefaultHeartbeatScheduler returns the process-wide heartbeat scheduler.
func DefaultHeartbeatScheduler() *HeartbeatScheduler {
	return defaultScheduler
}

// HeartbeatScheduler periodically pings each registered session so its
// master token is refreshed before it can expire. One scheduler serves all
// sessions in the process; a failing heartbeat for one session never
// affects the others.
type HeartbeatScheduler struct {
	mu      sync.Mutex
	entries map[*Session]chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewHeartbeatScheduler creates an empty scheduler. Most callers should use
// DefaultHeartbeatScheduler; tests inject their own.
func NewHeartbeatScheduler() *HeartbeatScheduler {
	return &HeartbeatScheduler{
		entries: make(map[*Session]chan struct{}),
	}
}

// Register schedules recurring heartbeats for the session. The frequency is
// capped so a ping always lands within a quarter of the master token's
// validity window. Registering an already registered session is a no-op.
func (h *HeartbeatScheduler) Register(s *Session, masterTokenValidity, frequency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		log.Warn().Msg("heartbeat scheduler is shut down, not registering session")
		return
	}
	if _, ok := h.entries[s]; ok {
		return
	}

	interval := effectiveHeartbeatFrequency(frequency, masterTokenValidity)
	stop := make(chan struct{})
	h.entries[s] = stop

	// Register runs under the session mutex during Open, so don't call back
	// into session accessors here.
	log.Debug().
		Dur("interval", interval).
		Dur("master_token_validity", masterTokenValidity).
		Msg("registered session for heartbeat")

	h.wg.Add(1)
	go h.run(s, interval, stop)
}

// Deregister cancels the session's scheduled heartbeats. It is safe to call
// for sessions that were never registered.
func (h *HeartbeatScheduler) Deregister(s *Session) {
	h.mu.Lock()
	stop, ok := h.entries[s]
	if ok {
		close(stop)
		delete(h.entries, s)
	}
	h.mu.Unlock()

	// Like Register, never touch session accessors under the scheduler
	// mutex: Open calls Register with the session mutex held, so a session
	// accessor here inverts the lock order against a concurrent re-open.
	if ok {
		log.Debug().Str("session_id", s.SessionID()).Msg("deregistered session from heartbeat")
	}
}

// Shutdown cancels all scheduled heartbeats and waits for in-flight ticks
// to finish. The scheduler cannot be reused afterwards.
func (h *HeartbeatScheduler) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for s, stop := range h.entries {
		close(stop)
		delete(h.entries, s)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// sessionCount reports the number of registered sessions.
func (h *HeartbeatScheduler) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *HeartbeatScheduler) run(s *Session, interval time.Duration, stop <-chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
			if err := s.heartbeat(ctx); err != nil {
				// best-effort keepalive: log, never propagate
				log.Error().Err(err).Str("session_id", s.SessionID()).Msg("session heartbeat failed")
			}
			cancel()
		}
	}
}

// effectiveHeartbeatFrequency caps the requested frequency so the master
// token window is always refreshed before expiry.
func effectiveHeartbeatFrequency(frequency, masterTokenValidity time.Duration) time.Duration {
	if frequency <= 0 {
		frequency = defaultHeartbeatFrequency
	}
	if frequency < minHeartbeatFrequency {
		frequency = minHeartbeatFrequency
	}
	if frequency > defaultHeartbeatFrequency {
		frequency = defaultHeartbeatFrequency
	}
	if masterTokenValidity > 0 && frequency > masterTokenValidity/4 {
		frequency = masterTokenValidity / 4
	}
	if frequency < time.Second {
		frequency = time.Second
	}
	return frequency
}

// CallHeartbeat performs a single keepalive ping. When timeout is positive
// the call is bounded by it: on expiry the underlying network attempt is
// cancelled and ErrCodeQueryCanceled is raised.
func (s *Session) CallHeartbeat(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return s.heartbeat(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.heartbeat(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return newError(ErrCodeQueryCanceled, "heartbeat canceled after %s", timeout)
	}
}

type heartbeatResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    json.Number `json:"code"`
}

// heartbeat sends one keepalive request carrying the current session token.
// An expired-token response triggers a renewal and a retry; any other
// application error is returned for the caller to log.
func (s *Session) heartbeat(ctx context.Context) error {
	if s.IsClosed() {
		return nil
	}

	hbURL, err := heartbeatURL(s.ServerURL())
	if err != nil {
		return wrapError(ErrCodeInternalError, err, "failed to build heartbeat URL")
	}

	opts := s.requestOptions()
	opts.SocketTimeout = heartbeatTimeout

	return s.withExpiryRetry(ctx, func(sessionToken string) error {
		body, err := s.transport.Execute(ctx, &transport.Request{
			Method: http.MethodPost,
			URL:    hbURL,
			Headers: map[string]string{
				"Authorization": TokenAuthHeader(sessionToken),
			},
		}, opts)
		if err != nil {
			return wrapError(ErrCodeInternalError, err, "heartbeat request failed")
		}

		var resp heartbeatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return wrapError(ErrCodeInternalError, err, "failed to parse heartbeat response")
		}

		if asInt(resp.Code) == SessionExpiredCode {
			return errSessionExpired
		}
		if !resp.Success {
			return &Error{
				Code:       ErrCodeServerReportedError,
				Message:    resp.Message,
				SessionID:  s.SessionID(),
				ServerCode: asInt(resp.Code),
			}
		}
		return nil
	})
}

func heartbeatURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/") + heartbeatPath)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("requestId", uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
