// Package telemetry is the session's best-effort client-side event channel.
// Events are buffered and flushed in batches on size and timer thresholds;
// failures are logged and never surfaced to the operation that recorded the
// event.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tundradb/tundra-go/pkg/transport"
)

const (
	sendPath = "/telemetry/send"

	defaultMaxBatchSize  = 100
	defaultFlushInterval = 10 * time.Second
	sendTimeout          = 30 * time.Second
)

// Event is a single client-side telemetry record.
type Event struct {
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Client buffers telemetry events and flushes them in batches. Closing the
// client flushes whatever remains; Close is idempotent.
type Client struct {
	transport  transport.Transport
	sendURL    string
	authHeader func() string

	mu            sync.Mutex
	buffer        []Event
	maxBatchSize  int
	flushInterval time.Duration
	flushTimer    *time.Timer
	closed        bool
}

// NewClient creates a telemetry client posting batches to the service.
// authHeader supplies the Authorization value for each flush so credential
// renewals are picked up.
func NewClient(tr transport.Transport, serverURL string, authHeader func() string) *Client {
	return &Client{
		transport:     tr,
		sendURL:       strings.TrimSuffix(serverURL, "/") + sendPath,
		authHeader:    authHeader,
		maxBatchSize:  defaultMaxBatchSize,
		flushInterval: defaultFlushInterval,
	}
}

// AddEvent buffers an event, flushing the batch when it reaches the size
// threshold. A zero timestamp is filled in.
func (c *Client) AddEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("telemetry client is closed")
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	if len(c.buffer) == 0 {
		c.startFlushTimerLocked()
	}
	c.buffer = append(c.buffer, event)

	if len(c.buffer) >= c.maxBatchSize {
		return c.flushLocked("max_batch_size")
	}
	return nil
}

// Flush sends any buffered events immediately.
func (c *Client) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buffer) == 0 {
		return nil
	}
	return c.flushLocked("manual_flush")
}

// Close flushes remaining events and stops the client. Further AddEvent
// calls fail; calling Close again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	if len(c.buffer) > 0 {
		return c.flushLocked("shutdown")
	}
	return nil
}

// flushLocked sends the current buffer. Must be called with the lock held.
func (c *Client) flushLocked(reason string) error {
	batch := c.buffer
	c.buffer = nil
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}

	batchID := uuid.NewString()
	log.Debug().
		Str("batch_id", batchID).
		Int("event_count", len(batch)).
		Str("reason", reason).
		Msg("flushing telemetry batch")

	payload, err := json.Marshal(map[string]any{
		"batchId": batchID,
		"logs":    batch,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	_, err = c.transport.Execute(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    c.sendURL,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": c.authHeader(),
		},
		Body: payload,
	}, transport.Options{SocketTimeout: sendTimeout})
	if err != nil {
		return fmt.Errorf("failed to send telemetry batch: %w", err)
	}
	return nil
}

// startFlushTimerLocked arms the timer that flushes a partially filled
// batch. Must be called with the lock held.
func (c *Client) startFlushTimerLocked() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(c.flushInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed || len(c.buffer) == 0 {
			return
		}
		if err := c.flushLocked("timer"); err != nil {
			log.Warn().Err(err).Msg("failed to flush telemetry batch on timer")
		}
	})
}
