// Package notify delivers rebuild notifications to an external webhook.
//
// Notifications are queued and sent by a single background worker. Each
// delivery is retried with exponential backoff, and a circuit breaker per
// webhook host stops hammering an endpoint that keeps failing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/live-assets/asset-repository/internal/config"
	"github.com/live-assets/asset-repository/internal/safego"
	"github.com/live-assets/asset-repository/internal/telemetry"
)

// StatusRebuilt is the status reported after a successful rebuild.
const StatusRebuilt = "Updated and Re-zipped Successfully"

// ErrCircuitOpen is returned while the breaker for the webhook host is open.
var ErrCircuitOpen = errors.New("notify: circuit breaker open")

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Site       string `json:"site"`
	Type       string `json:"type"`
	Slug       string `json:"slug"`
	Status     string `json:"status"`
	Zipfile    string `json:"zipfile"`
	Time       string `json:"time"`
	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version,omitempty"`
	Change     string `json:"change,omitempty"`
}

// Option tunes a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithRetryInterval sets the first retry delay.
func WithRetryInterval(d time.Duration) Option {
	return func(n *Notifier) { n.retryInterval = d }
}

// Notifier posts payloads to a single webhook URL.
type Notifier struct {
	url           string
	host          string
	headers       map[string]string
	client        *http.Client
	maxRetries    int
	retryInterval time.Duration

	queue chan Payload
	group safego.Group

	mu       sync.RWMutex
	breakers map[string]*circuit.Breaker

	stateMu sync.RWMutex
	closed  bool
}

// New creates a notifier for cfg. It returns nil when no webhook URL is set.
func New(cfg config.WebhookConfig, opts ...Option) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", cfg.URL)
	}

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	n := &Notifier{
		url:           cfg.URL,
		host:          u.Host,
		headers:       cfg.Headers,
		client:        &http.Client{Timeout: timeout},
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
		queue:         make(chan Payload, queueSize),
		breakers:      make(map[string]*circuit.Breaker),
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Start launches the delivery worker. It drains the queue until Close is
// called or ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	n.group.Go("webhook-notifier", func() {
		for {
			select {
			case p, ok := <-n.queue:
				if !ok {
					return
				}
				n.deliver(ctx, p)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Notify queues p without blocking. It reports false when the queue is full
// or the notifier is closed.
func (n *Notifier) Notify(p Payload) bool {
	if n == nil {
		return false
	}
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- p:
		return true
	default:
		telemetry.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		slog.Warn("webhook queue full, dropping notification", "type", p.Type, "slug", p.Slug)
		return false
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.stateMu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.stateMu.Unlock()
	n.group.Wait()
}

func (n *Notifier) deliver(ctx context.Context, p Payload) {
	err := n.Send(ctx, p)
	switch {
	case err == nil:
		telemetry.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	case errors.Is(err, ErrCircuitOpen):
		telemetry.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		slog.Warn("webhook skipped, circuit open", "host", n.host, "slug", p.Slug)
	default:
		telemetry.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		slog.Error("webhook delivery failed", "host", n.host, "type", p.Type, "slug", p.Slug, "error", err)
	}
}

// Send delivers p synchronously with retries.
func (n *Notifier) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	breaker := n.breaker(n.host)
	if !breaker.Ready() {
		return ErrCircuitOpen
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = n.retryInterval
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 2 * time.Minute
	exp.Reset()

	var b backoff.BackOff = exp
	if n.maxRetries >= 0 {
		b = backoff.WithMaxRetries(exp, uint64(n.maxRetries))
	}

	op := func() error {
		var permanent error
		err := breaker.Call(func() error {
			err := n.post(ctx, body)
			var se *statusError
			if errors.As(err, &se) && !se.retryable() {
				permanent = err
				return nil
			}
			return err
		}, 0)
		switch {
		case permanent != nil:
			return backoff.Permanent(permanent)
		case errors.Is(err, circuit.ErrBreakerOpen):
			return backoff.Permanent(ErrCircuitOpen)
		case err != nil && ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}

// breaker returns the circuit breaker for host, creating it on first use.
// A breaker trips after 5 consecutive failures.
func (n *Notifier) breaker(host string) *circuit.Breaker {
	n.mu.RLock()
	b, ok := n.breakers[host]
	n.mu.RUnlock()
	if ok {
		return b
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	n.breakers[host] = b
	return b
}

// BreakerState reports "open" or "closed" for each webhook host seen so far.
func (n *Notifier) BreakerState() map[string]string {
	states := make(map[string]string)
	if n == nil {
		return states
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for host, b := range n.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("webhook returned HTTP %d", e.code) }

func (e *statusError) retryable() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests || e.code == http.StatusRequestTimeout
}
