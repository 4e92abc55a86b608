// Package webhook delivers events to registered HTTP subscribers:
// URL registration runs every subscription through the SSRF guard, and a
// bounded worker pool signs and POSTs matching events with retry-with-
// backoff. Delivery is asynchronous: Enqueue never blocks the publisher,
// and a full queue drops the event rather than stalling the event bus.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kiln-systems/kiln/internal/clock"
	"github.com/kiln-systems/kiln/internal/metrics"
	"github.com/kiln-systems/kiln/internal/models"
	"github.com/kiln-systems/kiln/internal/obslog"
)

// Config controls the worker pool and queue sizing.
type Config struct {
	Workers        int
	QueueCapacity  int
	AllowRedirects bool
	MaxRedirects   int
}

// DefaultConfig returns the production worker-pool and queue defaults.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueCapacity: 10000, AllowRedirects: false, MaxRedirects: 3}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10000
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 3
	}
	return c
}

var backoffSchedule = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

type deliveryJob struct {
	sub models.WebhookSubscription
	evt models.Event
}

// retryableErr marks a delivery failure (5xx, network error) as eligible
// for the retry schedule; a non-retryable failure (4xx) is a plain error.
type retryableErr struct{ cause error }

func (e *retryableErr) Error() string { return e.cause.Error() }
func (e *retryableErr) Unwrap() error { return e.cause }

// Dispatcher is the bounded-queue, N-worker webhook delivery engine.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	clk    clock.Clock
	log    obslog.Logger

	subsMu sync.RWMutex
	subs   map[string]models.WebhookSubscription

	queue      chan deliveryJob
	stopCh     chan struct{}
	wg         sync.WaitGroup
	onOverflow func(evt models.Event)

	delivered metrics.Counter
	failed    metrics.Counter
	overflow  metrics.Counter
	queueGaug metrics.Gauge
}

// New constructs a Dispatcher. onOverflow, if non-nil, is called (without
// blocking the enqueue path) whenever the queue is full, so Core can emit a
// WEBHOOK_OVERFLOW event through the bus without webhook depending on
// eventbus.
func New(cfg Config, clk clock.Clock, log obslog.Logger, prov metrics.Provider, onOverflow func(evt models.Event)) *Dispatcher {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if prov == nil {
		prov = metrics.NewNoopProvider()
	}
	d := &Dispatcher{
		cfg:        cfg,
		clk:        clk,
		log:        log,
		subs:       make(map[string]models.WebhookSubscription),
		queue:      make(chan deliveryJob, cfg.QueueCapacity),
		stopCh:     make(chan struct{}),
		onOverflow: onOverflow,
		client:     &http.Client{Timeout: 20 * time.Second},
	}
	if !cfg.AllowRedirects {
		d.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	} else {
		d.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("webhook: redirect count exceeds %d", cfg.MaxRedirects)
			}
			if err := ValidateURL(req.URL.String()); err != nil {
				return err
			}
			return nil
		}
	}
	d.delivered = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "webhook", Name: "delivered_total", Help: "Webhook deliveries that succeeded"}})
	d.failed = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "webhook", Name: "failed_total", Help: "Webhook deliveries that exhausted retries"}})
	d.overflow = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "webhook", Name: "overflow_total", Help: "Webhook deliveries dropped for a full queue"}})
	d.queueGaug = prov.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "webhook", Name: "queue_depth", Help: "Pending webhook deliveries"}})
	return d
}

// Start launches the worker pool. Idempotent calls are not supported;
// callers start the dispatcher exactly once.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop signals every worker to exit and waits for in-flight deliveries to
// finish their current attempt.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Register validates sub.URL against the SSRF guard and adds it to the
// in-memory subscription set that Enqueue matches against.
func (d *Dispatcher) Register(sub models.WebhookSubscription) error {
	if err := ValidateURL(sub.URL); err != nil {
		return err
	}
	d.subsMu.Lock()
	d.subs[sub.ID] = sub
	d.subsMu.Unlock()
	return nil
}

// Unregister removes a subscription. Not an error if absent.
func (d *Dispatcher) Unregister(id string) {
	d.subsMu.Lock()
	delete(d.subs, id)
	d.subsMu.Unlock()
}

// List returns every registered subscription.
func (d *Dispatcher) List() []models.WebhookSubscription {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	out := make([]models.WebhookSubscription, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s)
	}
	return out
}

func kindMatches(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Enqueue adds evt to the bounded delivery queue once per matching
// subscription. A full queue drops the delivery, increments the overflow
// counter, and logs; it never blocks the caller (the event bus's
// publisher goroutine).
func (d *Dispatcher) Enqueue(evt models.Event) {
	d.subsMu.RLock()
	matches := make([]models.WebhookSubscription, 0, len(d.subs))
	for _, s := range d.subs {
		if kindMatches(s.EventKinds, evt.Kind) {
			matches = append(matches, s)
		}
	}
	d.subsMu.RUnlock()

	for _, sub := range matches {
		select {
		case d.queue <- deliveryJob{sub: sub, evt: evt}:
			d.queueGaug.Add(1)
		default:
			d.overflow.Inc(1)
			if d.log != nil {
				d.log.WarnCtx(context.Background(), "webhook queue overflow", "subscription", sub.ID, "event_kind", evt.Kind)
			}
			if d.onOverflow != nil {
				d.onOverflow(evt)
			}
		}
	}
}

func (d *Dispatcher) worker(idx int) {
	defer d.wg.Done()
	for {
		select {
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			d.queueGaug.Add(-1)
			d.deliver(job)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	body, err := json.Marshal(job.evt)
	if err != nil {
		d.failed.Inc(1)
		return
	}
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err := d.attempt(ctx, job.sub, job.evt, body)
		cancel()
		if err == nil {
			d.delivered.Inc(1)
			return
		}
		_, isRetryable := err.(*retryableErr)
		if !isRetryable || attempt >= len(backoffSchedule) {
			d.failed.Inc(1)
			if d.log != nil {
				d.log.ErrorCtx(context.Background(), "webhook delivery failed", "subscription", job.sub.ID, "event_kind", job.evt.Kind, "err", err)
			}
			return
		}
		select {
		case <-d.clk.After(backoffSchedule[attempt]):
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, sub models.WebhookSubscription, evt models.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kiln-Event-Kind", evt.Kind)
	req.Header.Set("X-Kiln-Event-Seq", strconv.FormatInt(evt.ID, 10))
	if sub.Secret != "" {
		mac := hmac.New(sha256.New, []byte(sub.Secret))
		mac.Write(body)
		req.Header.Set("X-Kiln-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return &retryableErr{cause: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &retryableErr{cause: fmt.Errorf("webhook: server error %d", resp.StatusCode)}
	default:
		return fmt.Errorf("webhook: non-retryable status %d", resp.StatusCode)
	}
}
