// Package eventbus is Kiln's in-process pub/sub: every Publish call
// appends to persistence before any subscriber runs, then fans the event
// out to matching subscribers and to the webhook delivery queue. Fanout
// iterates a copy-on-iterate subscriber snapshot with per-subscriber
// failure isolation, so one panicking callback never affects the rest.
package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kiln-systems/kiln/internal/kerrors"
	"github.com/kiln-systems/kiln/internal/metrics"
	"github.com/kiln-systems/kiln/internal/models"
	"github.com/kiln-systems/kiln/internal/obslog"
)

// Persister is the durability step every Publish call must complete before
// any subscriber runs.
type Persister interface {
	AppendEvent(ctx context.Context, evt models.Event) (int64, error)
}

// WebhookSink receives every published event and decides for itself which
// registered subscriptions match it.
type WebhookSink interface {
	Enqueue(evt models.Event)
}

// Callback is a subscriber's event handler. It must be short and
// non-blocking, since it runs synchronously on the publisher's goroutine.
type Callback func(ctx context.Context, evt models.Event)

type subscriber struct {
	id    string
	kinds map[string]struct{} // empty set means "all kinds"
	cb    Callback
	key   string
}

func (s *subscriber) matches(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Bus is the durable, ordered event bus. Publish is serialized by a single
// mutex so the "delivery order to each subscriber matches publish order"
// guarantee holds across concurrent publishers, not just within one.
type Bus struct {
	publishMu sync.Mutex // serializes persist+fanout so subscriber order == global seq order

	mu     sync.RWMutex
	subs   map[string]*subscriber
	nextID uint64

	persist  Persister
	webhooks WebhookSink
	log      obslog.Logger

	published metrics.Counter
	subPanics metrics.Counter
}

// New constructs a Bus. persist must not be nil; log may be nil (nothing is
// logged), and webhooks may be nil if no webhook delivery is configured.
func New(persist Persister, webhooks WebhookSink, prov metrics.Provider, log obslog.Logger) *Bus {
	if prov == nil {
		prov = metrics.NewNoopProvider()
	}
	b := &Bus{
		subs:     make(map[string]*subscriber),
		persist:  persist,
		webhooks: webhooks,
		log:      log,
	}
	b.published = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "eventbus", Name: "published_total", Help: "Total events published",
	}})
	b.subPanics = prov.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Namespace: "kiln", Subsystem: "eventbus", Name: "subscriber_panics_total", Help: "Subscriber callbacks that panicked",
		Labels: []string{"subscriber"},
	}})
	return b
}

func subscriptionKey(kinds []string, cb Callback) string {
	sorted := append([]string(nil), kinds...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "|" + fmt.Sprintf("%x", reflect.ValueOf(cb).Pointer())
}

// Subscribe registers cb for the given event kinds (nil/empty means every
// kind). A duplicate subscription (the same kinds set and the same
// callback identity) is rejected with KindConflict to avoid double-fire.
func (b *Bus) Subscribe(kinds []string, cb Callback) (string, error) {
	if cb == nil {
		return "", kerrors.Simple(kerrors.KindValidationRejected, "subscribe: callback must not be nil")
	}
	key := subscriptionKey(kinds, cb)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.key == key {
			return "", kerrors.Conflict("duplicate subscription: same kinds and callback already registered")
		}
	}
	b.nextID++
	id := fmt.Sprintf("sub-%d", b.nextID)
	kindSet := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	b.subs[id] = &subscriber{id: id, kinds: kindSet, cb: cb, key: key}
	return id, nil
}

// Unsubscribe removes a subscription by id. Not an error if absent.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

// Publish appends evt to persistence, then delivers it to every matching
// subscriber in publish order, then hands it to the webhook sink. The
// durability step completes before any subscriber or webhook sees the event.
func (b *Bus) Publish(ctx context.Context, evt models.Event) (int64, error) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	seq, err := b.persist.AppendEvent(ctx, evt)
	if err != nil {
		return 0, err
	}
	evt.ID = seq
	b.published.Inc(1)

	b.mu.RLock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		if s.matches(evt.Kind) {
			b.dispatchOne(ctx, s, evt)
		}
	}
	if b.webhooks != nil {
		b.webhooks.Enqueue(evt)
	}
	return seq, nil
}

// dispatchOne runs one subscriber's callback, isolating a panic so it never
// prevents other subscribers, or the publisher, from proceeding.
func (b *Bus) dispatchOne(ctx context.Context, s *subscriber, evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.subPanics.Inc(1, s.id)
			if b.log != nil {
				b.log.ErrorCtx(ctx, "event subscriber panicked", "subscriber", s.id, "event_kind", evt.Kind, "panic", r)
			}
		}
	}()
	s.cb(ctx, evt)
}
