package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/replicant/errors"
	"github.com/c360/replicant/metric"
	"github.com/c360/replicant/pkg/checksum"
	"github.com/c360/replicant/replicant"
	"github.com/c360/replicant/storage"
)

// Sender delivers one message to one connection. Implementations belong to
// the transport layer; the broadcaster never blocks on a slow peer beyond
// what the sender itself allows.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// Broadcaster fans replicant change events out to network subscribers. It
// bridges the store's in-process observers and the subscription registry:
// a key gains one store observer when its first network subscriber arrives
// and loses it when the last one leaves.
type Broadcaster struct {
	store    *replicant.Store
	registry *Registry
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu          sync.RWMutex
	senders     map[string]Sender
	keyObserver map[string]func() // key → store unsubscribe

	// delivery serializes per-key message delivery (key → *sync.Mutex).
	// Subscribe holds a key's delivery lock across snapshot read and
	// full-sync send, so a change committing mid-subscribe cannot reach
	// the connection before its snapshot does.
	delivery sync.Map

	sendTimeout time.Duration
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics wires fan-out counters into the platform metrics.
func WithMetrics(metrics *metric.Metrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = metrics
	}
}

// WithSendTimeout bounds each per-subscriber send.
func WithSendTimeout(timeout time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if timeout > 0 {
			b.sendTimeout = timeout
		}
	}
}

// NewBroadcaster creates a broadcaster over the given store.
func NewBroadcaster(store *replicant.Store, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		store:       store,
		registry:    NewRegistry(),
		logger:      slog.Default(),
		senders:     make(map[string]Sender),
		keyObserver: make(map[string]func()),
		sendTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry exposes the subscription registry for inspection.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// AttachConnection registers a connection's sender. Must be called before
// the connection subscribes.
func (b *Broadcaster) AttachConnection(connID string, sender Sender) {
	b.mu.Lock()
	b.senders[connID] = sender
	count := len(b.senders)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ActiveClients.Set(float64(count))
	}
	b.logger.Debug("connection attached", "connection_id", connID)
}

// DetachConnection removes a connection and all of its subscriptions.
func (b *Broadcaster) DetachConnection(connID string) {
	b.mu.Lock()
	delete(b.senders, connID)
	count := len(b.senders)
	b.mu.Unlock()

	emptied := b.registry.RemoveConnection(connID)
	for _, sub := range emptied {
		b.dropObserver(storage.Key(sub.Namespace, sub.Name))
	}

	if b.metrics != nil {
		b.metrics.ActiveClients.Set(float64(count))
		for _, sub := range emptied {
			b.metrics.Subscriptions.WithLabelValues(sub.Namespace).Set(
				float64(b.registry.KeyCount(sub.Namespace, sub.Name)))
		}
	}
	b.logger.Debug("connection detached", "connection_id", connID)
}

// Subscribe registers interest and immediately delivers a full-sync
// snapshot, or an explicit not-found notification for unknown keys.
func (b *Broadcaster) Subscribe(ctx context.Context, connID, namespace, name string) error {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return err
	}

	b.mu.RLock()
	sender, ok := b.senders[connID]
	b.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("connection %s not attached", connID),
			"Broadcaster", "Subscribe", "unknown connection")
	}

	sub, first := b.registry.Add(connID, namespace, name)
	if first {
		b.watchKey(namespace, name)
	}

	// Hold the key's delivery lock from snapshot read through full-sync
	// send: a write committing in this window fans out either before the
	// snapshot (and is contained in it) or after the full-sync reached
	// the connection. Until the full-sync is sent, fan-out skips this
	// subscription.
	unlock := b.lockDelivery(storage.Key(namespace, name))

	snap, err := b.store.Snapshot(ctx, namespace, name)
	if err != nil {
		unlock()
		b.discard(connID, namespace, name)
		return err
	}

	var msg Message
	if !snap.Exists {
		msg = NotFoundMessage(namespace, name)
	} else {
		msg = Message{
			Type:      TypeFullSync,
			Namespace: namespace,
			Name:      name,
			Value:     snap.Value,
			Revision:  snap.Revision,
			Checksum:  snap.Checksum,
			Timestamp: time.Now().UTC(),
		}
		b.registry.MarkSeen(sub, snap.Revision, snap.Checksum)
	}

	if err := b.send(ctx, connID, sender, msg); err != nil {
		unlock()
		b.discard(connID, namespace, name)
		return err
	}

	b.registry.MarkSynced(sub)
	unlock()

	if b.metrics != nil {
		b.metrics.Subscriptions.WithLabelValues(namespace).Set(
			float64(b.registry.KeyCount(namespace, name)))
	}
	return nil
}

// Unsubscribe removes one interest entry. No message is sent.
func (b *Broadcaster) Unsubscribe(connID, namespace, name string) {
	if b.registry.Remove(connID, namespace, name) {
		b.dropObserver(storage.Key(namespace, name))
	}
	if b.metrics != nil {
		b.metrics.Subscriptions.WithLabelValues(namespace).Set(
			float64(b.registry.KeyCount(namespace, name)))
	}
}

func (b *Broadcaster) lockDelivery(key string) func() {
	m, _ := b.delivery.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// discard drops a subscription whose initial snapshot never reached the
// connection. The client sees the subscribe fail and retries.
func (b *Broadcaster) discard(connID, namespace, name string) {
	if b.registry.Remove(connID, namespace, name) {
		b.dropObserver(storage.Key(namespace, name))
	}
}

// watchKey installs the store observer feeding this key's subscribers.
func (b *Broadcaster) watchKey(namespace, name string) {
	key := storage.Key(namespace, name)
	unsubscribe := b.store.Subscribe(namespace, name, b.onChange)

	b.mu.Lock()
	if existing, ok := b.keyObserver[key]; ok {
		// Lost a race with another first subscriber
		b.mu.Unlock()
		existing()
		return
	}
	b.keyObserver[key] = unsubscribe
	b.mu.Unlock()
}

func (b *Broadcaster) dropObserver(key string) {
	b.mu.Lock()
	unsubscribe, ok := b.keyObserver[key]
	if ok {
		delete(b.keyObserver, key)
	}
	b.mu.Unlock()

	if ok {
		unsubscribe()
	}
}

// onChange fans one committed change out to every subscriber of its key.
// A failed send is logged and skipped; one slow or broken connection never
// blocks the rest.
func (b *Broadcaster) onChange(event replicant.ChangeEvent) {
	sum := ""
	if event.Operation != replicant.OperationDelete {
		var err error
		sum, err = checksum.Sum(event.NewValue)
		if err != nil {
			b.logger.Error("checksum failed, skipping broadcast",
				"namespace", event.Namespace, "name", event.Name, "error", err)
			return
		}
	}

	msg := Message{
		Type:      TypeUpdate,
		Namespace: event.Namespace,
		Name:      event.Name,
		Value:     event.NewValue,
		Revision:  event.Revision,
		Checksum:  sum,
		Timestamp: event.Timestamp,
		Operation: string(event.Operation),
	}

	unlock := b.lockDelivery(storage.Key(event.Namespace, event.Name))
	defer unlock()

	subs := b.registry.SyncedSubscribers(event.Namespace, event.Name)
	for _, sub := range subs {
		b.mu.RLock()
		sender, ok := b.senders[sub.ConnectionID]
		b.mu.RUnlock()
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
		err := b.send(ctx, sub.ConnectionID, sender, msg)
		cancel()
		if err != nil {
			continue
		}
		b.registry.MarkSeen(sub, msg.Revision, msg.Checksum)
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcast(event.Namespace)
	}
}

func (b *Broadcaster) send(ctx context.Context, connID string, sender Sender, msg Message) error {
	if err := sender.Send(ctx, msg); err != nil {
		b.logger.Warn("send failed",
			"connection_id", connID,
			"type", msg.Type,
			"namespace", msg.Namespace,
			"name", msg.Name,
			"error", err)
		return err
	}
	return nil
}
