// Package natskv persists replicants in NATS JetStream key-value buckets.
// Records and history live in separate buckets: record keys are
// "<namespace>.<name>", history keys append a zero-padded revision so
// lexical key order matches revision order. Revision atomicity rides on
// JetStream's compare-and-swap update semantics.
package natskv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/replicant/errors"
	"github.com/c360/replicant/natsclient"
	"github.com/c360/replicant/storage"
)

const (
	// DefaultRecordsBucket holds current replicant records.
	DefaultRecordsBucket = "replicant_records"
	// DefaultHistoryBucket holds append-only history entries.
	DefaultHistoryBucket = "replicant_history"
)

// Gateway implements storage.Gateway on two JetStream KV buckets.
type Gateway struct {
	client  *natsclient.Client
	records *natsclient.KVStore
	history *natsclient.KVStore
}

// Config controls bucket provisioning.
type Config struct {
	RecordsBucket string
	HistoryBucket string
	Replicas      int
}

// DefaultConfig returns single-replica buckets with default names.
func DefaultConfig() Config {
	return Config{
		RecordsBucket: DefaultRecordsBucket,
		HistoryBucket: DefaultHistoryBucket,
		Replicas:      1,
	}
}

// New provisions the buckets (idempotent) and returns the gateway. The
// NATS client must already be connected; its lifecycle stays with the
// caller.
func New(ctx context.Context, client *natsclient.Client, cfg Config) (*Gateway, error) {
	if client == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("nil client"),
			"Gateway", "New", "nats client is required")
	}
	if cfg.RecordsBucket == "" {
		cfg.RecordsBucket = DefaultRecordsBucket
	}
	if cfg.HistoryBucket == "" {
		cfg.HistoryBucket = DefaultHistoryBucket
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	recordsBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.RecordsBucket,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "New", "create records bucket")
	}

	historyBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.HistoryBucket,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "New", "create history bucket")
	}

	return &Gateway{
		client:  client,
		records: client.NewKVStore(recordsBucket),
		history: client.NewKVStore(historyBucket),
	}, nil
}

// recordKey builds the KV key for a record. Namespace and name are each
// escaped onto the NATS key alphabet; the canonical namespace and name
// are preserved inside the record itself.
func recordKey(namespace, name string) string {
	return encodeToken(namespace) + "." + encodeToken(name)
}

// historyKey appends a zero-padded revision so lexical order is revision order.
func historyKey(namespace, name string, revision uint64) string {
	return fmt.Sprintf("%s.%020d", recordKey(namespace, name), revision)
}

// encodeToken escapes a token for use as one NATS key segment. Letters,
// digits, and '-' pass through; every other byte, including '_' (the
// escape character), becomes '_' plus two hex digits. The mapping is
// one-to-one, so distinct namespaces or names can never land on the
// same KV key.
func encodeToken(token string) string {
	var b strings.Builder
	b.Grow(len(token))
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// FindByKey returns the record, or (nil, nil) when the key is absent.
func (g *Gateway) FindByKey(ctx context.Context, namespace, name string) (*storage.Record, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	entry, err := g.records.Get(ctx, recordKey(namespace, name))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "Gateway", "FindByKey", "kv get")
	}

	return decodeRecord(entry.Value)
}

// Upsert creates at revision 0 or increments by exactly 1, atomically via
// the bucket's compare-and-swap loop.
func (g *Gateway) Upsert(
	ctx context.Context, namespace, name string, value json.RawMessage, schemaRef string,
) (*storage.Record, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	var committed *storage.Record

	err := g.records.UpdateWithRetry(ctx, recordKey(namespace, name), func(current []byte) ([]byte, error) {
		now := time.Now().UTC()

		record := &storage.Record{
			Namespace: namespace,
			Name:      name,
			Revision:  0,
			CreatedAt: now,
		}
		if len(current) > 0 {
			existing, err := decodeRecord(current)
			if err != nil {
				return nil, err
			}
			record.Revision = existing.Revision + 1
			record.CreatedAt = existing.CreatedAt
			record.SchemaRef = existing.SchemaRef
		}

		record.Value = value
		record.UpdatedAt = now
		if schemaRef != "" {
			record.SchemaRef = schemaRef
		}

		committed = record
		return json.Marshal(record)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "Upsert", "kv update")
	}

	return committed, nil
}

// DeleteByKey removes the record and purges all its history entries.
func (g *Gateway) DeleteByKey(ctx context.Context, namespace, name string) (bool, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return false, err
	}

	key := recordKey(namespace, name)

	_, err := g.records.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "Gateway", "DeleteByKey", "kv get")
	}

	if err := g.records.Purge(ctx, key); err != nil {
		return false, errors.WrapTransient(err, "Gateway", "DeleteByKey", "purge record")
	}

	historyKeys, err := g.historyKeysFor(ctx, namespace, name)
	if err != nil {
		return false, err
	}
	for _, hk := range historyKeys {
		if err := g.history.Purge(ctx, hk); err != nil {
			return false, errors.WrapTransient(err, "Gateway", "DeleteByKey", "purge history")
		}
	}

	return true, nil
}

// AppendHistory stores one history entry under its revision-ordered key.
func (g *Gateway) AppendHistory(
	ctx context.Context, namespace, name string, entry storage.HistoryEntry,
) error {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "Gateway", "AppendHistory", "encode entry")
	}

	if _, err := g.history.Put(ctx, historyKey(namespace, name, entry.Revision), data); err != nil {
		return errors.WrapTransient(err, "Gateway", "AppendHistory", "kv put")
	}
	return nil
}

// QueryHistory returns up to limit entries, most recent first.
func (g *Gateway) QueryHistory(
	ctx context.Context, namespace, name string, limit int,
) ([]storage.HistoryEntry, error) {
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	keys, err := g.historyKeysFor(ctx, namespace, name)
	if err != nil {
		return nil, err
	}

	// Padded revisions make lexical descending order revision-descending
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entries := make([]storage.HistoryEntry, 0, len(keys))
	for _, key := range keys {
		kvEntry, err := g.history.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "Gateway", "QueryHistory", "kv get")
		}

		var entry storage.HistoryEntry
		if err := json.Unmarshal(kvEntry.Value, &entry); err != nil {
			return nil, errors.WrapInvalid(err, "Gateway", "QueryHistory", "decode entry")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListByNamespace returns metadata for every record in the namespace.
func (g *Gateway) ListByNamespace(ctx context.Context, namespace string) ([]storage.Meta, error) {
	return g.list(ctx, namespace)
}

// ListAll returns metadata for every record.
func (g *Gateway) ListAll(ctx context.Context) ([]storage.Meta, error) {
	return g.list(ctx, "")
}

func (g *Gateway) list(ctx context.Context, namespace string) ([]storage.Meta, error) {
	keys, err := g.records.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "list", "kv keys")
	}

	var metas []storage.Meta
	for _, key := range keys {
		entry, err := g.records.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "Gateway", "list", "kv get")
		}

		record, err := decodeRecord(entry.Value)
		if err != nil {
			return nil, err
		}
		// Filter on the canonical namespace, not the sanitized key
		if namespace != "" && record.Namespace != namespace {
			continue
		}
		metas = append(metas, record.Meta())
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Namespace != metas[j].Namespace {
			return metas[i].Namespace < metas[j].Namespace
		}
		return metas[i].Name < metas[j].Name
	})
	return metas, nil
}

// Ping reports whether the NATS connection is healthy.
func (g *Gateway) Ping(_ context.Context) error {
	if !g.client.IsHealthy() {
		return errors.WrapTransient(
			errors.ErrStorageUnavailable,
			"Gateway", "Ping", "nats connection unhealthy")
	}
	return nil
}

// Close is a no-op: the NATS client lifecycle belongs to the caller.
func (g *Gateway) Close() error {
	return nil
}

func (g *Gateway) historyKeysFor(ctx context.Context, namespace, name string) ([]string, error) {
	all, err := g.history.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "historyKeysFor", "kv keys")
	}

	prefix := recordKey(namespace, name) + "."
	var keys []string
	for _, key := range all {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func decodeRecord(data []byte) (*storage.Record, error) {
	var record storage.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "decodeRecord", "decode record")
	}
	return &record, nil
}
