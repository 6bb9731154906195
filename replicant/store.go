package replicant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/replicant/cache"
	"github.com/c360/replicant/errors"
	"github.com/c360/replicant/pkg/checksum"
	"github.com/c360/replicant/schema"
	"github.com/c360/replicant/storage"
)

// Store is the replicant store: the single authority for reading and
// mutating replicant values. Reads go cache-first with read-through to the
// persistence gateway; writes go through the gateway first (write-through,
// never write-behind) so the cache can never get ahead of durable state.
type Store struct {
	gateway storage.Gateway
	cache   cache.Backend
	schemas *schema.Registry

	opts *storeOptions

	started atomic.Bool

	// Per-key write serialization keeps change events in commit order.
	locks sync.Map // key string → *sync.Mutex

	// Ephemeral replicants never touch the gateway.
	ephMu     sync.Mutex
	ephemeral map[string]*storage.Record

	obsMu      sync.RWMutex
	observers  map[string]map[uint64]ObserverFunc
	global     map[uint64]ObserverFunc
	observerID uint64
}

// New creates a store over the given gateway, cache, and schema registry.
// Call Start before use.
func New(gateway storage.Gateway, cacheBackend cache.Backend, schemas *schema.Registry, opts ...Option) *Store {
	options := defaultStoreOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Store{
		gateway:   gateway,
		cache:     cacheBackend,
		schemas:   schemas,
		opts:      options,
		ephemeral: make(map[string]*storage.Record),
		observers: make(map[string]map[uint64]ObserverFunc),
		global:    make(map[uint64]ObserverFunc),
	}
}

// Start verifies the gateway is reachable and marks the store ready.
func (s *Store) Start(ctx context.Context) error {
	if err := s.gateway.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "Store", "Start", "persistence gateway unreachable")
	}
	s.started.Store(true)
	s.opts.logger.Info("replicant store started")
	return nil
}

// Stop marks the store unavailable. Gateway and cache lifecycles belong to
// the caller.
func (s *Store) Stop(_ context.Context) error {
	s.started.Store(false)
	s.opts.logger.Info("replicant store stopped")
	return nil
}

// ensureStarted guards every public operation. Using the store before
// Start is a programmer error and fails loudly.
func (s *Store) ensureStarted(method string) error {
	if !s.started.Load() {
		return errors.WrapFatal(errors.ErrNotInitialized, "Store", method,
			"store used before Start")
	}
	return nil
}

// Register declares a replicant. If a value already exists it is returned
// untouched (the default never overwrites existing state). If the key is
// absent and a default is given, the default is written at revision 0 with
// exactly one history entry. Absent with no default fails with
// ErrNoDefaultValue.
func (s *Store) Register(
	ctx context.Context, namespace, name string, opts RegisterOptions,
) (json.RawMessage, error) {
	if err := s.ensureStarted("Register"); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	start := time.Now()
	status := "ok"
	defer func() { s.recordOp(namespace, "register", status, start) }()

	// A failed Register must not leave its rule behind: later writes
	// would be validated against a rule the caller never got installed.
	prior, hadPrior := s.schemas.Lookup(namespace, name)
	revertRule := func() {
		if opts.Schema == nil && opts.Rule == nil {
			return
		}
		if hadPrior {
			_ = s.schemas.Register(namespace, name, prior)
		} else {
			s.schemas.Remove(namespace, name)
		}
	}

	schemaRef, err := s.installRule(namespace, name, opts)
	if err != nil {
		status = "error"
		return nil, err
	}

	key := storage.Key(namespace, name)
	unlock := s.lock(key)
	defer unlock()

	existing, err := s.lookup(ctx, namespace, name, true)
	if err != nil {
		status = "error"
		revertRule()
		return nil, err
	}

	if existing != nil {
		if err := s.schemas.Validate(namespace, name, existing.Value); err != nil {
			if opts.DefaultValue == nil {
				status = "validation_failed"
				s.recordValidationFailure(namespace, name)
				revertRule()
				return nil, err
			}
			// Stored value no longer conforms: replace it with the default
			s.opts.logger.Warn("existing value fails schema, replacing with default",
				"namespace", namespace, "name", name, "error", err)
			record, werr := s.write(ctx, namespace, name, opts.DefaultValue, opts.ChangedBy, existing, &status)
			if werr != nil {
				revertRule()
				return nil, werr
			}
			return record.Value, nil
		}
		return existing.Value, nil
	}

	if opts.DefaultValue == nil {
		status = "not_found"
		revertRule()
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s/%s", errors.ErrNoDefaultValue, namespace, name),
			"Store", "Register", "key absent and no default value given")
	}

	if err := s.schemas.Validate(namespace, name, opts.DefaultValue); err != nil {
		status = "validation_failed"
		s.recordValidationFailure(namespace, name)
		revertRule()
		return nil, err
	}

	if opts.Ephemeral {
		record := s.ephemeralUpsert(namespace, name, opts.DefaultValue, schemaRef)
		s.emit(s.eventFor(namespace, name, nil, record, opts.ChangedBy))
		return record.Value, nil
	}

	record, err := s.gateway.Upsert(ctx, namespace, name, opts.DefaultValue, schemaRef)
	if err != nil {
		status = "error"
		revertRule()
		return nil, s.persistenceError(err, "Register", namespace, name)
	}

	s.appendHistory(ctx, namespace, name, record, opts.ChangedBy)
	s.cacheDrop(ctx, key)
	s.recordRevision(record)
	s.emit(s.eventFor(namespace, name, nil, record, opts.ChangedBy))

	return record.Value, nil
}

// Get returns the current value, or nil when the key does not exist
// anywhere. Cache reads never fail the call.
func (s *Store) Get(ctx context.Context, namespace, name string) (json.RawMessage, error) {
	if err := s.ensureStarted("Get"); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	start := time.Now()
	status := "ok"
	defer func() { s.recordOp(namespace, "get", status, start) }()

	// The key lock orders the read-through populate against concurrent
	// writes, so a slow gateway read can never re-cache a value a write
	// has already invalidated.
	unlock := s.lock(storage.Key(namespace, name))
	defer unlock()

	record, err := s.lookup(ctx, namespace, name, true)
	if err != nil {
		status = "error"
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return record.Value, nil
}

// Set validates and writes a new value, returning the committed revision.
// Validation happens before the durable write, so a rejected value never
// reaches storage, history, or subscribers.
func (s *Store) Set(
	ctx context.Context, namespace, name string, value json.RawMessage, opts SetOptions,
) (uint64, error) {
	if err := s.ensureStarted("Set"); err != nil {
		return 0, err
	}
	if err := storage.ValidateKey(namespace, name); err != nil {
		return 0, err
	}

	start := time.Now()
	status := "ok"
	defer func() { s.recordOp(namespace, "set", status, start) }()

	if !opts.SkipValidation {
		if err := s.schemas.Validate(namespace, name, value); err != nil {
			status = "validation_failed"
			s.recordValidationFailure(namespace, name)
			return 0, err
		}
	}

	key := storage.Key(namespace, name)
	unlock := s.lock(key)
	defer unlock()

	old, err := s.lookup(ctx, namespace, name, true)
	if err != nil {
		status = "error"
		return 0, err
	}

	record, err := s.write(ctx, namespace, name, value, opts.ChangedBy, old, &status)
	if err != nil {
		return 0, err
	}
	return record.Revision, nil
}

// Delete removes the replicant, its history, its schema rule, and its
// cache entry, then emits a delete event. Returns false when the key did
// not exist; that is still a success.
func (s *Store) Delete(ctx context.Context, namespace, name string) (bool, error) {
	if err := s.ensureStarted("Delete"); err != nil {
		return false, err
	}
	if err := storage.ValidateKey(namespace, name); err != nil {
		return false, err
	}

	start := time.Now()
	status := "ok"
	defer func() { s.recordOp(namespace, "delete", status, start) }()

	key := storage.Key(namespace, name)
	unlock := s.lock(key)
	defer unlock()

	old, err := s.lookup(ctx, namespace, name, true)
	if err != nil {
		status = "error"
		return false, err
	}

	found := false

	s.ephMu.Lock()
	if _, ok := s.ephemeral[key]; ok {
		delete(s.ephemeral, key)
		found = true
	}
	s.ephMu.Unlock()

	if !found {
		found, err = s.gateway.DeleteByKey(ctx, namespace, name)
		if err != nil {
			status = "error"
			return false, s.persistenceError(err, "Delete", namespace, name)
		}
	}

	s.cacheDrop(ctx, key)
	s.schemas.Remove(namespace, name)

	if found && old != nil {
		s.emit(ChangeEvent{
			Namespace: namespace,
			Name:      name,
			Operation: OperationDelete,
			OldValue:  old.Value,
			Revision:  old.Revision,
			Timestamp: time.Now().UTC(),
		})
	}
	if !found {
		status = "not_found"
	}
	return found, nil
}

// History returns up to limit past values, most recent first. A
// non-positive limit uses the configured default.
func (s *Store) History(
	ctx context.Context, namespace, name string, limit int,
) ([]storage.HistoryEntry, error) {
	if err := s.ensureStarted("History"); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.opts.historyLimit
	}

	entries, err := s.gateway.QueryHistory(ctx, namespace, name, limit)
	if err != nil {
		return nil, s.persistenceError(err, "History", namespace, name)
	}
	if entries == nil {
		entries = []storage.HistoryEntry{}
	}
	return entries, nil
}

// ByNamespace lists replicant metadata for one namespace, including
// ephemeral replicants held only in this process.
func (s *Store) ByNamespace(ctx context.Context, namespace string) ([]Meta, error) {
	if err := s.ensureStarted("ByNamespace"); err != nil {
		return nil, err
	}

	metas, err := s.gateway.ListByNamespace(ctx, namespace)
	if err != nil {
		return nil, s.persistenceError(err, "ByNamespace", namespace, "")
	}
	return s.decorate(metas, namespace), nil
}

// All lists metadata for every replicant.
func (s *Store) All(ctx context.Context) ([]Meta, error) {
	if err := s.ensureStarted("All"); err != nil {
		return nil, err
	}

	metas, err := s.gateway.ListAll(ctx)
	if err != nil {
		return nil, s.persistenceError(err, "All", "", "")
	}
	return s.decorate(metas, ""), nil
}

// Snapshot returns the read-side view used for full-sync delivery: value,
// revision, and content checksum. Exists is false for unknown keys.
func (s *Store) Snapshot(ctx context.Context, namespace, name string) (*Snapshot, error) {
	if err := s.ensureStarted("Snapshot"); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey(namespace, name); err != nil {
		return nil, err
	}

	record, err := s.lookup(ctx, namespace, name, false)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &Snapshot{Namespace: namespace, Name: name, Exists: false}, nil
	}

	sum, err := checksum.Sum(record.Value)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "Snapshot", "checksum value")
	}

	return &Snapshot{
		Namespace: namespace,
		Name:      name,
		Value:     record.Value,
		Revision:  record.Revision,
		Checksum:  sum,
		Exists:    true,
	}, nil
}

// Subscribe registers an in-process observer for one key, independent of
// the network subscription registry. The returned function removes it.
func (s *Store) Subscribe(namespace, name string, fn ObserverFunc) func() {
	key := storage.Key(namespace, name)
	id := atomic.AddUint64(&s.observerID, 1)

	s.obsMu.Lock()
	if s.observers[key] == nil {
		s.observers[key] = make(map[uint64]ObserverFunc)
	}
	s.observers[key][id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		if set, ok := s.observers[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.observers, key)
			}
		}
		s.obsMu.Unlock()
	}
}

// SubscribeAll registers an in-process observer for every key. Global
// observers run after per-key observers, still on the writer goroutine.
func (s *Store) SubscribeAll(fn ObserverFunc) func() {
	id := atomic.AddUint64(&s.observerID, 1)

	s.obsMu.Lock()
	s.global[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.global, id)
		s.obsMu.Unlock()
	}
}

// write commits a value (persistent or ephemeral), appends history,
// invalidates the cache entry, and emits the change event. Callers hold
// the key lock.
func (s *Store) write(
	ctx context.Context, namespace, name string, value json.RawMessage,
	changedBy string, old *storage.Record, status *string,
) (*storage.Record, error) {
	key := storage.Key(namespace, name)

	s.ephMu.Lock()
	_, isEphemeral := s.ephemeral[key]
	s.ephMu.Unlock()

	var record *storage.Record
	if isEphemeral {
		record = s.ephemeralUpsert(namespace, name, value, "")
	} else {
		var err error
		record, err = s.gateway.Upsert(ctx, namespace, name, value, "")
		if err != nil {
			*status = "error"
			return nil, s.persistenceError(err, "Set", namespace, name)
		}
		s.appendHistory(ctx, namespace, name, record, changedBy)
		// Invalidate rather than refresh: a refreshed entry would pin
		// this process's view for other cache readers until TTL. The
		// next read repopulates from the gateway under the key lock.
		s.cacheDrop(ctx, key)
	}

	s.recordRevision(record)
	s.emit(s.eventFor(namespace, name, old, record, changedBy))

	return record, nil
}

// installRule registers the validation rule named in the options and
// returns an opaque schema reference for the stored record.
func (s *Store) installRule(namespace, name string, opts RegisterOptions) (string, error) {
	switch {
	case opts.Schema != nil:
		if err := s.schemas.RegisterJSONSchema(namespace, name, opts.Schema); err != nil {
			return "", err
		}
	case opts.Rule != nil:
		if err := s.schemas.Register(namespace, name, opts.Rule); err != nil {
			return "", err
		}
	default:
		return "", nil
	}
	return uuid.NewString(), nil
}

// lookup resolves the current record: ephemeral map, then cache, then
// read-through to the gateway. Cache failures degrade to the gateway.
// populate repopulates the cache from a gateway hit and requires the
// caller to hold the key lock; an unlocked populate could land after a
// concurrent write's invalidation and pin the stale record until TTL.
func (s *Store) lookup(ctx context.Context, namespace, name string, populate bool) (*storage.Record, error) {
	key := storage.Key(namespace, name)

	s.ephMu.Lock()
	if record, ok := s.ephemeral[key]; ok {
		dup := *record
		s.ephMu.Unlock()
		return &dup, nil
	}
	s.ephMu.Unlock()

	if data, err := s.cache.Get(ctx, key); err == nil {
		var record storage.Record
		if err := json.Unmarshal(data, &record); err == nil {
			return &record, nil
		}
		// Corrupt cache entry: drop it and fall through to the gateway
		s.cacheDrop(ctx, key)
	} else if !cache.IsMiss(err) {
		s.opts.logger.Debug("cache read failed, falling through to gateway",
			"key", key, "error", err)
	}

	record, err := s.gateway.FindByKey(ctx, namespace, name)
	if err != nil {
		return nil, s.persistenceError(err, "lookup", namespace, name)
	}
	if record == nil {
		return nil, nil
	}

	if populate {
		s.cachePut(ctx, record)
	}
	return record, nil
}

func (s *Store) ephemeralUpsert(namespace, name string, value json.RawMessage, schemaRef string) *storage.Record {
	key := storage.Key(namespace, name)
	now := time.Now().UTC()

	s.ephMu.Lock()
	defer s.ephMu.Unlock()

	record, ok := s.ephemeral[key]
	if !ok {
		record = &storage.Record{
			Namespace: namespace,
			Name:      name,
			Revision:  0,
			CreatedAt: now,
			SchemaRef: schemaRef,
		}
		s.ephemeral[key] = record
	} else {
		record.Revision++
	}
	record.Value = value
	record.UpdatedAt = now

	dup := *record
	return &dup
}

// appendHistory records the committed write. History is best-effort: the
// value is already durable, so a failed append logs and moves on rather
// than failing a write that cannot be rolled back.
func (s *Store) appendHistory(ctx context.Context, namespace, name string, record *storage.Record, changedBy string) {
	err := s.gateway.AppendHistory(ctx, namespace, name, storage.HistoryEntry{
		Value:     record.Value,
		Revision:  record.Revision,
		ChangedBy: changedBy,
		ChangedAt: record.UpdatedAt,
	})
	if err != nil {
		s.opts.logger.Error("history append failed",
			"namespace", namespace, "name", name,
			"revision", record.Revision, "error", err)
	}
}

func (s *Store) cachePut(ctx context.Context, record *storage.Record) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	key := storage.Key(record.Namespace, record.Name)
	if err := s.cache.Set(ctx, key, data, s.opts.cacheTTL); err != nil {
		s.opts.logger.Debug("cache write failed", "key", key, "error", err)
	}
}

func (s *Store) cacheDrop(ctx context.Context, key string) {
	if err := s.cache.Del(ctx, key); err != nil {
		s.opts.logger.Debug("cache delete failed", "key", key, "error", err)
	}
}

func (s *Store) eventFor(
	namespace, name string, old, record *storage.Record, changedBy string,
) ChangeEvent {
	op := OperationUpdate
	if old == nil {
		op = OperationCreate
	}

	event := ChangeEvent{
		Namespace: namespace,
		Name:      name,
		Operation: op,
		NewValue:  record.Value,
		Revision:  record.Revision,
		Timestamp: record.UpdatedAt,
		ChangedBy: changedBy,
	}
	if old != nil {
		event.OldValue = old.Value
	}
	return event
}

func (s *Store) emit(event ChangeEvent) {
	key := storage.Key(event.Namespace, event.Name)

	s.obsMu.RLock()
	callbacks := make([]ObserverFunc, 0, len(s.observers[key])+len(s.global))
	for _, fn := range s.observers[key] {
		callbacks = append(callbacks, fn)
	}
	for _, fn := range s.global {
		callbacks = append(callbacks, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range callbacks {
		fn(event)
	}
}

func (s *Store) decorate(metas []storage.Meta, namespace string) []Meta {
	result := make([]Meta, 0, len(metas))
	for _, m := range metas {
		result = append(result, metaFrom(m, s.schemas.HasSchema(m.Namespace, m.Name)))
	}

	// Ephemeral replicants are invisible to the gateway listings
	s.ephMu.Lock()
	for _, record := range s.ephemeral {
		if namespace != "" && record.Namespace != namespace {
			continue
		}
		result = append(result, metaFrom(record.Meta(), s.schemas.HasSchema(record.Namespace, record.Name)))
	}
	s.ephMu.Unlock()

	return result
}

func (s *Store) lock(key string) func() {
	m, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) persistenceError(err error, method, namespace, name string) error {
	s.opts.logger.Error("persistence operation failed",
		"method", method, "namespace", namespace, "name", name, "error", err)
	if s.opts.metrics != nil {
		s.opts.metrics.RecordError("store", "persistence")
	}
	// Storage detail stays in the log; callers get the generic failure
	return errors.WrapTransient(errors.ErrPersistenceFailed, "Store", method,
		fmt.Sprintf("durable write for %s/%s", namespace, name))
}

func (s *Store) recordOp(namespace, op, status string, start time.Time) {
	if s.opts.metrics != nil {
		s.opts.metrics.RecordOperation(namespace, op, status, time.Since(start))
	}
}

func (s *Store) recordValidationFailure(namespace, name string) {
	if s.opts.metrics != nil {
		s.opts.metrics.RecordValidationFailure(namespace, name)
	}
}

func (s *Store) recordRevision(record *storage.Record) {
	if s.opts.metrics != nil {
		s.opts.metrics.RecordRevision(record.Namespace, record.Name, record.Revision)
	}
}
