// Package replicant is a versioned, schema-validated key-value replication
// server. Values ("replicants") are identified by (namespace, name), carry a
// monotonically increasing revision and an MD5 checksum, and every change is
// appended to a per-key history. Connected WebSocket clients subscribe to
// individual replicants and receive a full-sync snapshot followed by
// incremental update broadcasts.
//
// # Architecture
//
// The module is organized in layers:
//
//   - storage: the Gateway interface plus two implementations, an in-memory
//     store (memstore) and a NATS JetStream KV store (natskv) with
//     compare-and-swap revision assignment.
//   - cache: read-through caching with local in-process, Redis, and
//     failover (Redis primary, local fallback) backends.
//   - schema: per-replicant JSON Schema validation rules.
//   - replicant: the Store, which ties storage, cache, and schemas together
//     and emits ordered change events to observers.
//   - broadcast: subscription registry and fan-out from store change events
//     to network senders.
//   - gateway/ws: the WebSocket gateway speaking the client protocol
//     (subscribe, unsubscribe, set, get, delete).
//   - service: assembly, lifecycle, extension loading, health, and metrics.
//
// # Quick Start
//
//	cfg, err := config.NewLoader().Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Service.Name = "replicant1"
//
//	svc, err := service.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Stop(30 * time.Second)
//
//	store := svc.Store()
//	value, err := store.Register(ctx, "dashboard", "score", replicant.RegisterOptions{
//	    DefaultValue: json.RawMessage(`{"points": 0}`),
//	})
//
// The replicantd command wraps this assembly with configuration loading,
// signal handling, and graceful shutdown.
package replicant
