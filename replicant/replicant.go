package replicant

import (
	"encoding/json"
	"time"

	"github.com/c360/replicant/schema"
	"github.com/c360/replicant/storage"
)

// Operation identifies how a change event came about.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChangeEvent is emitted to in-process observers after every committed
// write or delete. Events for one key arrive in commit order.
type ChangeEvent struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Operation Operation       `json:"operation"`
	OldValue  json.RawMessage `json:"oldValue,omitempty"`
	NewValue  json.RawMessage `json:"newValue,omitempty"`
	Revision  uint64          `json:"revision"`
	Timestamp time.Time       `json:"timestamp"`
	ChangedBy string          `json:"changedBy,omitempty"`
}

// ObserverFunc receives change events for one key. Observers run on the
// writer's goroutine and must not write to the same key reentrantly.
type ObserverFunc func(ChangeEvent)

// Snapshot is the read-side view used for full-sync delivery.
type Snapshot struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	Revision  uint64          `json:"revision"`
	Checksum  string          `json:"checksum"`
	Exists    bool            `json:"exists"`
}

// Meta is replicant metadata for enumeration, including whether a
// validation rule is currently registered in this process.
type Meta struct {
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	HasSchema bool      `json:"hasSchema"`
}

func metaFrom(m storage.Meta, hasSchema bool) Meta {
	return Meta{
		Namespace: m.Namespace,
		Name:      m.Name,
		Revision:  m.Revision,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		HasSchema: hasSchema,
	}
}

// RegisterOptions controls Register behavior.
type RegisterOptions struct {
	// DefaultValue seeds the replicant when the key does not exist yet.
	DefaultValue json.RawMessage

	// Ephemeral keeps the replicant out of durable storage; it lives only
	// for the life of this process.
	Ephemeral bool

	// Schema, when set, is compiled as a JSON Schema and installed as the
	// validation rule for this key.
	Schema json.RawMessage

	// Rule installs a pre-built validation rule. Ignored if Schema is set.
	Rule schema.Rule

	// ChangedBy identifies who triggered the registration, recorded in
	// history when the default is written.
	ChangedBy string
}

// SetOptions controls Set behavior.
type SetOptions struct {
	// ChangedBy is the identity recorded in history and change events.
	// Empty means system-originated.
	ChangedBy string

	// SkipValidation bypasses the schema check for this write.
	SkipValidation bool
}
