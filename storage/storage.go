package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360/replicant/errors"
)

// Record is the durable form of a replicant. The canonical namespace and
// name travel inside the record so listings can be decoded without parsing
// store keys.
type Record struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value"`
	Revision  uint64          `json:"revision"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	SchemaRef string          `json:"schemaRef,omitempty"`
}

// Meta returns the listing view of a record, without the value.
func (r *Record) Meta() Meta {
	return Meta{
		Namespace: r.Namespace,
		Name:      r.Name,
		Revision:  r.Revision,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		SchemaRef: r.SchemaRef,
	}
}

// Meta is replicant metadata for administrative enumeration.
type Meta struct {
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	SchemaRef string    `json:"schemaRef,omitempty"`
}

// HistoryEntry is one append-only record of a past value. ChangedBy is
// empty for system-originated writes.
type HistoryEntry struct {
	Value     json.RawMessage `json:"value"`
	Revision  uint64          `json:"revision"`
	ChangedBy string          `json:"changedBy,omitempty"`
	ChangedAt time.Time       `json:"changedAt"`
}

// Gateway is the persistence collaborator consumed by the replicant store.
// Implementations must make Upsert atomic with respect to revision
// assignment: two concurrent upserts on the same key never commit the same
// revision.
type Gateway interface {
	// FindByKey returns the record, or (nil, nil) when the key is absent.
	FindByKey(ctx context.Context, namespace, name string) (*Record, error)

	// Upsert creates the record at revision 0, or replaces the value and
	// increments the revision by exactly 1. Returns the committed record.
	Upsert(ctx context.Context, namespace, name string, value json.RawMessage, schemaRef string) (*Record, error)

	// DeleteByKey removes the record and all its history. Returns false
	// when the key did not exist.
	DeleteByKey(ctx context.Context, namespace, name string) (bool, error)

	// AppendHistory records one past value. Entries are never mutated.
	AppendHistory(ctx context.Context, namespace, name string, entry HistoryEntry) error

	// QueryHistory returns up to limit entries, most recent first. An
	// unknown key yields an empty slice, not an error.
	QueryHistory(ctx context.Context, namespace, name string, limit int) ([]HistoryEntry, error)

	// ListByNamespace returns metadata for every record in the namespace.
	ListByNamespace(ctx context.Context, namespace string) ([]Meta, error)

	// ListAll returns metadata for every record.
	ListAll(ctx context.Context) ([]Meta, error)

	// Ping reports whether the durable store is reachable.
	Ping(ctx context.Context) error

	// Close releases gateway resources.
	Close() error
}

// ValidateKey checks that namespace and name form a usable composite key.
func ValidateKey(namespace, name string) error {
	if namespace == "" || name == "" {
		return errors.WrapInvalid(
			fmt.Errorf("namespace %q name %q", namespace, name),
			"storage", "ValidateKey", "namespace and name must not be empty")
	}
	for _, part := range []string{namespace, name} {
		if strings.ContainsAny(part, "*\n\r\t ") {
			return errors.WrapInvalid(
				fmt.Errorf("key part %q contains reserved characters", part),
				"storage", "ValidateKey", "namespace and name must not contain wildcards or whitespace")
		}
	}
	return nil
}

// Key returns the flat composite key used by cache and store backends.
func Key(namespace, name string) string {
	return namespace + "." + name
}
