package broadcast

import (
	"encoding/json"
	"time"
)

// Server-to-client message types.
const (
	TypeFullSync = "full-sync"
	TypeUpdate   = "update"
	TypeNotFound = "not-found"
	TypeError    = "error"
)

// Client-to-server command names.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandSet         = "set"
	CommandGet         = "get"
	CommandDelete      = "delete"
)

// Message is the transport-agnostic server-to-client envelope. Fields not
// meaningful for a given type are omitted from the wire form.
type Message struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value,omitempty"`
	Revision  uint64          `json:"revision"`
	Checksum  string          `json:"checksum,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Operation string          `json:"operation,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Command is the client-to-server envelope.
type Command struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// ErrorMessage builds an error notification for one key.
func ErrorMessage(namespace, name, code, detail string) Message {
	return Message{
		Type:      TypeError,
		Namespace: namespace,
		Name:      name,
		Code:      code,
		Message:   detail,
		Timestamp: time.Now().UTC(),
	}
}

// NotFoundMessage builds the explicit notification sent when a subscriber
// asks for a key that does not exist.
func NotFoundMessage(namespace, name string) Message {
	return Message{
		Type:      TypeNotFound,
		Namespace: namespace,
		Name:      name,
		Timestamp: time.Now().UTC(),
	}
}
