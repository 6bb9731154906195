// Package ws is the WebSocket gateway for replicant synchronization.
// Each connection gets a uuid connection id and an identity (from the
// X-Replicant-Identity header, falling back to the connection id) that is
// recorded as changedBy on its writes. Client commands — subscribe,
// unsubscribe, set, get, delete — are dispatched to the store and the
// broadcaster; change fan-out rides the broadcaster's subscription
// registry.
package ws
