// Package broadcast fans replicant changes out to network subscribers.
// The Registry tracks which connections care about which keys, indexed in
// both directions so disconnect cleanup never scans unrelated
// subscriptions. The Broadcaster composes the registry with the store's
// in-process observers: new subscribers get an immediate full-sync
// snapshot, after which every committed change for the key is delivered in
// commit order. Send failures are isolated per connection.
package broadcast
