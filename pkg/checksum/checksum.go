// Package checksum computes content hashes of replicant values for
// client-side integrity verification.
//
// The checksum is the hex-encoded MD5 digest (128 bits) of the canonical
// JSON serialization of the value. Canonical means the value is decoded and
// re-encoded with encoding/json, which sorts object keys, so two
// serializations of the same document always hash identically. The hash is
// used purely for integrity checks over the wire, never for conflict
// resolution, so a non-cryptographic-strength digest is acceptable.
package checksum

import (
	"bytes"
	"crypto/md5" // #nosec G501 -- integrity marker, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sum returns the canonical checksum of a JSON document.
// An empty or nil document hashes to the checksum of JSON null.
func Sum(raw json.RawMessage) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	digest := md5.Sum(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// Canonicalize returns the canonical serialization of a JSON document:
// object keys sorted, insignificant whitespace removed.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("null")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("checksum: decode value: %w", err)
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("checksum: encode canonical value: %w", err)
	}
	return canonical, nil
}
