// Package canonjson produces canonical JSON: compact separators and
// lexicographically sorted object keys at every nesting level.
//
// Every hash and signature in chainlog is computed over bytes produced by
// this package, so append-time hashing, chain verification, and snapshot
// signing can never disagree about the serialized form of a value.
package canonjson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Marshal returns the canonical JSON encoding of v.
//
// The value is first normalized through generic JSON types (maps, slices,
// float64, string, bool, nil) so that a struct and its equivalent map
// produce identical bytes. encoding/json emits compact output and sorts
// map keys, which yields the canonical form.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical form: %w", err)
	}
	return b, nil
}

// SumHex returns the lowercase hex SHA-256 of the canonical encoding of v,
// along with the canonical bytes themselves.
func SumHex(v any) (string, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}
