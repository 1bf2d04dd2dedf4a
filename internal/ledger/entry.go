package ledger

import (
	"fmt"

	"github.com/chainlog-io/chainlog/pkg/canonjson"
)

// Entry is a single record in the append-only log. Every entry commits to
// its predecessor through PrevHash, so any later mutation of the file is
// detectable. PrevHash is nil only for the first entry.
type Entry struct {
	Timestamp float64 `json:"timestamp"`
	Payload   any     `json:"payload"`
	PrevHash  *string `json:"prev_hash"`
	SelfHash  string  `json:"self_hash"`
}

// ComputeHash returns the SHA-256 hex digest of the canonical encoding of
// an entry's hashed portion (timestamp, payload, prev_hash). SelfHash is
// excluded: it is the output of this function, not an input.
func ComputeHash(timestamp float64, payload any, prevHash *string) (string, error) {
	hashHex, _, err := canonjson.SumHex(map[string]any{
		"timestamp": timestamp,
		"payload":   payload,
		"prev_hash": prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash entry: %w", err)
	}
	return hashHex, nil
}
