package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// AuditReport is the detailed outcome of a full chain walk.
type AuditReport struct {
	Valid        bool   `json:"valid"`
	Entries      int    `json:"entries"`
	Root         string `json:"root,omitempty"`
	FirstInvalid *int   `json:"first_invalid,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// auditFailure carries the first inconsistency found during a walk. It is
// an internal control-flow error: Audit converts it into a report.
type auditFailure struct {
	index  int
	reason string
}

func (f auditFailure) Error() string { return f.reason }

// Audit walks the full chain and reports the first inconsistency found.
// Corrupted bytes on disk, including lines that no longer parse, count as
// an invalid chain rather than an error; the error return is reserved for
// I/O failures.
func (l *Ledger) Audit(ctx context.Context) (*AuditReport, error) {
	var (
		prev *Entry
		idx  int
	)
	err := l.scan(ctx, func(lineNo int, line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return auditFailure{idx, fmt.Sprintf("line %d is not a valid entry", lineNo)}
		}
		if prev == nil {
			if e.PrevHash != nil {
				return auditFailure{idx, "first entry has a non-null prev_hash"}
			}
		} else if e.PrevHash == nil || *e.PrevHash != prev.SelfHash {
			return auditFailure{idx, fmt.Sprintf("chain broken at entry %d", idx)}
		}
		want, err := ComputeHash(e.Timestamp, e.Payload, e.PrevHash)
		if err != nil {
			return auditFailure{idx, fmt.Sprintf("entry %d cannot be hashed", idx)}
		}
		if want != e.SelfHash {
			return auditFailure{idx, fmt.Sprintf("entry %d hash mismatch", idx)}
		}
		prev = &e
		idx++
		return nil
	})

	var fail auditFailure
	if errors.As(err, &fail) {
		i := fail.index
		return &AuditReport{
			Valid:        false,
			Entries:      fail.index,
			FirstInvalid: &i,
			Reason:       fail.reason,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	report := &AuditReport{Valid: true, Entries: idx}
	if prev != nil {
		report.Root = prev.SelfHash
	}
	return report, nil
}

// VerifyChain reports whether the log's hash chain is intact. Any
// tampering with the file, including bytes that no longer parse as JSON,
// yields false. The error return is reserved for I/O failures.
func (l *Ledger) VerifyChain(ctx context.Context) (bool, error) {
	report, err := l.Audit(ctx)
	if err != nil {
		return false, err
	}
	return report.Valid, nil
}
