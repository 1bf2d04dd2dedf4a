// Package ledger implements a durable, append-only, hash-chained log
// backed by a single JSON-lines file.
//
// Every entry records the SHA-256 of its predecessor, so the file forms a
// tamper-evident chain: editing, reordering, or deleting any line is
// detectable by VerifyChain. Signed snapshots of the full chain can be
// exported for external audit via ExportSignedSnapshot.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Ledger is an append-only log bound to one file. One Ledger instance must
// be the only writer to its file; appends are serialised by an internal
// mutex, while reads open the file independently and never block a writer.
//
// The zero value is not usable; construct with New.
type Ledger struct {
	path string

	mu      sync.Mutex
	scanned bool
	tail    *string // self_hash of the last entry, nil when the log is empty
}

// New returns a Ledger writing to the log file at path. The file is not
// opened or created until the first append.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the log file path the ledger was constructed with.
func (l *Ledger) Path() string {
	return l.path
}

// Append adds payload as a new entry chained to the current tail and
// returns the stored entry. The line is flushed to disk before Append
// returns, so a crash immediately afterwards cannot lose it.
func (l *Ledger) Append(ctx context.Context, payload any) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.scanned {
		if err := l.recoverTailLocked(); err != nil {
			return nil, err
		}
	}

	entry := &Entry{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Payload:   payload,
		PrevHash:  l.tail,
	}
	hash, err := ComputeHash(entry.Timestamp, entry.Payload, entry.PrevHash)
	if err != nil {
		return nil, err
	}
	entry.SelfHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close ledger: %w", err)
	}

	h := entry.SelfHash
	l.tail = &h
	return entry, nil
}

// recoverTailLocked scans the log once to find the hash of the last
// complete entry. A trailing segment without a terminating newline is a
// torn write from an interrupted process: it never became durable, so it
// is truncated away before anything is appended after it.
func (l *Ledger) recoverTailLocked() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.scanned = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var (
		lastLine   []byte
		lastLineNo int
		lineNo     int
		complete   int64 // offset just past the last terminating newline
		torn       bool
	)
	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("scan ledger: %w", readErr)
		}
		if errors.Is(readErr, io.EOF) {
			torn = len(line) > 0
			break
		}
		lineNo++
		complete += int64(len(line))
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lastLine = trimmed
			lastLineNo = lineNo
		}
	}

	if lastLine != nil {
		var e Entry
		if err := json.Unmarshal(lastLine, &e); err != nil {
			return fmt.Errorf("%w: line %d", ErrMalformed, lastLineNo)
		}
		if e.SelfHash == "" {
			return fmt.Errorf("%w: line %d: missing self_hash", ErrMalformed, lastLineNo)
		}
		h := e.SelfHash
		l.tail = &h
	}

	if torn {
		if err := os.Truncate(l.path, complete); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}

	l.scanned = true
	return nil
}

// scan invokes fn for every newline-terminated, non-blank line of the log
// in order, with 1-based line numbers. A missing file is an empty log. A
// trailing segment without a newline is a torn write and is skipped.
func (l *Ledger) scan(ctx context.Context, fn func(lineNo int, line []byte) error) error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close() //nolint:errcheck

	r := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read ledger: %w", readErr)
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		lineNo++
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if err := fn(lineNo, trimmed); err != nil {
			return err
		}
	}
}

// Entries returns every complete entry in the log, oldest first. A missing
// log file yields an empty slice and no error. A malformed interior line
// fails with ErrMalformed: readers are never handed a silently shortened
// chain.
func (l *Ledger) Entries(ctx context.Context) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	err := l.scan(ctx, func(lineNo int, line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%w: line %d", ErrMalformed, lineNo)
		}
		entries = append(entries, &e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Len reports the number of complete entries in the log.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	n := 0
	err := l.scan(ctx, func(int, []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Root returns the self hash of the most recent entry, or "" for an empty
// log.
func (l *Ledger) Root(ctx context.Context) (string, error) {
	var (
		last   []byte
		lastNo int
	)
	err := l.scan(ctx, func(lineNo int, line []byte) error {
		last = line
		lastNo = lineNo
		return nil
	})
	if err != nil {
		return "", err
	}
	if last == nil {
		return "", nil
	}
	var e Entry
	if err := json.Unmarshal(last, &e); err != nil {
		return "", fmt.Errorf("%w: line %d", ErrMalformed, lastNo)
	}
	return e.SelfHash, nil
}
