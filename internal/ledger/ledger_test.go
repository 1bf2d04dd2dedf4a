package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainlog-io/chainlog/internal/ledger"
)

var ctx = context.Background()

func newLedger(t *testing.T) (*ledger.Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	return ledger.New(path), path
}

func rewrite(t *testing.T, path string, transform func([]byte) []byte) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, transform(b), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestAppend_firstEntryHasNullPrev(t *testing.T) {
	l, _ := newLedger(t)

	e, err := l.Append(ctx, map[string]any{"source": "system", "message": "online"})
	if err != nil {
		t.Fatal(err)
	}
	if e.PrevHash != nil {
		t.Errorf("first entry prev_hash: got %q, want null", *e.PrevHash)
	}

	want, err := ledger.ComputeHash(e.Timestamp, e.Payload, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.SelfHash != want {
		t.Errorf("self_hash: got %q, want %q", e.SelfHash, want)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l, _ := newLedger(t)

	e1, err := l.Append(ctx, map[string]any{"seq": 1})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, map[string]any{"seq": 2})
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash == nil || *e2.PrevHash != e1.SelfHash {
		t.Errorf("chain broken: e2.PrevHash=%v, want e1.SelfHash=%q", e2.PrevHash, e1.SelfHash)
	}
}

func TestAppend_persistsAcrossReopen(t *testing.T) {
	l, path := newLedger(t)
	if _, err := l.Append(ctx, map[string]any{"seq": 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, map[string]any{"seq": 2}); err != nil {
		t.Fatal(err)
	}

	reopened := ledger.New(path)
	if _, err := reopened.Append(ctx, map[string]any{"seq": 3}); err != nil {
		t.Fatal(err)
	}

	entries, err := reopened.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].PrevHash == nil || *entries[2].PrevHash != entries[1].SelfHash {
		t.Errorf("entry 3 not chained to the pre-reopen tail")
	}

	ok, err := reopened.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("chain invalid after reopen")
	}
}

func TestEntries_missingFileIsEmpty(t *testing.T) {
	l, _ := newLedger(t)

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty ledger, got %d entries", len(entries))
	}

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Len(): got %d, want 0", n)
	}

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != "" {
		t.Errorf("Root(): got %q, want empty", root)
	}
}

func TestEntries_roundTripsPayload(t *testing.T) {
	l, _ := newLedger(t)
	if _, err := l.Append(ctx, map[string]any{"source": "agent", "count": 3}); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := entries[0].Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type: got %T", entries[0].Payload)
	}
	if payload["source"] != "agent" {
		t.Errorf("payload source: got %v", payload["source"])
	}
	if payload["count"] != float64(3) {
		t.Errorf("payload count: got %v", payload["count"])
	}
}

func TestEntries_interiorMalformedFailsLoudly(t *testing.T) {
	l, path := newLedger(t)
	if _, err := l.Append(ctx, map[string]any{"seq": 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, map[string]any{"seq": 2}); err != nil {
		t.Fatal(err)
	}

	rewrite(t, path, func(b []byte) []byte {
		lines := bytes.SplitAfter(b, []byte("\n"))
		lines[0] = []byte("not an entry\n")
		return bytes.Join(lines, nil)
	})

	_, err := ledger.New(path).Entries(ctx)
	if !errors.Is(err, ledger.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestAppend_failsOnMalformedTail(t *testing.T) {
	l, path := newLedger(t)
	if _, err := l.Append(ctx, map[string]any{"seq": 1}); err != nil {
		t.Fatal(err)
	}

	rewrite(t, path, func([]byte) []byte {
		return []byte("junk\n")
	})

	_, err := ledger.New(path).Append(ctx, map[string]any{"seq": 2})
	if !errors.Is(err, ledger.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestAppend_toleratesTornTail(t *testing.T) {
	l, path := newLedger(t)
	first, err := l.Append(ctx, map[string]any{"seq": 1})
	if err != nil {
		t.Fatal(err)
	}

	// An interrupted writer leaves a partial line with no newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"timestamp":17`); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := ledger.New(path)

	entries, err := reopened.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("torn tail should be invisible: got %d entries", len(entries))
	}

	second, err := reopened.Append(ctx, map[string]any{"seq": 2})
	if err != nil {
		t.Fatal(err)
	}
	if second.PrevHash == nil || *second.PrevHash != first.SelfHash {
		t.Errorf("append after torn tail chained to %v, want %q", second.PrevHash, first.SelfHash)
	}

	ok, err := reopened.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("chain invalid after torn-tail recovery")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(b, []byte("\n")) {
		t.Errorf("torn bytes were not truncated")
	}
}

func TestAppend_restrictiveFileMode(t *testing.T) {
	l, path := newLedger(t)
	if _, err := l.Append(ctx, map[string]any{"seq": 1}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("ledger file mode: got %o, want 600", perm)
	}
}

func TestLedger_endToEnd(t *testing.T) {
	l, _ := newLedger(t)

	if _, err := l.Append(ctx, map[string]any{"source": "system", "message": "online"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, map[string]any{"source": "agent", "message": "task complete"}); err != nil {
		t.Fatal(err)
	}

	ok, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("fresh chain reported invalid")
	}

	out := filepath.Join(t.TempDir(), "audit", "snapshot.json")
	sigPath, err := l.ExportSignedSnapshot(ctx, out, "")
	if err != nil {
		t.Fatal(err)
	}
	if sigPath != out+".sig" {
		t.Errorf("sig path: got %q, want %q", sigPath, out+".sig")
	}
	if err := ledger.VerifySnapshot(out, sigPath); err != nil {
		t.Errorf("exported snapshot does not verify: %v", err)
	}
}
