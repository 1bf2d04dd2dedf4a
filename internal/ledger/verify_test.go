package ledger_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainlog-io/chainlog/internal/ledger"
)

func TestVerifyChain_emptyLog(t *testing.T) {
	l, _ := newLedger(t)

	ok, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("empty log should verify")
	}
}

func TestVerifyChain_validChain(t *testing.T) {
	l, _ := newLedger(t)
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(ctx, map[string]any{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}

	report, err := l.Audit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("valid chain reported invalid: %s", report.Reason)
	}
	if report.Entries != 3 {
		t.Errorf("entries: got %d, want 3", report.Entries)
	}

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Root != root {
		t.Errorf("report root %q != ledger root %q", report.Root, root)
	}
}

func TestVerifyChain_detectsPayloadTamper(t *testing.T) {
	l, path := newLedger(t)
	if _, err := l.Append(ctx, map[string]any{"message": "online"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, map[string]any{"message": "working"}); err != nil {
		t.Fatal(err)
	}

	rewrite(t, path, func(b []byte) []byte {
		return bytes.Replace(b, []byte("online"), []byte("offline"), 1)
	})

	ok, err := ledger.New(path).VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("tampered payload went undetected")
	}
}

func TestVerifyChain_detectsReorder(t *testing.T) {
	l, path := newLedger(t)
	for i := 1; i <= 2; i++ {
		if _, err := l.Append(ctx, map[string]any{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}

	rewrite(t, path, func(b []byte) []byte {
		lines := bytes.SplitAfter(b, []byte("\n"))
		lines[0], lines[1] = lines[1], lines[0]
		return bytes.Join(lines, nil)
	})

	ok, err := ledger.New(path).VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("reordered entries went undetected")
	}
}

func TestVerifyChain_detectsDeletion(t *testing.T) {
	l, path := newLedger(t)
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(ctx, map[string]any{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}

	rewrite(t, path, func(b []byte) []byte {
		lines := bytes.SplitAfter(b, []byte("\n"))
		return bytes.Join(append(lines[:1], lines[2:]...), nil)
	})

	ok, err := ledger.New(path).VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("deleted entry went undetected")
	}
}

func TestVerifyChain_detectsByteFlip(t *testing.T) {
	l, path := newLedger(t)
	for i := 1; i <= 3; i++ {
		if _, err := l.Append(ctx, map[string]any{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}

	rewrite(t, path, func(b []byte) []byte {
		b[len(b)/2] ^= 0xff
		return b
	})

	ok, err := ledger.New(path).VerifyChain(ctx)
	if err != nil {
		t.Fatalf("byte flip must yield a false verdict, not an error: %v", err)
	}
	if ok {
		t.Errorf("flipped byte went undetected")
	}
}

func TestVerifyChain_malformedLineIsInvalidNotError(t *testing.T) {
	l, path := newLedger(t)
	if _, err := l.Append(ctx, map[string]any{"seq": 1}); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("garbage line\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	ok, err := ledger.New(path).VerifyChain(ctx)
	if err != nil {
		t.Fatalf("expected false verdict, got error: %v", err)
	}
	if ok {
		t.Errorf("garbage line went undetected")
	}
}

func TestVerifyChain_firstEntryMustHaveNullPrev(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	// Self-consistent hash but a forged prev_hash on the first entry.
	prev := "deadbeef"
	payload := map[string]any{"seq": 1}
	hash, err := ledger.ComputeHash(1000.5, payload, &prev)
	if err != nil {
		t.Fatal(err)
	}
	line, err := json.Marshal(ledger.Entry{
		Timestamp: 1000.5,
		Payload:   payload,
		PrevHash:  &prev,
		SelfHash:  hash,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(line, '\n'), 0o600); err != nil {
		t.Fatal(err)
	}

	ok, err := ledger.New(path).VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("non-null prev_hash on first entry went undetected")
	}
}

func TestAudit_reportsFirstInvalid(t *testing.T) {
	l, path := newLedger(t)
	for _, m := range []string{"alpha", "beta", "gamma"} {
		if _, err := l.Append(ctx, map[string]any{"message": m}); err != nil {
			t.Fatal(err)
		}
	}

	rewrite(t, path, func(b []byte) []byte {
		return bytes.Replace(b, []byte("beta"), []byte("BETA"), 1)
	})

	report, err := ledger.New(path).Audit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatalf("tampered chain reported valid")
	}
	if report.FirstInvalid == nil || *report.FirstInvalid != 1 {
		t.Errorf("first invalid: got %v, want 1", report.FirstInvalid)
	}
	if report.Reason == "" {
		t.Errorf("expected a reason")
	}
}
