//go:build ignore

// verify-snapshots.go sweeps a directory of exported snapshots and checks
// every *.json file against its detached .sig signature.
//
// Run with: go run scripts/verify-snapshots.go [dir]
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chainlog-io/chainlog/internal/ledger"
)

type result struct {
	snapshot string
	ok       bool
	err      string
	latency  time.Duration
}

func check(snapshot string) result {
	sig := snapshot + ".sig"
	start := time.Now()

	if _, err := os.Stat(sig); err != nil {
		return result{snapshot: snapshot, err: "signature file missing", latency: time.Since(start)}
	}

	if err := ledger.VerifySnapshot(snapshot, sig); err != nil {
		// Simplify long errors for display
		msg := err.Error()
		if len(msg) > 72 {
			msg = msg[:72] + "..."
		}
		return result{snapshot: snapshot, err: msg, latency: time.Since(start)}
	}
	return result{snapshot: snapshot, ok: true, latency: time.Since(start)}
}

func main() {
	dir := "snapshots"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", dir, err)
		os.Exit(1)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		fmt.Printf("no snapshots under %s\n", dir)
		return
	}

	jobs := make(chan string, len(files))
	results := make(chan result, len(files))

	// Worker pool — 8 concurrent verifications
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				results <- check(f)
			}
		}()
	}

	for _, f := range files {
		jobs <- f
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []result
	checked := 0
	for r := range results {
		checked++
		fmt.Printf("\r  verifying... %d/%d", checked, len(files))
		all = append(all, r)
	}
	fmt.Printf("\r  done — %d snapshot(s) checked\n\n", len(files))

	sort.Slice(all, func(i, j int) bool {
		return all[i].snapshot < all[j].snapshot
	})

	valid := 0
	for _, r := range all {
		if r.ok {
			valid++
		}
	}
	failed := len(all) - valid

	// ── Report ────────────────────────────────────────────────────────────────
	fmt.Printf("══════════════════════════════════════════════════════\n")
	fmt.Printf("  ChainLog Snapshot Sweep — %s\n", dir)
	fmt.Printf("  Valid: %d  |  Failed: %d\n", valid, failed)
	fmt.Printf("══════════════════════════════════════════════════════\n\n")

	for _, r := range all {
		if r.ok {
			fmt.Printf("  ✓ %s  (%dms)\n", r.snapshot, r.latency.Milliseconds())
		} else {
			fmt.Printf("  ✗ %s\n      %s\n", r.snapshot, r.err)
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d snapshot(s) failed verification\n", failed)
		os.Exit(1)
	}
}
