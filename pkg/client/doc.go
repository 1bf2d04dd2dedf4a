// Package client is the Go SDK for chainlogd, the custody ledger daemon.
//
// It covers the full custody API: appending entries, reading the chain
// back, running integrity audits and working with signed snapshots.
//
// # Connecting
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(os.Getenv("CHAINLOG_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Appending entries
//
// Any JSON-encodable value can be recorded. The server returns the stored
// entry, including its position in the hash chain:
//
//	entry, err := c.Append(ctx, map[string]any{
//	    "source":  "billing",
//	    "message": "invoice 1042 issued",
//	})
//
// # Verifying the chain
//
// Verify returns a verdict, never an error, for a tampered chain. Check
// the Valid field:
//
//	result, err := c.Verify(ctx)
//	if err != nil {
//	    log.Fatal(err) // transport problem, not a tamper verdict
//	}
//	if !result.Valid {
//	    log.Printf("chain violation: %s", result.Reason)
//	}
//
// # Signed snapshots
//
// Export writes a snapshot plus a detached Ed25519 signature on the
// server's filesystem and reports where both landed:
//
//	res, err := c.Export(ctx, client.ExportRequest{KeyName: "audit"})
package client
