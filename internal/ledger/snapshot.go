package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainlog-io/chainlog/pkg/canonjson"
	"github.com/chainlog-io/chainlog/pkg/signing"
)

// Snapshot is the exported document format: the full entry list plus the
// export time, pretty-printed for human review.
type Snapshot struct {
	CreatedAt float64  `json:"created_at"`
	Entries   []*Entry `json:"entries"`
}

// ExportSignedSnapshot writes a signed snapshot of the full ledger.
//
// The snapshot document is pretty-printed to outputPath (parent
// directories are created as needed) and a detached signature envelope is
// written to outputPath + ".sig", whose path is returned. The signature
// covers the canonical serialization of the document, so reindenting or
// key-reordering the snapshot file does not invalidate it while any change
// to its content does.
//
// signingKeyHex, when non-empty, must be a hex-encoded 32-byte Ed25519
// seed; it is validated before anything is read or written. When empty, a
// fresh keypair is generated for this export and its private half is
// discarded: the public key inside the envelope is the only part that
// survives.
func (l *Ledger) ExportSignedSnapshot(ctx context.Context, outputPath, signingKeyHex string) (string, error) {
	var priv ed25519.PrivateKey
	if signingKeyHex != "" {
		p, err := signing.DecodePrivateHex(signingKeyHex)
		if err != nil {
			return "", err
		}
		priv = p
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		return "", err
	}

	if priv == nil {
		_, p, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", fmt.Errorf("generate snapshot key: %w", err)
		}
		priv = p
	}

	snap := &Snapshot{
		CreatedAt: float64(time.Now().UnixNano()) / 1e9,
		Entries:   entries,
	}
	doc, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := canonjson.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}

	if dir := filepath.Dir(outputPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, append(doc, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	env := signing.Envelope{
		SignatureB64: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical)),
		PubHex:       signing.PublicHex(priv),
	}
	sigPath := outputPath + ".sig"
	if err := signing.WriteEnvelope(sigPath, env); err != nil {
		return "", err
	}
	return sigPath, nil
}

// VerifySnapshot checks a snapshot file against its detached signature
// envelope. The canonical form is re-derived from the document as parsed,
// so formatting changes to the file are irrelevant; content changes are
// not.
func VerifySnapshot(snapshotPath, sigPath string) error {
	doc, err := os.ReadFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap any
	if err := json.Unmarshal(doc, &snap); err != nil {
		return fmt.Errorf("%w: snapshot is not valid JSON", ErrMalformed)
	}
	canonical, err := canonjson.Marshal(snap)
	if err != nil {
		return fmt.Errorf("canonicalize snapshot: %w", err)
	}
	env, err := signing.ReadEnvelope(sigPath)
	if err != nil {
		return err
	}
	return signing.Verify(env.PubHex, canonical, env.SignatureB64)
}
