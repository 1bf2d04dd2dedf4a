// Package service contains the business logic for the custody API: it
// wraps the append-only ledger and fans successful operations out to the
// optional collaborators (archive mirror, webhooks, metrics).
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chainlog-io/chainlog/internal/custody/repository"
	"github.com/chainlog-io/chainlog/internal/keyring"
	"github.com/chainlog-io/chainlog/internal/ledger"
	"github.com/chainlog-io/chainlog/internal/webhooks"
	"github.com/chainlog-io/chainlog/pkg/signing"
)

// ErrEntryNotFound is returned when a chain index is out of range.
var ErrEntryNotFound = errors.New("entry not found")

// ErrNoKeyring is returned by key-backed operations when no keyring is
// configured.
var ErrNoKeyring = errors.New("no keyring configured")

// ErrAmbiguousKey is returned when an export names a keyring key and
// supplies raw key material at the same time.
var ErrAmbiguousKey = errors.New("key name and key material are mutually exclusive")

// ErrNoArchive is returned by archive read operations when no query
// mirror is configured.
var ErrNoArchive = errors.New("no archive configured")

// EventDispatcher fans custody events out to registered subscribers.
// *webhooks.Service satisfies this interface.
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// ArchiveWriter mirrors appended entries into a query index.
// *repository.ArchiveRepository satisfies this interface.
type ArchiveWriter interface {
	Insert(ctx context.Context, ts float64, payload any, prevHash *string, selfHash string) error
}

// ArchiveQuerier serves reads from the query mirror. SetArchive upgrades
// any ArchiveWriter that also implements it, so a write-only mirror stays
// valid and the read operations report ErrNoArchive.
type ArchiveQuerier interface {
	List(ctx context.Context, limit, offset int) ([]*repository.ArchivedEntry, error)
	ListRange(ctx context.Context, from, to float64, limit int) ([]*repository.ArchivedEntry, error)
	Count(ctx context.Context) (int, error)
	Latest(ctx context.Context) (*repository.ArchivedEntry, error)
}

// AppendRecorder counts successful appends for metrics.
type AppendRecorder func()

// Custody orchestrates the append-only ledger. The ledger is the only
// required collaborator; everything else degrades to a no-op when unset.
type Custody struct {
	ledger       *ledger.Ledger
	keys         *keyring.Manager // nil = no named-key operations
	archive      ArchiveWriter    // nil = no archive mirror
	archiveQuery ArchiveQuerier   // nil = archive reads unavailable
	dispatcher   EventDispatcher  // nil = no webhook dispatch
	onAppend     AppendRecorder   // nil = no metrics
	snapshotDir  string
	logger       *zap.Logger
}

// New creates a custody service over the given ledger.
func New(l *ledger.Ledger, logger *zap.Logger) *Custody {
	return &Custody{
		ledger:      l,
		snapshotDir: "snapshots",
		logger:      logger,
	}
}

// SetKeyring enables named-key signing and rotation.
func (s *Custody) SetKeyring(keys *keyring.Manager) {
	s.keys = keys
}

// SetArchive enables the PostgreSQL query mirror.
func (s *Custody) SetArchive(a ArchiveWriter) {
	s.archive = a
	s.archiveQuery, _ = a.(ArchiveQuerier)
}

// SetDispatcher enables webhook notifications.
func (s *Custody) SetDispatcher(d EventDispatcher) {
	s.dispatcher = d
}

// SetAppendRecorder enables append metrics.
func (s *Custody) SetAppendRecorder(fn AppendRecorder) {
	s.onAppend = fn
}

// SetSnapshotDir overrides the default directory for exports that do not
// name an output path.
func (s *Custody) SetSnapshotDir(dir string) {
	if dir != "" {
		s.snapshotDir = dir
	}
}

// Record appends a payload to the ledger and mirrors the new entry to the
// optional collaborators. The file append is the only authoritative
// effect: mirror and webhook failures are logged, never returned.
func (s *Custody) Record(ctx context.Context, payload any) (*ledger.Entry, error) {
	entry, err := s.ledger.Append(ctx, payload)
	if err != nil {
		return nil, err
	}

	if s.archive != nil {
		if err := s.archive.Insert(ctx, entry.Timestamp, entry.Payload, entry.PrevHash, entry.SelfHash); err != nil {
			s.logger.Warn("archive mirror failed (non-fatal)",
				zap.String("self_hash", entry.SelfHash),
				zap.Error(err))
		}
	}
	if s.onAppend != nil {
		s.onAppend()
	}
	s.dispatch(ctx, webhooks.EventEntryAppended, map[string]string{
		"self_hash": entry.SelfHash,
	})

	return entry, nil
}

// History returns entries in chain order with limit/offset slicing, plus
// the total chain length.
func (s *Custody) History(ctx context.Context, limit, offset int) ([]*ledger.Entry, int, error) {
	entries, err := s.ledger.Entries(ctx)
	if err != nil {
		return nil, 0, err
	}

	total := len(entries)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return entries[offset:end], total, nil
}

// EntryAt returns the entry at the zero-based chain index.
func (s *Custody) EntryAt(ctx context.Context, idx int) (*ledger.Entry, error) {
	entries, err := s.ledger.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(entries) {
		return nil, ErrEntryNotFound
	}
	return entries[idx], nil
}

// Overview returns the chain length and current root hash.
func (s *Custody) Overview(ctx context.Context) (int, string, error) {
	n, err := s.ledger.Len(ctx)
	if err != nil {
		return 0, "", err
	}
	root, err := s.ledger.Root(ctx)
	if err != nil {
		return 0, "", err
	}
	return n, root, nil
}

// Audit walks the full chain and reports the first violation, if any.
func (s *Custody) Audit(ctx context.Context) (*ledger.AuditReport, error) {
	return s.ledger.Audit(ctx)
}

// ArchivedEntries pages through the query mirror in ledger order and
// returns the mirrored total.
func (s *Custody) ArchivedEntries(ctx context.Context, limit, offset int) ([]*repository.ArchivedEntry, int, error) {
	if s.archiveQuery == nil {
		return nil, 0, ErrNoArchive
	}
	rows, err := s.archiveQuery.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.archiveQuery.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ArchivedRange returns mirrored entries whose ledger timestamp falls in
// [from, to). to = 0 leaves the upper bound open.
func (s *Custody) ArchivedRange(ctx context.Context, from, to float64, limit int) ([]*repository.ArchivedEntry, error) {
	if s.archiveQuery == nil {
		return nil, ErrNoArchive
	}
	return s.archiveQuery.ListRange(ctx, from, to, limit)
}

// ArchivedLatest returns the most recently mirrored entry.
func (s *Custody) ArchivedLatest(ctx context.Context) (*repository.ArchivedEntry, error) {
	if s.archiveQuery == nil {
		return nil, ErrNoArchive
	}
	return s.archiveQuery.Latest(ctx)
}

// ExportResult describes a completed snapshot export.
type ExportResult struct {
	SnapshotPath  string `json:"snapshot_path"`
	SignaturePath string `json:"signature_path"`
	PubHex        string `json:"pub_hex"`
	Entries       int    `json:"entries"`
}

// Export writes a signed snapshot of the full chain. keyName selects a
// keyring key, keyHex supplies seed material directly, and leaving both
// empty signs with a one-off ephemeral keypair. An empty outputPath lands
// the snapshot in the configured snapshot directory under a timestamped
// name.
func (s *Custody) Export(ctx context.Context, outputPath, keyName, keyHex string) (*ExportResult, error) {
	if keyName != "" && keyHex != "" {
		return nil, ErrAmbiguousKey
	}
	if keyName != "" {
		if s.keys == nil {
			return nil, ErrNoKeyring
		}
		kp, err := s.keys.Load(keyName)
		if err != nil {
			return nil, err
		}
		keyHex = kp.PrivateHex
	}
	if outputPath == "" {
		name := fmt.Sprintf("snapshot-%s.json", time.Now().UTC().Format("20060102T150405Z"))
		outputPath = filepath.Join(s.snapshotDir, name)
	}

	sigPath, err := s.ledger.ExportSignedSnapshot(ctx, outputPath, keyHex)
	if err != nil {
		return nil, err
	}
	env, err := signing.ReadEnvelope(sigPath)
	if err != nil {
		return nil, err
	}
	n, err := s.ledger.Len(ctx)
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, webhooks.EventSnapshotExported, map[string]string{
		"snapshot_path": outputPath,
		"pub_hex":       env.PubHex,
	})

	return &ExportResult{
		SnapshotPath:  outputPath,
		SignaturePath: sigPath,
		PubHex:        env.PubHex,
		Entries:       n,
	}, nil
}

// VerifySnapshot checks a snapshot file against its detached signature.
// An empty sigPath defaults to the snapshot path plus ".sig".
func (s *Custody) VerifySnapshot(snapshotPath, sigPath string) error {
	if sigPath == "" {
		sigPath = snapshotPath + ".sig"
	}
	return ledger.VerifySnapshot(snapshotPath, sigPath)
}

// RotateKey retires a named keypair, generates its replacement and
// announces the new public key.
func (s *Custody) RotateKey(ctx context.Context, name string) (keyring.Info, error) {
	if s.keys == nil {
		return keyring.Info{}, ErrNoKeyring
	}
	kp, err := s.keys.Rotate(name)
	if err != nil {
		return keyring.Info{}, err
	}

	s.dispatch(ctx, webhooks.EventKeyRotated, map[string]string{
		"name":    name,
		"pub_hex": kp.PublicHex,
	})
	return kp.Info(), nil
}

// SignPayload signs an arbitrary document with a named keyring key.
func (s *Custody) SignPayload(name string, payload any) (*signing.SignedPayload, error) {
	if s.keys == nil {
		return nil, ErrNoKeyring
	}
	kp, err := s.keys.Load(name)
	if err != nil {
		return nil, err
	}
	return signing.SignPayload(kp.PrivateHex, name, payload)
}

// Status summarizes the custody subsystems.
type Status struct {
	LedgerPath string  `json:"ledger_path"`
	Entries    int     `json:"entries"`
	Root       string  `json:"root,omitempty"`
	ChainValid bool    `json:"chain_valid"`
	Keys       int     `json:"keys"`
	Archive    bool    `json:"archive"`
	Webhooks   bool    `json:"webhooks"`
	CheckedAt  float64 `json:"checked_at"`
}

// Status audits the chain and reports the state of each subsystem.
func (s *Custody) Status(ctx context.Context) (*Status, error) {
	report, err := s.ledger.Audit(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		LedgerPath: s.ledger.Path(),
		Entries:    report.Entries,
		Root:       report.Root,
		ChainValid: report.Valid,
		Archive:    s.archive != nil,
		Webhooks:   s.dispatcher != nil,
		CheckedAt:  float64(time.Now().UnixNano()) / 1e9,
	}
	if s.keys != nil {
		infos, err := s.keys.List()
		if err != nil {
			return nil, err
		}
		st.Keys = len(infos)
	}
	return st, nil
}

func (s *Custody) dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, eventType, payload)
}
