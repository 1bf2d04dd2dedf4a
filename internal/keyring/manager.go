// Package keyring manages named Ed25519 keypairs on disk and the operator
// tokens signed with them.
//
// Each keypair lives in its own JSON file under the keyring directory. The
// directory is created with mode 0700 and key files with mode 0600;
// private material never leaves this package except through Signer and the
// keypair document itself.
package keyring

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"crypto/ed25519"

	"github.com/chainlog-io/chainlog/pkg/signing"
)

var (
	ErrKeyExists   = errors.New("keypair already exists")
	ErrKeyNotFound = errors.New("keypair not found")
	ErrInvalidName = errors.New("invalid key name")
)

// Keypair is the on-disk document for one named Ed25519 keypair.
type Keypair struct {
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	PrivateHex string    `json:"private_hex"`
	PublicHex  string    `json:"public_hex"`
	PublicB64  string    `json:"public_b64"`
}

// Info is the public view of a keypair, safe to return over the API.
type Info struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	PublicHex string    `json:"public_hex"`
	PublicB64 string    `json:"public_b64"`
}

// Info returns the public fields of the keypair.
func (k *Keypair) Info() Info {
	return Info{
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		PublicHex: k.PublicHex,
		PublicB64: k.PublicB64,
	}
}

// Signer returns the decoded private key.
func (k *Keypair) Signer() (ed25519.PrivateKey, error) {
	return signing.DecodePrivateHex(k.PrivateHex)
}

// Manager stores named keypairs in a single directory.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir. The directory is created on
// first key generation, not here.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Dir returns the keyring directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+".json")
}

// validName guards against path traversal through key names.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidName, name)
		}
	}
	return nil
}

// LoadOrCreate loads the named keypair if it exists and generates and
// persists a fresh one otherwise.
func (m *Manager) LoadOrCreate(name string) (*Keypair, error) {
	kp, err := m.Load(name)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	return m.Generate(name)
}

// Generate creates a new named keypair and writes it to disk. It fails
// with ErrKeyExists when the name is already taken.
func (m *Manager) Generate(name string) (*Keypair, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(m.path(name)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, name)
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keyring dir %q: %w", m.dir, err)
	}

	privHex, pubHex, err := signing.GenerateKeypairHex()
	if err != nil {
		return nil, err
	}
	pub, err := signing.DecodePublicHex(pubHex)
	if err != nil {
		return nil, err
	}
	kp := &Keypair{
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		PrivateHex: privHex,
		PublicHex:  pubHex,
		PublicB64:  base64.StdEncoding.EncodeToString(pub),
	}
	if err := m.write(kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// Load reads and validates the named keypair.
func (m *Manager) Load(name string) (*Keypair, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(m.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read keypair %q: %w", name, err)
	}
	var kp Keypair
	if err := json.Unmarshal(b, &kp); err != nil {
		return nil, fmt.Errorf("parse keypair %q: %w", name, err)
	}
	if _, err := signing.DecodePrivateHex(kp.PrivateHex); err != nil {
		return nil, fmt.Errorf("keypair %q: %w", name, err)
	}
	return &kp, nil
}

// List returns the public info of every keypair in the directory sorted by
// name, archived keys included.
func (m *Manager) List() ([]Info, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring dir: %w", err)
	}

	infos := make([]Info, 0, len(dirEntries))
	for _, ent := range dirEntries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		kp, err := m.Load(strings.TrimSuffix(ent.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		infos = append(infos, kp.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Rotate generates a replacement keypair under the same name. The previous
// key file is preserved under an archival name so signatures made with the
// old key remain verifiable.
func (m *Manager) Rotate(name string) (*Keypair, error) {
	old, err := m.Load(name)
	if err != nil {
		return nil, err
	}

	archived := *old
	archived.Name = fmt.Sprintf("%s_archived_%s", old.Name, time.Now().UTC().Format("20060102T150405Z"))
	if err := m.write(&archived); err != nil {
		return nil, err
	}
	if err := os.Remove(m.path(name)); err != nil {
		return nil, fmt.Errorf("remove rotated keypair %q: %w", name, err)
	}
	return m.Generate(name)
}

func (m *Manager) write(kp *Keypair) error {
	b, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keypair: %w", err)
	}
	if err := os.WriteFile(m.path(kp.Name), append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("write keypair %q: %w", kp.Name, err)
	}
	return nil
}
