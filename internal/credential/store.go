// Package credential implements the on-disk credential store: an
// AES-256-GCM encrypted JSON file holding the opaque auth blocks handed to
// upstream HTTP transports.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/google/uuid"
)

const fileVersion = 1

// ErrNotFound is returned by Get when no credential is stored under a key.
var ErrNotFound = errors.New("credential not found")

// ErrWrongKey is returned when decryption fails: a bad master key or a
// corrupt file. The store never auto-recovers from this by regenerating the
// file, per the spec's data-loss-prevention requirement.
var ErrWrongKey = errors.New("credential store: wrong master key or corrupt data")

// masterKeyLen is the AES-256 key size in bytes.
const masterKeyLen = 32

// Kind tags the two supported credential shapes.
type Kind string

const (
	KindBearer Kind = "bearer"
	KindOAuth2 Kind = "oauth2"
)

// Credential is a passthrough-only auth block: the bridge stores and hands
// it to the upstream transport's auth passthrough, never executing an OAuth
// flow itself.
type Credential struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Token        string   `json:"token,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// fileContents is the plaintext JSON shape encrypted as a whole and written
// to disk.
type fileContents struct {
	Version     int                   `json:"version"`
	Credentials map[string]Credential `json:"credentials"`
}

// Store is the encrypted on-disk credential table. Not safe for concurrent
// read-modify-write from multiple processes, per the spec's Non-goals; the
// bridge itself never invokes it concurrently.
type Store struct {
	path string
	key  [masterKeyLen]byte
}

// Open constructs a Store backed by path, using key as the AES-256-GCM
// master key. Use MasterKeyFromEnv or DeriveKey to obtain key.
func Open(path string, key [masterKeyLen]byte) *Store {
	return &Store{path: path, key: key}
}

// MasterKeyFromEnv decodes MCP_BRIDGE_MASTER_KEY (64 hex characters) if set.
// A store opened with an env-provided key is "read-only with respect to the
// key itself": the bridge never writes a derived key back to disk.
func MasterKeyFromEnv() (key [masterKeyLen]byte, ok bool, err error) {
	raw := os.Getenv("MCP_BRIDGE_MASTER_KEY")
	if raw == "" {
		return key, false, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != masterKeyLen {
		return key, false, fmt.Errorf("MCP_BRIDGE_MASTER_KEY must be %d hex-encoded bytes", masterKeyLen)
	}
	copy(key[:], decoded)
	return key, true, nil
}

// argon2idTime/Memory/Threads mirror the OWASP-minimum parameter table the
// teacher's internal/domain/auth/api_key.go already uses for its Argon2id
// API-key hashing (47 MiB memory, 1 iteration, 1 thread). alexedwards/argon2id
// only exposes random-salt hash generation (fit for one-shot password
// verification), not a deterministic derive-with-explicit-salt call; since
// the credential store must re-derive the identical key across process
// restarts from a persisted, non-secret salt, this calls the underlying
// golang.org/x/crypto/argon2 KDF directly with the same parameter values
// instead of going through the teacher's wrapper.
const (
	argon2idTime    = 1
	argon2idMemory  = 47 * 1024
	argon2idThreads = 1
)

// saltPath returns the sidecar file that holds the (non-secret) Argon2id
// salt alongside the encrypted credential file.
func saltPath(storePath string) string {
	return storePath + ".salt"
}

// DeriveKey derives the AES-256-GCM master key from passphrase using
// Argon2id, reading (or creating) a persisted random salt at
// path+".salt" so repeated calls across process restarts reproduce the same
// key from the same passphrase.
func DeriveKey(passphrase, path string) (key [masterKeyLen]byte, err error) {
	salt, err := loadOrCreateSalt(saltPath(path))
	if err != nil {
		return key, err
	}
	derived := argon2.IDKey([]byte(passphrase), salt, argon2idTime, argon2idMemory, argon2idThreads, masterKeyLen)
	copy(key[:], derived)
	return key, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	existing, err := os.ReadFile(path)
	if err == nil {
		return existing, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt file %q: %w", path, err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := writeFileAtomic(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("writing salt file %q: %w", path, err)
	}
	return salt, nil
}

// Load reads and decrypts the store's file. A missing file is treated as an
// empty, freshly-initialized store rather than an error.
func (s *Store) Load() (map[string]Credential, error) {
	ciphertext, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("reading credential store %q: %w", s.path, err)
	}

	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, err
	}

	var contents fileContents
	if err := json.Unmarshal(plaintext, &contents); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	if contents.Credentials == nil {
		contents.Credentials = map[string]Credential{}
	}
	return contents.Credentials, nil
}

// Get returns the credential stored under key.
func (s *Store) Get(key string) (Credential, error) {
	creds, err := s.Load()
	if err != nil {
		return Credential{}, err
	}
	cred, ok := creds[key]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return cred, nil
}

// Set stores (or overwrites) the credential under key, assigning a fresh
// record ID if one is not already set.
func (s *Store) Set(key string, cred Credential) error {
	creds, err := s.Load()
	if err != nil {
		return err
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	creds[key] = cred
	return s.save(creds)
}

// Delete removes the credential stored under key. Deleting an absent key is
// a no-op.
func (s *Store) Delete(key string) error {
	creds, err := s.Load()
	if err != nil {
		return err
	}
	delete(creds, key)
	return s.save(creds)
}

// List returns the set of keys currently stored, without their secrets.
func (s *Store) List() ([]string, error) {
	creds, err := s.Load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) save(creds map[string]Credential) error {
	contents := fileContents{Version: fileVersion, Credentials: creds}
	plaintext, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("marshaling credential store: %w", err)
	}

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, ciphertext, 0o600)
}

// encrypt returns nonce||ciphertext||tag, using a fresh random 12-byte nonce
// per write (AES-256-GCM's standard nonce size).
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt splits the stored nonce||ciphertext||tag envelope and opens it,
// returning ErrWrongKey for any authentication failure or malformed input —
// this store never tries to interpret a corrupt or wrongly-keyed file.
func (s *Store) decrypt(data []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: file too short", ErrWrongKey)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	return plaintext, nil
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// writeFileAtomic writes data to path via a temp file in the same
// directory, fsync, then rename — mirroring the teacher's
// internal/adapter/outbound/state/store.go write sequence.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}
