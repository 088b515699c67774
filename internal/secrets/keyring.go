// Package secrets decrypts Endpoint credentials before a connector opens a
// connection. It is modeled on the teacher's pkg/keyring (system keyring
// with an AES-GCM file-backed fallback for headless hosts) and
// pkg/encryption (RSA-OAEP tenant key pairs), collapsed into a single
// package since this core has only one tenant concept: the local worker
// host.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zalando/go-keyring"
)

// Manager decrypts endpoint passwords, trying the OS keyring first and
// falling back to an encrypted file store when the OS keyring is
// unavailable (containers, headless CI runners).
type Manager struct {
	file    *fileStore
	useFile bool
}

// NewManager probes the system keyring with a bounded timeout and falls
// back to a file-based store at keyringPath, encrypted with a key derived
// from masterPassword.
func NewManager(keyringPath, masterPassword string) *Manager {
	done := make(chan error, 1)
	go func() {
		const svc, key, val = "replication-manager-probe", "probe", "probe"
		err := keyring.Set(svc, key, val)
		if err == nil {
			_ = keyring.Delete(svc, key)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			return &Manager{useFile: false}
		}
	case <-time.After(5 * time.Second):
	}

	return &Manager{file: newFileStore(keyringPath, masterPassword), useFile: true}
}

func (m *Manager) Set(service, user, secret string) error {
	if !m.useFile {
		return keyring.Set(service, user, secret)
	}
	return m.file.Set(service, user, secret)
}

func (m *Manager) Get(service, user string) (string, error) {
	if !m.useFile {
		return keyring.Get(service, user)
	}
	return m.file.Get(service, user)
}

// DecryptEndpointPassword decrypts an Endpoint's at-rest password field
// using the per-endpoint data key stored under (service="endpoint",
// user=endpointID) in the keyring, falling back to returning ciphertext
// verbatim when no data key is registered (local/dev endpoints whose
// passwords are stored in the clear, matching the original's behavior of
// reading source.password directly).
func (m *Manager) DecryptEndpointPassword(endpointID, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	dataKey, err := m.Get("endpoint", endpointID)
	if err != nil {
		return ciphertext, nil
	}
	key := sha256.Sum256([]byte(dataKey))
	return decryptAESGCM(key[:], ciphertext)
}

func decryptAESGCM(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// fileStore is a minimal file-backed keyring, used when the OS keyring is
// unavailable.
type fileStore struct {
	path      string
	masterKey []byte
}

type fileEntry struct {
	Service string `json:"service"`
	User    string `json:"user"`
	Data    string `json:"data"`
}

func newFileStore(path, masterPassword string) *fileStore {
	os.MkdirAll(filepath.Dir(path), 0o700)
	hash := sha256.Sum256([]byte(masterPassword))
	return &fileStore{path: path, masterKey: hash[:]}
}

func (f *fileStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(f.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (f *fileStore) decrypt(ciphertext string) (string, error) {
	return decryptAESGCM(f.masterKey, ciphertext)
}

func (f *fileStore) loadAll() (map[string]fileEntry, error) {
	entries := make(map[string]fileEntry)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (f *fileStore) Set(service, user, secret string) error {
	entries, err := f.loadAll()
	if err != nil {
		return err
	}
	enc, err := f.encrypt(secret)
	if err != nil {
		return err
	}
	entries[service+":"+user] = fileEntry{Service: service, User: user, Data: enc}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *fileStore) Get(service, user string) (string, error) {
	entries, err := f.loadAll()
	if err != nil {
		return "", err
	}
	entry, ok := entries[service+":"+user]
	if !ok {
		return "", fmt.Errorf("secrets: no entry for %s:%s", service, user)
	}
	return f.decrypt(entry.Data)
}

// DefaultKeyringPath mirrors the teacher's GetDefaultKeyringPath, scoped to
// this project's own directory name.
func DefaultKeyringPath() string {
	if p := os.Getenv("REPL_KEYRING_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/replication-manager-keyring.json"
	}
	return filepath.Join(home, ".local", "share", "replication-manager", "keyring.json")
}
