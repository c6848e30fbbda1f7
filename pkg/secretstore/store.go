// Package secretstore implements the Encrypted Config Store (spec §4.8): an
// opaque provider-secret map encrypted at rest with AES-256-GCM, keyed by a
// scrypt-derived key, in the "saltHex:ivHex:authTagHex:ciphertextHex" wire
// format.
package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/scrypt"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
)

const (
	ivSize   = 16
	tagSize  = 16
	keySize  = 32
	saltSize = 16
	scryptN  = 1 << 15
	scryptR  = 8
	scryptP  = 1
)

// Entry is one provider's stored secret: either an opaque string or a
// structured config object, per spec §4.8.
type Entry struct {
	Secret     string         `json:"secret,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
}

// Validate enforces the minimal schema for structured entries: a
// URL-bearing provider must include a string "url", per spec §4.8.
func (e Entry) Validate() error {
	if e.Structured == nil {
		return nil
	}
	if _, hasURLKey := e.Structured["url"]; hasURLKey {
		if _, ok := e.Structured["url"].(string); !ok {
			return mcperrors.New(mcperrors.KindSchemaInvalid, "structured entry \"url\" must be a string", nil)
		}
	}
	return nil
}

// onDiskFile is the plaintext envelope once decrypted: a salt for key
// derivation plus the provider map.
type onDiskFile struct {
	Salt      string           `json:"salt"`
	Providers map[string]Entry `json:"providers"`
}

// Store is a single-writer-per-process encrypted JSON file.
type Store struct {
	path       string
	passphrase []byte
}

// New creates a Store at path, deriving its key from passphrase (a
// process-scoped secret; spec §4.8 leaves the source implementation
// chosen, constant within a run).
func New(path string, passphrase []byte) *Store {
	return &Store{path: path, passphrase: passphrase}
}

// GetAll decrypts and returns every stored entry, tolerating a missing
// file as empty.
func (s *Store) GetAll() (map[string]Entry, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindIOError, fmt.Sprintf("reading %s", s.path), err)
	}

	plaintext, salt, err := s.decrypt(raw)
	if err != nil {
		return nil, err
	}

	var file onDiskFile
	if err := json.Unmarshal(plaintext, &file); err != nil {
		return nil, mcperrors.New(mcperrors.KindInvalidEncryptedFormat, "invalid encrypted data format", err)
	}
	_ = salt
	if file.Providers == nil {
		return map[string]Entry{}, nil
	}
	return file.Providers, nil
}

// Get returns a single provider's entry.
func (s *Store) Get(providerName string) (Entry, bool, error) {
	all, err := s.GetAll()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := all[providerName]
	return e, ok, nil
}

// Set upserts providerName's entry and re-encrypts the whole file with a
// fresh random IV, per spec §4.8.
func (s *Store) Set(providerName string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	all, err := s.GetAll()
	if err != nil {
		return err
	}
	all[providerName] = entry
	return s.writeAll(all)
}

// Delete removes a provider's entry.
func (s *Store) Delete(providerName string) error {
	all, err := s.GetAll()
	if err != nil {
		return err
	}
	delete(all, providerName)
	return s.writeAll(all)
}

func (s *Store) writeAll(providers map[string]Entry) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "generating salt", err)
	}

	plaintext, err := json.Marshal(onDiskFile{Salt: hex.EncodeToString(salt), Providers: providers})
	if err != nil {
		return mcperrors.New(mcperrors.KindIOError, "encoding secret store", err)
	}

	encoded, err := s.encrypt(plaintext, salt)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encoded), 0o600); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "writing secret store", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return mcperrors.New(mcperrors.KindIOError, "replacing secret store", err)
	}
	return nil
}

// deriveKey runs scrypt over the store's passphrase and salt.
func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	key, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindDecryptionFailed, "deriving key", err)
	}
	return key, nil
}

// encrypt produces the "saltHex:ivHex:authTagHex:ciphertextHex" wire format:
// four colon-separated hex fields, so a fresh salt accompanies a fresh IV on
// every write. decrypt rejects any other field count, including a bare
// "ivHex:authTagHex:ciphertextHex" triple, as an invalid format.
func (s *Store) encrypt(plaintext, salt []byte) (string, error) {
	key, err := s.deriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", mcperrors.New(mcperrors.KindDecryptionFailed, "constructing cipher", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return "", mcperrors.New(mcperrors.KindDecryptionFailed, "constructing gcm", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", mcperrors.New(mcperrors.KindIOError, "generating iv", err)
	}

	sealed := gcm.Seal(nil, iv[:gcm.NonceSize()], plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	// The salt must be recoverable before the key can be derived to decrypt,
	// so it is written unencrypted as the first field of the wire format.
	return fmt.Sprintf("%s:%s:%s:%s", hex.EncodeToString(salt), hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ciphertext)), nil
}

// decrypt parses the wire format and returns the decrypted plaintext and
// the salt used to derive its key.
func (s *Store) decrypt(raw []byte) ([]byte, []byte, error) {
	parts := strings.Split(strings.TrimSpace(string(raw)), ":")
	if len(parts) != 4 {
		return nil, nil, mcperrors.New(mcperrors.KindInvalidEncryptedFormat, "invalid encrypted data format", nil)
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, nil, mcperrors.New(mcperrors.KindInvalidEncryptedFormat, "invalid encrypted data format", err)
	}
	iv, err := hex.DecodeString(parts[1])
	if err != nil || len(iv) != ivSize {
		return nil, nil, mcperrors.New(mcperrors.KindInvalidEncryptedFormat, "invalid encrypted data format", err)
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return nil, nil, mcperrors.New(mcperrors.KindInvalidEncryptedFormat, "invalid encrypted data format", err)
	}
	ciphertext, err := hex.DecodeString(parts[3])
	if err != nil {
		return nil, nil, mcperrors.New(mcperrors.KindInvalidEncryptedFormat, "invalid encrypted data format", err)
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, mcperrors.New(mcperrors.KindDecryptionFailed, "decryption failed", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, nil, mcperrors.New(mcperrors.KindDecryptionFailed, "decryption failed", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv[:gcm.NonceSize()], sealed, nil)
	if err != nil {
		return nil, nil, mcperrors.New(mcperrors.KindDecryptionFailed, "decryption failed", err)
	}
	return plaintext, salt, nil
}
