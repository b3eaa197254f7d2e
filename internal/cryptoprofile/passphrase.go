package cryptoprofile

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the key-recipe passphrase key.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	saltSize      = 32
)

// PassphraseEnvVar lets operators supply the key-recipe passphrase without
// a config file, resolving §9's "hardcoded passphrase" open question: the
// client reads the passphrase from this environment variable first and falls
// back to an interactive terminal prompt.
const PassphraseEnvVar = "DISPERSA_KEYRECIPE_PASSPHRASE"

// DerivedKey derives a profile-sized AES key from a passphrase and salt
// using Argon2id, following the teacher's keystore.go KDF choice.
func (p Profile) DerivedKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, uint32(p.KeySize()))
}

// KeyRecipeBlob is the on-disk envelope for an encrypted per-cloud
// key-recipe file (see spec.md §4.1/§6): salt + nonce + ciphertext, alongside
// enough KDF parameters to decrypt it later even if defaults change.
type KeyRecipeBlob struct {
	Profile       Profile `json:"profile"`
	Argon2Time    uint32  `json:"argon2_time"`
	Argon2Memory  uint32  `json:"argon2_memory"`
	Argon2Threads uint8   `json:"argon2_threads"`
	Salt          []byte  `json:"salt"`
	Nonce         []byte  `json:"nonce"`
	Ciphertext    []byte  `json:"ciphertext"`
}

var ErrInvalidPassphrase = errors.New("cryptoprofile: invalid passphrase or corrupted key-recipe blob")

// EncryptKeyRecipe encrypts the plaintext key-recipe records (§3's
// concatenation of (metaChunkId, metaChunkShareFP, key) tuples) under the
// given passphrase.
func (p Profile) EncryptKeyRecipe(plaintext []byte, passphrase string) (*KeyRecipeBlob, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoprofile: salt: %w", err)
	}
	nonce := make([]byte, p.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoprofile: nonce: %w", err)
	}
	key := p.DerivedKey(passphrase, salt)
	ciphertext, err := p.Seal(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	return &KeyRecipeBlob{
		Profile: p, Argon2Time: argon2Time, Argon2Memory: argon2Memory, Argon2Threads: argon2Threads,
		Salt: salt, Nonce: nonce, Ciphertext: ciphertext,
	}, nil
}

// Decrypt reverses EncryptKeyRecipe.
func (b *KeyRecipeBlob) Decrypt(passphrase string) ([]byte, error) {
	key := argon2.IDKey([]byte(passphrase), b.Salt, b.Argon2Time, b.Argon2Memory, b.Argon2Threads, uint32(b.Profile.KeySize()))
	plaintext, err := b.Profile.Open(key, b.Nonce, b.Ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}

// SaveKeyRecipeBlob writes an encrypted blob to disk as JSON, mirroring the
// teacher's keystore.go envelope style.
func SaveKeyRecipeBlob(path string, blob *KeyRecipeBlob) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("cryptoprofile: mkdir: %w", err)
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("cryptoprofile: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKeyRecipeBlob reads back a blob written by SaveKeyRecipeBlob.
func LoadKeyRecipeBlob(path string) (*KeyRecipeBlob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cryptoprofile: read: %w", err)
	}
	var blob KeyRecipeBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("cryptoprofile: unmarshal: %w", err)
	}
	return &blob, nil
}

// DecryptWireKeyRecipe reverses the raw salt||nonce||ciphertext encoding the
// uploader puts on the wire for a KEY_RECIPE request (no JSON framing, unlike
// SaveKeyRecipeBlob's on-disk envelope): it re-derives the key from the fixed
// Argon2id parameters this package uses, since the wire form carries no KDF
// metadata of its own.
func (p Profile) DecryptWireKeyRecipe(raw []byte, passphrase string) ([]byte, error) {
	if len(raw) < saltSize+p.NonceSize() {
		return nil, fmt.Errorf("cryptoprofile: key-recipe blob too short (%d bytes)", len(raw))
	}
	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+p.NonceSize()]
	ciphertext := raw[saltSize+p.NonceSize():]
	key := p.DerivedKey(passphrase, salt)
	plaintext, err := p.Open(key, nonce, ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}
