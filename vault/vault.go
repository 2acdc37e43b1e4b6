// Package vault implements the credential vault: authenticated symmetric
// encryption of opaque credential blobs at rest, with a process-wide root
// key and a per-tenant salt run through HKDF to derive the per-wrap key.
// Ciphertexts carry a leading version byte. A Vault holds one root key and
// Unwrap accepts only the current version, so a blob wrapped under another
// root key or another version does not decrypt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/lookatitude/voxtenant/core"
)

// currentVersion is the wrap format emitted by Wrap. Vault.Unwrap checks a
// ciphertext's version byte and rejects any value other than this one.
const currentVersion byte = 1

// Vault encrypts and decrypts tenant credential blobs. It never logs or
// returns plaintext outside of Unwrap's direct return value.
type Vault struct {
	rootKey []byte
}

// New creates a Vault from a 32-byte process-wide root key. The root key is
// never stored by the Vault beyond this reference; callers are responsible
// for sourcing it from a secrets manager or environment, not a literal.
func New(rootKey []byte) (*Vault, error) {
	if len(rootKey) < 32 {
		return nil, errors.New("vault: root key must be at least 32 bytes")
	}
	return &Vault{rootKey: rootKey}, nil
}

func (v *Vault) deriveKey(tenantSalt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, v.rootKey, tenantSalt, []byte("voxtenant-vault-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Wrap encrypts plaintext under a key derived for tenantSalt, returning a
// self-describing ciphertext: version byte, nonce, and AEAD-sealed payload.
func (v *Vault) Wrap(tenantSalt, plaintext []byte) ([]byte, error) {
	key, err := v.deriveKey(tenantSalt)
	if err != nil {
		return nil, core.NewError("vault.Wrap", core.ErrBusinessRule, "key derivation failed", err)
	}

	gcm, err := newAEAD(key)
	if err != nil {
		return nil, core.NewError("vault.Wrap", core.ErrBusinessRule, "cipher init failed", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, core.NewError("vault.Wrap", core.ErrBusinessRule, "nonce generation failed", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, 1+len(nonce)+len(sealed))
	out = append(out, currentVersion)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Unwrap reverses Wrap. It returns an error without ever including the
// attempted plaintext in it, so a decryption failure cannot leak data
// through a log sink that records error strings.
func (v *Vault) Unwrap(tenantSalt, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1 {
		return nil, core.NewError("vault.Unwrap", core.ErrValidation, "ciphertext too short", nil)
	}

	version := ciphertext[0]
	if version != currentVersion {
		return nil, core.NewError("vault.Unwrap", core.ErrValidation, fmt.Sprintf("unsupported wrap version %d", version), nil)
	}

	key, err := v.deriveKey(tenantSalt)
	if err != nil {
		return nil, core.NewError("vault.Unwrap", core.ErrBusinessRule, "key derivation failed", err)
	}

	gcm, err := newAEAD(key)
	if err != nil {
		return nil, core.NewError("vault.Unwrap", core.ErrBusinessRule, "cipher init failed", err)
	}

	rest := ciphertext[1:]
	if len(rest) < gcm.NonceSize() {
		return nil, core.NewError("vault.Unwrap", core.ErrValidation, "ciphertext truncated", nil)
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, core.NewError("vault.Unwrap", core.ErrValidation, "authentication failed", nil)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
