// Package crypt encrypts operation payloads and chunk files end to end with
// a key derived from a user passphrase.
//
// Ciphertext layout: salt (16) | nonce (12) | AES-256-GCM sealed data.
// The salt travels with every message so any device knowing the passphrase
// can derive the key; derived keys are cached per salt.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/localfirst/opsync/internal/oplog"
)

const (
	saltSize   = 16
	nonceSize  = 12
	keySize    = 32
	iterations = 100_000
)

// ErrDecrypt means the data was not produced with this passphrase or was
// tampered with.
var ErrDecrypt = errors.New("decryption failed")

// Cipher encrypts and decrypts with one passphrase.
type Cipher struct {
	passphrase []byte
	salt       []byte

	mu   sync.Mutex
	keys map[string]cipher.AEAD
}

// New creates a Cipher. The passphrase must not be empty.
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &Cipher{
		passphrase: []byte(passphrase),
		salt:       salt,
		keys:       make(map[string]cipher.AEAD),
	}, nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.keys[string(salt)]; ok {
		return a, nil
	}

	key := pbkdf2.Key(c.passphrase, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	c.keys[string(salt)] = a
	return a, nil
}

// Encrypt seals plain.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	a, err := c.aead(c.salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, saltSize+nonceSize, saltSize+nonceSize+len(plain)+a.Overhead())
	copy(out, c.salt)
	if _, err := rand.Read(out[saltSize:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.Seal(out, out[saltSize:saltSize+nonceSize], plain, nil), nil
}

// Decrypt opens data produced by Encrypt with the same passphrase.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < saltSize+nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	a, err := c.aead(data[:saltSize])
	if err != nil {
		return nil, err
	}
	plain, err := a.Open(nil, data[saltSize:saltSize+nonceSize], data[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// EncryptPayload replaces op.Payload with a base64 JSON string of its
// ciphertext and sets PayloadEncrypted. Already encrypted ops are left alone.
func (c *Cipher) EncryptPayload(op *oplog.Operation) error {
	if op.PayloadEncrypted || len(op.Payload) == 0 {
		return nil
	}

	sealed, err := c.Encrypt(op.Payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload of %s: %w", op.ID, err)
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(sealed))
	if err != nil {
		return err
	}
	op.Payload = encoded
	op.PayloadEncrypted = true
	return nil
}

// DecryptPayload reverses EncryptPayload. Plain ops are left alone.
func (c *Cipher) DecryptPayload(op *oplog.Operation) error {
	if !op.PayloadEncrypted {
		return nil
	}

	var encoded string
	if err := json.Unmarshal(op.Payload, &encoded); err != nil {
		return fmt.Errorf("%w: payload of %s is not a ciphertext string", ErrDecrypt, op.ID)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: payload of %s is not base64", ErrDecrypt, op.ID)
	}
	plain, err := c.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("failed to decrypt payload of %s: %w", op.ID, err)
	}
	op.Payload = plain
	op.PayloadEncrypted = false
	return nil
}

// EncryptOps returns copies of ops with encrypted payloads. A nil Cipher
// returns ops unchanged.
func (c *Cipher) EncryptOps(ops []oplog.Operation) ([]oplog.Operation, error) {
	if c == nil {
		return ops, nil
	}
	out := make([]oplog.Operation, len(ops))
	for i, op := range ops {
		if err := c.EncryptPayload(&op); err != nil {
			return nil, err
		}
		out[i] = op
	}
	return out, nil
}

// DecryptOps decrypts payloads in place. A nil Cipher leaves ops unchanged,
// so encrypted payloads later fail at dispatch as invalid operations.
func (c *Cipher) DecryptOps(ops []oplog.Operation) error {
	if c == nil {
		return nil
	}
	for i := range ops {
		if err := c.DecryptPayload(&ops[i]); err != nil {
			return err
		}
	}
	return nil
}
