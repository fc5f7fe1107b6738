package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32

	// scrypt cost parameters recommended for interactive logins.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrDecrypt is returned when a sealed session cannot be opened, usually
// because the passphrase changed.
var ErrDecrypt = errors.New("failed to decrypt session: wrong passphrase or corrupted file")

// NewEncryptedFileBackend is a FileBackend whose entries are sealed with
// NaCl secretbox under a key derived from passphrase with scrypt.
func NewEncryptedFileBackend(path, profile, passphrase string) *FileBackend {
	return &FileBackend{
		path:    path,
		profile: profile,
		sealer:  &boxSealer{passphrase: []byte(passphrase)},
	}
}

// boxSealer lays out sealed entries as salt || nonce || secretbox.
type boxSealer struct {
	passphrase []byte
}

func (b *boxSealer) deriveKey(salt []byte) (*[keySize]byte, error) {
	k, err := scrypt.Key(b.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], k)
	return &key, nil
}

func (b *boxSealer) seal(plain []byte) ([]byte, error) {
	var header [saltSize + nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, header[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := b.deriveKey(header[:saltSize])
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], header[saltSize:])

	return secretbox.Seal(header[:], plain, &nonce, key), nil
}

func (b *boxSealer) open(stored []byte) ([]byte, error) {
	if len(stored) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}

	key, err := b.deriveKey(stored[:saltSize])
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], stored[saltSize:saltSize+nonceSize])

	plain, ok := secretbox.Open(nil, stored[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
