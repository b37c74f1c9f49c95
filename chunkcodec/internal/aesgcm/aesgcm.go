// Package aesgcm provides the one supported chunk cipher suite:
// AES-256-GCM with a per-chunk PBKDF2-HMAC-SHA512 derived key. The on-disk
// layout carries no version byte; the chunk geometry is fixed at
// construction time and must match the instance reading it.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Iterations is the iteration count used for per-chunk key derivation,
// matching PBKDF2-HMAC-SHA512 with this many rounds.
const PBKDF2Iterations = 9816

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// TagSize is the GCM authentication tag size in bytes. The geometry's tag
// width must match it; GCM does not emit variable-length tags here.
const TagSize = 16

// Overhead returns the non-ciphertext portion of a chunk for the given
// geometry parameters: salt + iv + tag.
func Overhead(saltSize, ivSize, tagSize int) int {
	return saltSize + ivSize + tagSize
}

// Encrypt seals a single block under the given master key, drawing a fresh
// random salt and IV. The returned chunk is salt || iv || tag || ciphertext.
func Encrypt(masterKey, block []byte, saltSize, ivSize int) ([]byte, error) {
	if len(block) == 0 {
		return nil, errors.New("block must not be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("unable to generate salt: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("unable to generate iv: %w", err)
	}

	aead, err := newAEAD(masterKey, salt, ivSize)
	if err != nil {
		return nil, err
	}

	// Seal appends tag after the ciphertext; build the chunk explicitly to
	// control the salt || iv || tag || ciphertext layout.
	sealed := aead.Seal(nil, iv, block, nil)
	tagSize := aead.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	chunk := make([]byte, 0, saltSize+ivSize+tagSize+len(ciphertext))
	chunk = append(chunk, salt...)
	chunk = append(chunk, iv...)
	chunk = append(chunk, tag...)
	chunk = append(chunk, ciphertext...)
	return chunk, nil
}

// Decrypt opens a chunk produced by Encrypt, verifying the authentication
// tag before returning the plaintext block.
func Decrypt(masterKey, chunk []byte, saltSize, ivSize, tagSize int) ([]byte, error) {
	minLen := saltSize + ivSize + tagSize
	if len(chunk) <= minLen {
		return nil, errors.New("chunk too short")
	}

	salt := chunk[:saltSize]
	iv := chunk[saltSize : saltSize+ivSize]
	tag := chunk[saltSize+ivSize : saltSize+ivSize+tagSize]
	ciphertext := chunk[saltSize+ivSize+tagSize:]

	aead, err := newAEAD(masterKey, salt, ivSize)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to authenticate chunk: %w", err)
	}
	return plaintext, nil
}

// Hash returns the SHA-256 digest of the master key, used only as a canary
// to detect a wrong key on open.
func Hash(masterKey []byte) [32]byte {
	return sha256.Sum256(masterKey)
}

func newAEAD(masterKey, salt []byte, ivSize int) (cipher.AEAD, error) {
	// Key derivation is per-chunk, keyed by the chunk's own salt, using
	// PBKDF2-HMAC-SHA512 as mandated for the chunk codec.
	derived := pbkdf2.Key(masterKey, salt, PBKDF2Iterations, KeySize, sha512.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize AES cipher: %w", err)
	}
	// The chunk layout carries a 16-byte IV while the GCM default nonce is
	// 12 bytes, so the nonce size follows the configured geometry.
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize GCM mode: %w", err)
	}
	return aead, nil
}
