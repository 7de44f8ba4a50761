// Package aescrypt implements the streaming core's Decryptor: AES-128-CBC
// segment decryption with PKCS#7 unpadding and a lazily-fetched key, per
// the HLS AES-128 convention. Built entirely on stdlib crypto/*, since
// nothing retrieved reaches for a third-party AES implementation.
package aescrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zsiec/streamcore/internal/manifest"
)

// Decryptor decrypts segments for a single Stream's AesKey, fetching the
// raw key at most once and reusing it for every subsequent segment.
type Decryptor struct {
	mu  sync.Mutex
	key *manifest.AesKey
}

// New returns a Decryptor bound to key. key.FetchKey is invoked at most
// once, on first Decrypt call, if key.CryptoKey is empty.
func New(key *manifest.AesKey) *Decryptor {
	return &Decryptor{key: key}
}

// Decrypt returns the plaintext of ciphertext, encrypted under d's key in
// CBC mode with PKCS#7 padding. mediaSequenceNumber is used to derive the
// IV when iv is nil: a 16-byte big-endian encoding of
// key.FirstMediaSequenceNumber + mediaSequenceNumber.
func (d *Decryptor) Decrypt(ctx context.Context, ciphertext []byte, mediaSequenceNumber uint64, iv []byte) ([]byte, error) {
	if d.key.Mode != manifest.ModeCBC {
		return nil, fmt.Errorf("aescrypt: unsupported mode %v", d.key.Mode)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aescrypt: ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	key, err := d.resolveKey(ctx)
	if err != nil {
		return nil, err
	}

	if iv == nil {
		iv = deriveIV(d.key.FirstMediaSequenceNumber + mediaSequenceNumber)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("aescrypt: IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aescrypt: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpadPKCS7(plaintext)
}

// resolveKey returns the imported key, calling FetchKey exactly once if
// CryptoKey is not already populated.
func (d *Decryptor) resolveKey(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.key.CryptoKey) > 0 {
		return d.key.CryptoKey, nil
	}
	if d.key.FetchKey == nil {
		return nil, fmt.Errorf("aescrypt: no cryptoKey and no fetchKey configured")
	}
	raw, err := d.key.FetchKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("aescrypt: fetchKey: %w", err)
	}
	d.key.CryptoKey = raw
	return raw, nil
}

func deriveIV(sequenceNumber uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], sequenceNumber)
	return iv
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("aescrypt: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("aescrypt: invalid PKCS#7 padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("aescrypt: invalid PKCS#7 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
