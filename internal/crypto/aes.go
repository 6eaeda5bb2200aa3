package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// IVLen is the length of the per-chunk initialization vector.
const IVLen = aes.BlockSize

// ErrPadding is returned when a decrypted block does not carry valid PKCS#7 padding.
var ErrPadding = errors.New("crypto: invalid padding")

// NewIV returns a fresh random IV.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// PaddedLen reports the ciphertext length SealCBC produces for n plaintext bytes.
func PaddedLen(n int) int {
	return (n/aes.BlockSize + 1) * aes.BlockSize
}

// SealCBC encrypts plaintext with AES-CBC under key and iv, applying PKCS#7 padding.
func SealCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("seal: iv length %d, want %d", len(iv), IVLen)
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	copy(buf[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf, nil
}

// OpenCBC reverses SealCBC. The ciphertext slice is not modified.
func OpenCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("open: iv length %d, want %d", len(iv), IVLen)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("open: ciphertext length %d: %w", len(ciphertext), ErrPadding)
	}

	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(buf, ciphertext)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, ErrPadding
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, ErrPadding
		}
	}
	return buf[:len(buf)-pad], nil
}
