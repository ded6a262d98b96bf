// Copyright (C) 2025 sealdrop <dev@sealdrop.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// AESKeyBytes is the symmetric key size: AES-256.
	AESKeyBytes = 32
)

// ErrInvalidPadding signals structurally invalid PKCS#7 padding after
// decryption: the wrong key or a corrupted ciphertext. Callers must
// treat it as a failed decrypt, never as garbage plaintext.
var ErrInvalidPadding = errors.New("aes: invalid padding")

// GenerateAESKey returns a fresh random 256-bit key.
func GenerateAESKey() ([]byte, error) {
	key := make([]byte, AESKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("aes: key generation: %w", err)
	}
	return key, nil
}

// EncryptAES encrypts plaintext with AES-256-CBC under a fresh random
// IV. The IV is prepended to the ciphertext so the result is
// self-contained.
func EncryptAES(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("aes: iv generation: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// DecryptAES reverses EncryptAES: splits the leading IV, decrypts and
// strips the padding. Returns ErrInvalidPadding when the padding does
// not verify.
func DecryptAES(blob, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	if len(blob) < 2*aes.BlockSize || len(blob)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aes: ciphertext length %d not a block multiple", len(blob))
	}
	iv, ciphertext := blob[:aes.BlockSize], blob[aes.BlockSize:]
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
