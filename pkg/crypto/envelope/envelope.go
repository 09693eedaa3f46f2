// Package envelope encrypts and decrypts content addressed to one nostr
// pubkey, using an ECDH shared secret (pkg/crypto/keys.Signer.ECDH) and
// AES-256-CBC, the classic NIP-04 shape. Kept separate from pkg/crypto/keys
// so pkg/encoders/event never needs to import a concrete cipher.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"zapai.dev/pkg/interfaces/signer"
)

// Encrypt produces the "<base64 ciphertext>?iv=<base64 iv>" content format
// NIP-04 clients expect.
func Encrypt(plaintext string, self signer.I, to []byte) (out string, err error) {
	key, err := self.ECDH(to)
	if err != nil {
		return "", fmt.Errorf("ecdh: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt given the sender's pubkey.
func Decrypt(content string, self signer.I, from []byte) (plaintext string, err error) {
	parts := strings.SplitN(content, "?iv=", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed envelope content")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("bad ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("bad iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("bad iv length")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("bad ciphertext length")
	}
	key, err := self.ECDH(from)
	if err != nil {
		return "", fmt.Errorf("ecdh: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	unpadded, err := pkcs7Unpad(padded)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = byte(n)
	}
	return append(b, pad...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, fmt.Errorf("bad padding")
	}
	return b[:len(b)-n], nil
}
