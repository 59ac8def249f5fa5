// Package codec turns message bodies into their at-rest form and back.
//
// Encryption is deterministic: the nonce is a keyed hash of the plaintext,
// so the same content under the same key always yields the same
// ciphertext. Content hashes are BLAKE3-256 of the plaintext.
package codec

import (
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize = 32

	encryptionContext = "go-livechat message encryption v1"
	nonceContext      = "go-livechat message nonce v1"
)

var (
	ErrKeySize    = fmt.Errorf("codec key must be %d bytes", KeySize)
	ErrCiphertext = errors.New("malformed ciphertext")
)

type Encoded struct {
	Ciphertext string
	Hash       string
}

type Codec struct {
	aead     cipher.AEAD
	nonceKey []byte
}

func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	encKey := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(encryptionContext, key, encKey)

	nonceKey := make([]byte, 32)
	blake3.DeriveKey(nonceContext, key, nonceKey)

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}

	return &Codec{aead: aead, nonceKey: nonceKey}, nil
}

func (c *Codec) nonce(content string) ([]byte, error) {
	h, err := blake3.NewKeyed(c.nonceKey)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(content))

	return h.Sum(nil)[:chacha20poly1305.NonceSizeX], nil
}

func (c *Codec) Encode(content string) (Encoded, error) {
	nonce, err := c.nonce(content)
	if err != nil {
		return Encoded{}, fmt.Errorf("derive nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(content), nil)

	return Encoded{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Hash:       Hash(content),
	}, nil
}

func (c *Codec) Decode(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	if len(raw) < chacha20poly1305.NonceSizeX+c.aead.Overhead() {
		return "", ErrCiphertext
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	return string(plain), nil
}

func Hash(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// WordCount counts whitespace-delimited tokens of the trimmed content.
func WordCount(content string) int {
	return len(strings.Fields(strings.TrimSpace(content)))
}

// CharacterCount is the length of the raw content in characters.
func CharacterCount(content string) int {
	return utf8.RuneCountInString(content)
}
