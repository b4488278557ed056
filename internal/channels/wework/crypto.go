package wework

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// cryptoBlockSize is the PKCS#7 block the platform pads to. Twice the AES
// block, matching the reference implementation.
const cryptoBlockSize = 32

// codec implements the WeCom callback envelope crypto: AES-256-CBC with the
// IV taken from the key's first block; the plaintext is a 16-byte random
// prefix, a 4-byte big-endian payload length, the payload, and the receive
// id appended at the end.
type codec struct {
	token     string
	aesKey    []byte
	receiveID string
}

// newCodec derives the AES key from the console's 43-char EncodingAESKey.
// The smart-robot callback carries an empty receive id; app callbacks carry
// the corp id.
func newCodec(token, encodingAESKey, receiveID string) (*codec, error) {
	if token == "" {
		return nil, fmt.Errorf("empty callback token")
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("aes key must be 32 bytes, got %d", len(key))
	}
	return &codec{token: token, aesKey: key, receiveID: receiveID}, nil
}

// Signature computes the callback signature: sha1 over the lexicographically
// sorted concatenation of token, timestamp, nonce and payload.
func (c *codec) Signature(timestamp, nonce, payload string) string {
	items := []string{c.token, timestamp, nonce, payload}
	sort.Strings(items)
	sum := sha1.Sum([]byte(strings.Join(items, "")))
	return hex.EncodeToString(sum[:])
}

// Verify checks a callback signature in constant time.
func (c *codec) Verify(signature, timestamp, nonce, payload string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(c.Signature(timestamp, nonce, payload)), []byte(signature))
}

// Encrypt seals msg for a passive reply and returns the base64 ciphertext.
func (c *codec) Encrypt(msg []byte) (string, error) {
	prefix := make([]byte, 16)
	if _, err := rand.Read(prefix); err != nil {
		return "", fmt.Errorf("random prefix: %w", err)
	}

	plain := make([]byte, 0, 20+len(msg)+len(c.receiveID)+cryptoBlockSize)
	plain = append(plain, prefix...)
	plain = binary.BigEndian.AppendUint32(plain, uint32(len(msg)))
	plain = append(plain, msg...)
	plain = append(plain, c.receiveID...)
	plain = pkcs7Pad(plain, cryptoBlockSize)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(ct, plain)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt opens a base64 callback envelope and returns the inner payload.
func (c *codec) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return c.DecryptRaw(raw)
}

// DecryptRaw opens raw ciphertext bytes. Media download URLs serve the
// sealed bytes without the base64 layer.
func (c *codec) DecryptRaw(raw []byte) ([]byte, error) {
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid ciphertext length %d", len(raw))
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain, cryptoBlockSize)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, fmt.Errorf("plaintext too short: %d bytes", len(plain))
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, fmt.Errorf("declared length %d exceeds payload", msgLen)
	}
	msg := plain[20 : 20+msgLen]
	if c.receiveID != "" {
		if got := string(plain[20+msgLen:]); got != c.receiveID {
			return nil, fmt.Errorf("receive id mismatch: %q", got)
		}
	}
	return msg, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	if pad == 0 {
		pad = blockSize
	}
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid plaintext length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}
