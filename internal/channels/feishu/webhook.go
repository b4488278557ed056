package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxEventBytes bounds webhook request bodies.
const maxEventBytes = 1 << 20

// WebhookHandler returns the HTTP handler for the event subscription
// endpoint. It answers the url_verification handshake, verifies signatures,
// decrypts pushes when an encrypt key is configured, and dispatches message
// events asynchronously after acking.
func (c *Channel) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		if c.cfg.EncryptKey != "" {
			ok := verifySignature(c.cfg.EncryptKey,
				r.Header.Get("X-Lark-Request-Timestamp"),
				r.Header.Get("X-Lark-Request-Nonce"),
				r.Header.Get("X-Lark-Signature"),
				body)
			if !ok {
				slog.Warn("feishu webhook signature rejected", "remote", r.RemoteAddr)
				http.Error(w, "bad signature", http.StatusUnauthorized)
				return
			}
		}

		payload := body
		var wrapped struct {
			Encrypt string `json:"encrypt"`
		}
		_ = json.Unmarshal(body, &wrapped)
		if wrapped.Encrypt != "" {
			if c.cfg.EncryptKey == "" {
				http.Error(w, "encrypted event but no encrypt key configured", http.StatusBadRequest)
				return
			}
			plain, err := decryptEvent(c.cfg.EncryptKey, wrapped.Encrypt)
			if err != nil {
				slog.Warn("feishu event decrypt failed", "error", err)
				http.Error(w, "decrypt failed", http.StatusBadRequest)
				return
			}
			payload = plain
		}

		var ev envelope
		if err := json.Unmarshal(payload, &ev); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		if ev.Type == "url_verification" {
			if c.cfg.VerificationToken != "" && ev.Token != c.cfg.VerificationToken {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"challenge": ev.Challenge})
			return
		}

		if c.cfg.VerificationToken != "" && ev.Header.Token != c.cfg.VerificationToken {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}

		// Ack before processing: the platform redelivers anything not
		// answered promptly, and dedup covers the overlap.
		w.WriteHeader(http.StatusOK)

		go c.handleEvent(&ev)
	})
}

// verifySignature checks the push signature:
// hex(sha256(timestamp + nonce + encryptKey + body)).
func verifySignature(encryptKey, timestamp, nonce, signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// decryptEvent opens an encrypted push: AES-256-CBC with key sha256(encrypt
// key), IV in the first block of the base64 payload, PKCS#7 padding.
func decryptEvent(encryptKey, encrypted string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid ciphertext length %d", len(ciphertext))
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-pad], nil
}
