package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt 参数，密钥由服务端密钥和固定盐确定性派生
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32 // AES-256
)

var (
	// ErrEmptyEnvelope 没有存储密文
	ErrEmptyEnvelope = errors.New("vault: empty envelope")
	// ErrMalformedEnvelope 密文格式错误或认证失败
	ErrMalformedEnvelope = errors.New("vault: malformed envelope")
)

// Vault 对称加密敏感字符串（如第三方 API token），输出 "iv:cipherhex"
type Vault struct {
	aead   cipher.AEAD
	logger *slog.Logger
}

func New(secret, salt string, logger *slog.Logger) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault: secret cannot be empty")
	}
	if salt == "" {
		return nil, errors.New("vault: salt cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create GCM: %w", err)
	}

	return &Vault{aead: aead, logger: logger}, nil
}

// Encrypt 每次加密使用新的随机 IV；空明文返回空串且不调用加密
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	iv := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: failed to generate iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt 区分“未存储”和“密文损坏”两种失败
func (v *Vault) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", ErrEmptyEnvelope
	}

	ivHex, cipherHex, ok := strings.Cut(envelope, ":")
	if !ok || ivHex == "" || cipherHex == "" {
		return "", ErrMalformedEnvelope
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != v.aead.NonceSize() {
		return "", ErrMalformedEnvelope
	}
	sealed, err := hex.DecodeString(cipherHex)
	if err != nil || len(sealed) < v.aead.Overhead() {
		return "", ErrMalformedEnvelope
	}

	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return string(plaintext), nil
}

// DecryptOrEmpty 兼容旧行为：任何失败都记录日志并返回空串
func (v *Vault) DecryptOrEmpty(envelope string) string {
	plaintext, err := v.Decrypt(envelope)
	if err != nil {
		if !errors.Is(err, ErrEmptyEnvelope) {
			v.logger.Warn("decrypt secret failed", "error", err)
		}
		return ""
	}
	return plaintext
}
