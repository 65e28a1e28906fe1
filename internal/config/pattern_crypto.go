package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// encryptedValuePrefix 是“加密后的敏感值”在配置文件中的前缀标识。
//
// 设计目标：
// - 配置文件落盘不出现明文 pattern/api_key（减少误提交/拷贝泄露风险）
// - 进程内仍使用明文进行匹配与上报
//
// 注意：
// - 该机制只保护“配置文件静态内容”；能访问进程内存的人仍可看到明文
// - 解密依赖运行时注入的密钥（由口令经 scrypt 派生）
const encryptedValuePrefix = "__RP_ENC_V1__:"

// scrypt 参数固定写死，跨版本保持可解密。
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// patternKeySalt 为固定盐。口令本身是唯一秘密；固定盐只为让同一口令在
// 不同机器上派生出相同密钥，使配置文件可以随仓库同步。
var patternKeySalt = []byte("redactpii/pattern-key/v1")

// DeriveSecretKey derives the 32-byte AES key from a passphrase.
func DeriveSecretKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	return scrypt.Key([]byte(passphrase), patternKeySalt, scryptN, scryptR, scryptP, scryptKeyLen)
}

type patternCrypto struct {
	gcm cipher.AEAD
}

func newPatternCrypto(key32 []byte) (*patternCrypto, error) {
	if len(key32) != 32 {
		return nil, fmt.Errorf("secret encryption key must be 32 bytes, got %d", len(key32))
	}
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &patternCrypto{gcm: gcm}, nil
}

func (c *patternCrypto) encryptString(plain string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("secret crypto not configured")
	}
	if plain == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := c.gcm.Seal(nil, nonce, []byte(plain), nil)
	raw := append(nonce, ciphertext...)
	return encryptedValuePrefix + base64.RawStdEncoding.EncodeToString(raw), nil
}

func (c *patternCrypto) decryptMaybeEncrypted(s string) (plain string, wasEncrypted bool, err error) {
	if !strings.HasPrefix(s, encryptedValuePrefix) {
		return s, false, nil
	}
	if c == nil {
		return "", true, fmt.Errorf("secret crypto not configured")
	}
	b64 := strings.TrimPrefix(s, encryptedValuePrefix)
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		return "", true, fmt.Errorf("invalid base64: %w", err)
	}
	ns := c.gcm.NonceSize()
	if len(raw) < ns {
		return "", true, fmt.Errorf("ciphertext too short")
	}
	nonce := raw[:ns]
	ciphertext := raw[ns:]
	out, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", true, err
	}
	return string(out), true, nil
}

// SetSecretEncryptionKey 启用“敏感值落盘加密”能力。
// key32 必须为 32 字节（AES-256），通常来自 DeriveSecretKey。
//
// 注意：该方法只配置加密器，不会自动重写配置文件；调用方通常需要随后执行一次 Load() 以解密已加载的配置。
func (m *Manager) SetSecretEncryptionKey(key32 []byte) error {
	if m == nil {
		return fmt.Errorf("config manager is nil")
	}
	c, err := newPatternCrypto(key32)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.patternCrypto = c
	m.mu.Unlock()
	return nil
}

func (m *Manager) decryptLoadedSecrets(cfg *Config) error {
	if m == nil || cfg == nil || m.patternCrypto == nil {
		return nil
	}

	for i := range cfg.CustomRules {
		v := cfg.CustomRules[i].Pattern
		plain, wasEnc, err := m.patternCrypto.decryptMaybeEncrypted(v)
		if err != nil {
			return fmt.Errorf("解密 custom_rules[%d].pattern 失败：%w", i, err)
		}
		if wasEnc {
			cfg.CustomRules[i].Pattern = plain
		}
	}

	plain, wasEnc, err := m.patternCrypto.decryptMaybeEncrypted(cfg.Dashboard.APIKey)
	if err != nil {
		return fmt.Errorf("解密 dashboard.api_key 失败：%w", err)
	}
	if wasEnc {
		cfg.Dashboard.APIKey = plain
	}

	return nil
}

func (m *Manager) encryptSecretsForSave(cfg Config) (Config, error) {
	if m == nil || m.patternCrypto == nil {
		return cfg, nil
	}

	// 注意：cfg 是浅拷贝，内部 slice 与原对象共享底层数组；必须 deep copy 后再改值，避免污染运行时明文配置。
	if len(cfg.CustomRules) > 0 {
		crs := append([]CustomRule(nil), cfg.CustomRules...)
		for i := range crs {
			enc, err := m.patternCrypto.encryptString(crs[i].Pattern)
			if err != nil {
				return Config{}, fmt.Errorf("加密 custom_rules[%d].pattern 失败：%w", i, err)
			}
			crs[i].Pattern = enc
		}
		cfg.CustomRules = crs
	}

	if cfg.Dashboard.APIKey != "" {
		enc, err := m.patternCrypto.encryptString(cfg.Dashboard.APIKey)
		if err != nil {
			return Config{}, fmt.Errorf("加密 dashboard.api_key 失败：%w", err)
		}
		cfg.Dashboard.APIKey = enc
	}

	return cfg, nil
}
