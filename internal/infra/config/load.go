package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// KeyEnv names the env var holding the passphrase for "enc:" secrets.
const KeyEnv = "PROPWATCH_CONFIG_KEY"

const maxIncludeDepth = 10

// Load reads a YAML config file over the defaults, merges includes, applies
// env overrides, decrypts secrets and validates. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}

	if data != nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Includes) > 0 {
			visited := map[string]bool{absPath: true}
			if err := mergeIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
				return nil, err
			}
			// The main file wins over anything it includes.
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config (second pass): %w", err)
			}
			cfg.Includes = nil
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeIncludes overlays every file named by cfg.Includes, resolved against
// baseDir, onto cfg. Included files may include others.
func mergeIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		pattern = filepath.Clean(pattern)
		if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
			return fmt.Errorf("config includes: path %q escapes config directory", pattern)
		}

		paths, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("config includes: glob %q: %w", pattern, err)
		}
		if len(paths) == 0 && !strings.ContainsAny(pattern, "*?[") {
			paths = []string{pattern} // a literal path must exist
		}

		for _, p := range paths {
			if visited[p] {
				return fmt.Errorf("config includes: circular include of %q", p)
			}
			visited[p] = true
			if err := mergeFile(cfg, p, visited, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func mergeFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) > 0 {
		return mergeIncludes(cfg, filepath.Dir(path), visited, depth)
	}
	return nil
}

// decryptSecrets replaces every "enc:" value among the secret fields.
func decryptSecrets(cfg *Config, passphrase string) error {
	type secret struct {
		name  string
		field *string
	}
	var secrets []secret
	for i := range cfg.Decision.Providers {
		p := &cfg.Decision.Providers[i]
		secrets = append(secrets, secret{"provider " + p.Name + " api_key", &p.APIKey})
	}
	for i := range cfg.Gateway.Auth.Tokens {
		t := &cfg.Gateway.Auth.Tokens[i]
		secrets = append(secrets, secret{"gateway token " + t.Name, &t.Token})
	}
	secrets = append(secrets,
		secret{"notify.slack.bot_token", &cfg.Notify.Slack.BotToken},
		secret{"notify.discord.token", &cfg.Notify.Discord.Token},
	)

	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, "enc:") {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.field = plain
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a key derived from
// passphrase. The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
