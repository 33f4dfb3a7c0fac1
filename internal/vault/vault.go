// Package vault encrypts per-task credential blobs at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// Credentials are the secrets a task may carry for its sandbox run.
// At least one of AnthropicAPIKey or ClaudeCodeOAuthToken must be set for
// the agent to authenticate.
type Credentials struct {
	AnthropicAPIKey      string `json:"anthropic_api_key,omitempty"`
	ClaudeCodeOAuthToken string `json:"claude_code_oauth_token,omitempty"`
	GithubToken          string `json:"github_token,omitempty"`
}

func (c Credentials) Empty() bool {
	return c.AnthropicAPIKey == "" && c.ClaudeCodeOAuthToken == "" && c.GithubToken == ""
}

// Env returns the credentials as agent environment variables, omitting
// unset values.
func (c Credentials) Env() map[string]string {
	env := make(map[string]string, 3)
	if c.AnthropicAPIKey != "" {
		env["ANTHROPIC_API_KEY"] = c.AnthropicAPIKey
	}
	if c.ClaudeCodeOAuthToken != "" {
		env["CLAUDE_CODE_OAUTH_TOKEN"] = c.ClaudeCodeOAuthToken
	}
	if c.GithubToken != "" {
		env["GITHUB_TOKEN"] = c.GithubToken
	}
	return env
}

// Vault seals and opens credential blobs. The ciphertext layout is
// nonce || gcm(json(credentials)).
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a base64-encoded 32-byte key.
func New(encodedKey string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("vault key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (v *Vault) Encrypt(creds Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) Decrypt(ciphertext []byte) (Credentials, error) {
	var creds Credentials
	if len(ciphertext) < v.aead.NonceSize() {
		return creds, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return creds, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return creds, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}
