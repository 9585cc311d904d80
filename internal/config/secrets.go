package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/bcrypt"
)

// KeyringService is the OS keyring service name for stored API keys.
const KeyringService = "helix"

// Provider API key environment variables, in lookup order.
var apiKeyEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
}

// APIKey resolves the key for provider from the environment, then the OS
// keyring. An empty string means no key is configured.
func APIKey(provider string) string {
	for _, name := range apiKeyEnv[provider] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	key, err := keyring.Get(KeyringService, provider)
	if err != nil {
		return ""
	}
	return key
}

// StoreAPIKey saves a provider key in the OS keyring.
func StoreAPIKey(provider, key string) error {
	if _, ok := apiKeyEnv[provider]; !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	if err := keyring.Set(KeyringService, provider, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a stored key. Missing keys are not an error.
func DeleteAPIKey(provider string) error {
	err := keyring.Delete(KeyringService, provider)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// SetWebPassword stores a bcrypt hash of password in the web config.
func (c *Config) SetWebPassword(password string) error {
	if password == "" {
		c.Web.WebPasswordHash = ""
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash web password: %w", err)
	}
	c.Web.WebPasswordHash = string(hash)
	return nil
}

// CheckWebPassword reports whether password matches. An unset password
// accepts everything.
func (c *Config) CheckWebPassword(password string) bool {
	if c.Web.WebPasswordHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(c.Web.WebPasswordHash), []byte(password)) == nil
}
