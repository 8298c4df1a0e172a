// Package config defines the Relay configuration schema and its loading
// rules. Secrets resolve through the OS keyring and environment before ever
// touching the YAML file.
package config

import (
	"time"

	"github.com/jholhewres/relay/pkg/relay/access"
	"github.com/jholhewres/relay/pkg/relay/channels/discord"
)

// Config is the full Relay configuration.
type Config struct {
	Assistant AssistantConfig `yaml:"assistant"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Discord   discord.Config  `yaml:"discord"`
	Gateway   GatewayConfig   `yaml:"gateway"`

	// Features maps capability and tool ids to access policies. A nil
	// map is the permissive legacy mode: everything loads, unrestricted.
	Features map[string]*access.Policy `yaml:"features"`

	// Groups defines named access groups with per-platform id lists.
	Groups access.GroupDefinitions `yaml:"groups"`
}

// AssistantConfig shapes the assistant persona.
type AssistantConfig struct {
	// Name is how the assistant refers to itself.
	Name string `yaml:"name"`

	// Identity is the base system prompt.
	Identity string `yaml:"identity"`

	// CommandPrefix marks inbound messages as commands.
	CommandPrefix string `yaml:"command_prefix"`

	// RespondWithoutMention lets the assistant answer messages that do
	// not mention it (DMs always respond).
	RespondWithoutMention bool `yaml:"respond_without_mention"`
}

// APIConfig points at an OpenAI-compatible endpoint.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`

	// APIKey should be an env reference like ${RELAY_API_KEY}; a raw key
	// here is plaintext on disk.
	APIKey string `yaml:"api_key"`

	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// EmbeddingDimensions must match the embedding model's output width.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// Timeout bounds one completion request.
	Timeout time.Duration `yaml:"timeout"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// GatewayConfig configures the WebSocket event gateway.
type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address, e.g. "127.0.0.1:7600".
	Addr string `yaml:"addr"`

	// TokenHash is the bcrypt hash of the access token.
	TokenHash string `yaml:"token_hash"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:          "Relay",
			Identity:      "You are Relay, a helpful chat assistant.",
			CommandPrefix: "!",
		},
		API: APIConfig{
			BaseURL:             "https://api.openai.com/v1",
			Model:               "gpt-4o-mini",
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimensions: 1536,
			Timeout:             120 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "relay.db",
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:7600",
		},
	}
}
