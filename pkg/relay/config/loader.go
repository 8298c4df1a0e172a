// Package config – loader.go reads YAML configuration with .env loading and
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads and parses a YAML configuration file. .env files are loaded
// first and ${VAR} references in the YAML are expanded before parsing.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}
	ResolveSecrets(cfg)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Save writes a Config as YAML with owner-only permissions. The API key is
// replaced by an env reference so the plaintext never lands on disk.
func Save(cfg *Config, path string) error {
	sanitized := *cfg
	if sanitized.API.APIKey != "" {
		sanitized.API.APIKey = "${RELAY_API_KEY}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindFile searches for a config file in standard locations. Returns ""
// when none exists.
func FindFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"relay.yaml",
		"relay.yml",
		"configs/relay.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ResolveSecrets fills the API key from the keyring and environment when
// the config value is empty or an unexpanded reference.
func ResolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" && !envVarPattern.MatchString(cfg.API.APIKey) {
		return
	}
	if key := GetKeyring(KeyringAPIKey); key != "" {
		cfg.API.APIKey = key
		return
	}
	for _, name := range []string{"RELAY_API_KEY", "OPENAI_API_KEY"} {
		if key := os.Getenv(name); key != "" {
			cfg.API.APIKey = key
			return
		}
	}
	cfg.API.APIKey = ""
}

// loadEnvFiles loads .env files from standard locations. godotenv.Load
// never overwrites variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with their values.
// Unset variables expand to the reference itself, so ResolveSecrets can
// still recognize them.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
