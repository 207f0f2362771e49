package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads and holds the active configuration. Get returns the current
// snapshot; Reload re-reads the file in place so long-lived components can
// pick up threshold changes.
type Loader struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewLoader creates a Loader holding the default configuration.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	applyEnv(cfg)

	l.mu.Lock()
	l.path = path
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// LoadEnv applies environment overrides without a config file.
func (l *Loader) LoadEnv() {
	l.mu.Lock()
	applyEnv(l.cfg)
	l.mu.Unlock()
}

// Reload re-reads the previously loaded file. No-op if Load was never called.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return nil
	}
	return l.Load(path)
}

// Get returns the current configuration snapshot.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Path returns the loaded config file path, if any.
func (l *Loader) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// applyEnv overlays the environment variables of the deployment contract on
// top of whatever the file provided.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("USE_MOCK_DATA"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ingest.UseMockData = b
		}
	}
	if v := os.Getenv("BOOTSTRAP_ADMIN_USERNAME"); v != "" {
		cfg.Auth.BootstrapAdminUsername = v
	}
	if v := os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.BootstrapAdminPassword = v
	}
	if v := os.Getenv("PATHWARDEN_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Ingest.AWSRegion = v
	}
}
