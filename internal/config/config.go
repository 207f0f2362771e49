package config

import (
	"time"
)

// Config is the top-level PathWarden configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Detection DetectionConfig `yaml:"detection"`
	Response  ResponseConfig  `yaml:"response"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	// DataDir holds graph.snapshot, alerts.json, response_state.json and
	// audit_logs.json.
	DataDir string `yaml:"data_dir"`
	// UserDBPath is the sqlite database backing the user store.
	UserDBPath string `yaml:"user_db_path"`
}

type AuthConfig struct {
	// JWTSecret signs bearer tokens. Required unless mock mode generates an
	// ephemeral one.
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// BootstrapAdminUsername/Password seed an admin account when the user
	// store is empty.
	BootstrapAdminUsername string `yaml:"bootstrap_admin_username"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`
	// AuthRatePerMinute limits register/login attempts per client IP.
	AuthRatePerMinute int `yaml:"auth_rate_per_minute"`
}

type DetectionConfig struct {
	MaxPathDepth           int           `yaml:"max_path_depth"`
	MinPrivilegeDelta      int           `yaml:"min_privilege_delta"`
	LowPrivilegeThreshold  int           `yaml:"low_privilege_threshold"`
	HighPrivilegeThreshold int           `yaml:"high_privilege_threshold"`
	BlastRadiusDepth       int           `yaml:"blast_radius_depth"`
	BlastRadiusCap         int           `yaml:"blast_radius_cap"`
	MaxRecommendations     int           `yaml:"max_recommendations"`
	ScanBudget             time.Duration `yaml:"scan_budget"`
	// AutoResponseGate is a CEL expression over confidence, blast_radius,
	// severity and privilege_delta. Empty selects the built-in default gate.
	AutoResponseGate string `yaml:"auto_response_gate"`
}

type ResponseConfig struct {
	PlanDeadline   time.Duration `yaml:"plan_deadline"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

type IngestConfig struct {
	UseMockData bool   `yaml:"use_mock_data"`
	AWSRegion   string `yaml:"aws_region"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     5000,
			LogLevel: "info",
			CORS:     false,
		},
		Storage: StorageConfig{
			DataDir:    "./data",
			UserDBPath: "./pathwarden-users.db",
		},
		Auth: AuthConfig{
			TokenTTL:          8 * time.Hour,
			AuthRatePerMinute: 10,
		},
		Detection: DetectionConfig{
			MaxPathDepth:           5,
			MinPrivilegeDelta:      20,
			LowPrivilegeThreshold:  40,
			HighPrivilegeThreshold: 70,
			BlastRadiusDepth:       3,
			BlastRadiusCap:         1000,
			MaxRecommendations:     5,
			ScanBudget:             30 * time.Second,
		},
		Response: ResponseConfig{
			PlanDeadline:   60 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 100 * time.Millisecond,
		},
		Ingest: IngestConfig{
			UseMockData: false,
			AWSRegion:   "us-east-1",
		},
	}
}
