// Package config loads the node's runtime configuration from environment
// variables, matching the reference validator's flat Config/Load/Validate
// shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the shielded node service.
type Config struct {
	// Chain identity
	ChainID       string // CometBFT chain id, also the transaction builder's chain id
	EpochDuration uint64 // blocks per epoch; overridden by genesis app state after InitChain
	FeeAssetDenom string // fee asset denom; builder.SetFee takes the fee asset id as an argument and does not read this

	// Storage
	DataDir string // base directory for the kvstore backend and node key material

	// Database Configuration (used when the Postgres-backed store is selected)
	DatabaseURL       string
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Server Configuration
	ListenAddr  string // ABCI socket/gRPC listen address
	RPCPort     int    // CometBFT RPC port
	P2PPort     int    // CometBFT P2P port
	MetricsAddr string // Prometheus metrics listen address

	LogLevel string
}

// Load reads configuration from environment variables. Required fields have
// no defaults; call Validate after Load to enforce that.
func Load() (*Config, error) {
	cfg := &Config{
		ChainID:       getEnv("CHAIN_ID", ""),
		EpochDuration: getEnvUint64("EPOCH_DURATION", 2016),
		FeeAssetDenom: getEnv("FEE_ASSET_DENOM", "upenumbra"),

		DataDir: getEnv("DATA_DIR", "./data"),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnvInt("DB_PORT", 5432),
		DBUser:            getEnv("DB_USER", "shielded"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBName:            getEnv("DB_NAME", "shielded_node"),
		DBSSLMode:         getEnv("DB_SSL_MODE", "require"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		ListenAddr:  getEnv("ABCI_LISTEN_ADDR", "tcp://0.0.0.0:26658"),
		RPCPort:     getEnvInt("COMETBFT_RPC_PORT", 26657),
		P2PPort:     getEnvInt("COMETBFT_P2P_PORT", 26656),
		MetricsAddr: getEnv("METRICS_ADDR", "0.0.0.0:9090"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	var errors []string

	if c.ChainID == "" {
		errors = append(errors, "CHAIN_ID is required but not set")
	}
	if c.DataDir == "" {
		errors = append(errors, "DATA_DIR is required but not set")
	}
	if c.EpochDuration == 0 {
		errors = append(errors, "EPOCH_DURATION must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}
	return nil
}

// PostgresDSN builds a libpq connection string from the discrete DB fields,
// used when DatabaseURL itself is not set.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Helper functions for environment variable parsing, matching the reference
// node's config package.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
