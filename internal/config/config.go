package config

import (
	"os"
	"strconv"
)

// Config holds all application configuration loaded from the environment.
type Config struct {
	Port         string
	DatabasePath string // SQLite board store path
	DownloadsDir string // directory for save-sink output
	SettingsPath string // persisted pipeline settings (JSON or YAML)
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "3001"),
		DatabasePath: getEnv("DATABASE_PATH", "quirk.db"),
		DownloadsDir: getEnv("DOWNLOADS_DIR", "downloads"),
		SettingsPath: getEnv("SETTINGS_PATH", "settings.yaml"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
