package shared

import (
	"os"
)

// Environment variables understood across the module. SSLKEYLOGFILE
// lives in the keylog package since the name is an ecosystem-wide
// convention rather than ours.
const (
	EnvQuiet       = "KEYTAP_QUIET"
	EnvDevelopment = "KEYTAP_DEBUG"
	EnvEngine      = "KEYTAP_ENGINE"
	EnvWatchAddr   = "KEYTAP_WATCH_ADDR"
)

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
