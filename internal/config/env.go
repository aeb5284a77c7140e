package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the named environment variable, or fallback when unset
// or empty.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetIntEnv parses the named environment variable as an integer.
// Unset, empty or unparsable values yield fallback.
func GetIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetFloatEnv parses the named environment variable as a float64.
func GetFloatEnv(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// GetBoolEnv parses the named environment variable with strconv.ParseBool.
func GetBoolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// GetDurationEnv parses the named environment variable as a time.Duration.
func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// GetSecretFile reads a secret mounted as a file (Docker secrets under
// /run/secrets/, K8s secret volumes) and trims surrounding whitespace.
// Missing files read as empty.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
