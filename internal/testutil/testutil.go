package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// LoadTestEnv copies TEST_REDIS_URL and TEST_MONGODB_URI from .env.test into
// REDIS_URL and MONGODB_URI unless those are already set (e.g. in CI).
func LoadTestEnv(t *testing.T) {
	t.Helper()

	envPath := findEnvTestFile()
	if envPath == "" {
		t.Log("Warning: .env.test file not found, using environment variables as-is")
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: Failed to read %s: %v", envPath, err)
		return
	}

	for testKey, key := range map[string]string{
		"TEST_REDIS_URL":   "REDIS_URL",
		"TEST_MONGODB_URI": "MONGODB_URI",
	} {
		if os.Getenv(key) != "" {
			continue
		}
		if value, ok := envMap[testKey]; ok && value != "" {
			t.Setenv(key, value)
			t.Logf("%s set from %s in .env.test", key, testKey)
		}
	}
}

// RequireEnv loads the test env and skips the test unless every key is set.
// It returns the values in the order requested.
func RequireEnv(t *testing.T, keys ...string) []string {
	t.Helper()
	LoadTestEnv(t)

	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = os.Getenv(key)
		if values[i] == "" {
			t.Skipf("%s not set", key)
		}
	}
	return values
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
