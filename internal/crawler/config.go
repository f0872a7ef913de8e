package crawler

import (
	"time"
)

// Config holds the configuration for a crawler instance
type Config struct {
	URLTemplate string        // Profile URL with a single %d verb for the ID
	UserAgent   string        // Browser user agent sent with every request
	Timeout     time.Duration // Per-request deadline
	WorkerID    string        // Stamped onto every record as scrapedBy
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		URLTemplate: "https://funpay.com/users/%d/",
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3",
		Timeout:     30 * time.Second,
	}
}
