package main

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Harvey-AU/profile-harvester/internal/config"
	"github.com/Harvey-AU/profile-harvester/internal/logsink"
	"github.com/Harvey-AU/profile-harvester/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter()

	req1, _ := http.NewRequest("GET", "/test", nil)
	req1.Header.Set("X-Forwarded-For", "192.168.1.1")

	// Test basic allowance - should allow up to burst capacity (10)
	for i := range 10 {
		ip := getClientIP(req1)
		if !limiter.getLimiter(ip).Allow() {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	// This should be blocked (11th request exceeds burst capacity)
	if limiter.getLimiter(getClientIP(req1)).Allow() {
		t.Errorf("Request should be blocked after burst capacity exceeded")
	}

	// Different IP should be allowed
	req2, _ := http.NewRequest("GET", "/test", nil)
	req2.Header.Set("X-Forwarded-For", "192.168.1.2")
	if !limiter.getLimiter(getClientIP(req2)).Allow() {
		t.Errorf("Request from different IP should be allowed")
	}
}

func TestGetClientIP(t *testing.T) {
	req, _ := http.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.7:52311"
	assert.Equal(t, "10.0.0.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}

func TestParseOTLPHeaders(t *testing.T) {
	assert.Empty(t, parseOTLPHeaders("  "))
	assert.Equal(t, map[string]string{
		"Authorization": "Basic abc=",
		"x-team":        "scrapers",
	}, parseOTLPHeaders("Authorization=Basic abc=, x-team=scrapers, broken, =nokey"))
}

func TestSetupLoggingMirrorsIntoStore(t *testing.T) {
	previous := log.Logger
	previousLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(previousLevel)
	})

	store := state.NewMemoryStore()
	sink := logsink.New(store, 8, 10)
	setupLogging(&config.Config{Env: "production", LogLevel: "not-a-level"}, sink)

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	log.Warn().Str("worker_id", "w1").Msg("queue growing")
	log.Error().Msg("flush failed")
	log.Info().Msg("below level")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	entries, err := logsink.Read(ctx, store, false, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue growing", entries[0].Message)
	assert.Equal(t, "w1", entries[0].WorkerID)

	critical, err := logsink.Read(ctx, store, true, 0)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "error", critical[0].Level)
}

func TestSetupLoggingConsole(t *testing.T) {
	previous := log.Logger
	previousLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(previousLevel)
	})

	setupLogging(&config.Config{Env: "development", LogLevel: "debug"}, nil)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	var buf bytes.Buffer
	log.Logger = log.Output(&buf)
	log.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}
