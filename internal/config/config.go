// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	UploadDir   string
	SavedDir    string
	DBPath      string
	AllowOrigin string

	Gateway GatewayConfig
	Speech  SpeechConfig
}

// GatewayConfig controls the connection to the local OpenClaw gateway daemon.
type GatewayConfig struct {
	URL      string
	StateDir string
	ClientID string
	AgentID  string
	// SessionKey pins every exchange to one daemon-side conversation.
	SessionKey string
	Role       string
	Scopes     []string
	Timeout    time.Duration
	// AllowRemotePairing permits pairing auto-approval against non-loopback
	// gateways. Off by default: auto-approval is only a safe policy when the
	// daemon is confined to this host.
	AllowRemotePairing bool
}

// SpeechConfig holds ElevenLabs STT/TTS settings.
type SpeechConfig struct {
	APIKey       string
	VoiceID      string
	STTModel     string
	TTSModel     string
	LanguageCode string
	OutputFormat string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	stateDir := getEnv("OPENCLAW_VOICE_STATE_DIR", "")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		stateDir = filepath.Join(home, ".openclaw", "voice-server")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "18790"),
		UploadDir:   getEnv("UPLOAD_DIR", "/tmp/voice-uploads"),
		SavedDir:    getEnv("SAVED_AUDIO_DIR", filepath.Join(stateDir, "saved_audio")),
		DBPath:      getEnv("DB_PATH", filepath.Join(stateDir, "exchanges.db")),
		AllowOrigin: getEnv("ALLOW_ORIGIN", "*"),
		Gateway: GatewayConfig{
			URL:                getEnv("GATEWAY_URL", "ws://127.0.0.1:18789"),
			StateDir:           stateDir,
			ClientID:           getEnv("GATEWAY_CLIENT_ID", "voice-bridge"),
			AgentID:            getEnv("GATEWAY_AGENT_ID", "main"),
			SessionKey:         getEnv("GATEWAY_SESSION_KEY", "agent:main:main"),
			Role:               getEnv("GATEWAY_ROLE", "operator"),
			Scopes:             splitList(getEnv("GATEWAY_SCOPES", "operator.read,operator.write")),
			Timeout:            getEnvDuration("GATEWAY_TIMEOUT", 120*time.Second),
			AllowRemotePairing: getEnvBool("GATEWAY_ALLOW_REMOTE_PAIRING", false),
		},
		Speech: SpeechConfig{
			APIKey:       getEnv("ELEVENLABS_API_KEY", ""),
			VoiceID:      getEnv("ELEVENLABS_VOICE_ID", ""),
			STTModel:     getEnv("ELEVENLABS_STT_MODEL", "scribe_v1"),
			TTSModel:     getEnv("ELEVENLABS_TTS_MODEL", "eleven_multilingual_v2"),
			LanguageCode: getEnv("ELEVENLABS_LANGUAGE", "en"),
			OutputFormat: getEnv("ELEVENLABS_OUTPUT_FORMAT", "mp3_22050_32"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR cannot be empty")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("GATEWAY_URL cannot be empty")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("GATEWAY_URL must be a ws:// or wss:// URL")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be > 0")
	}
	if len(c.Gateway.Scopes) == 0 {
		return fmt.Errorf("GATEWAY_SCOPES cannot be empty")
	}
	if c.Speech.APIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY cannot be empty")
	}
	if c.Speech.VoiceID == "" {
		return fmt.Errorf("ELEVENLABS_VOICE_ID cannot be empty")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
		return d
	}
	return fallback
}
