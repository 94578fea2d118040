// Package config handles Nosh configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultHistoryWindow is the trailing number of conversation messages
// sent to the model on each turn. Kept small: the vitals block in the
// system prompt carries most of the context, and every extra message
// costs tokens on every turn.
const DefaultHistoryWindow = 5

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nosh/config.yaml, /etc/nosh/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nosh", "config.yaml"))
	}

	paths = append(paths, "/etc/nosh/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Nosh configuration.
type Config struct {
	Listen        ListenConfig    `yaml:"listen"`
	Gemini        GeminiConfig    `yaml:"gemini"`
	Fitbit        FitbitConfig    `yaml:"fitbit"`
	Twilio        TwilioConfig    `yaml:"twilio"`
	MQTT          MQTTConfig      `yaml:"mqtt"`
	Heartbeat     HeartbeatConfig `yaml:"heartbeat"`
	DataDir       string          `yaml:"data_dir"`
	LogLevel      string          `yaml:"log_level"`
	HistoryWindow int             `yaml:"history_window"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GeminiConfig defines the completion service settings.
type GeminiConfig struct {
	APIKey      string `yaml:"api_key"`
	ChatModel   string `yaml:"chat_model"`   // Coaching/onboarding turns
	VisionModel string `yaml:"vision_model"` // Food image classification
	BaseURL     string `yaml:"base_url"`     // Override for testing
}

// FitbitConfig defines OAuth2 client credentials for the Fitbit API.
// The initial token pair is bootstrapped out-of-band (one manual
// authorization code exchange); the token source only refreshes.
type FitbitConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"` // Override for testing
}

// TwilioConfig defines the outbound WhatsApp notification channel.
// When disabled, replies are logged instead of sent.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"` // e.g. whatsapp:+14155238886
	To         string `yaml:"to"`   // e.g. whatsapp:+919999999999
}

// MQTTConfig defines the optional location subscriber. Position
// updates (OwnTracks-style JSON) arrive out-of-band on the given topic
// and feed the last-known-location cache.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Topic    string `yaml:"topic"`  // e.g. owntracks/user/+
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HeartbeatConfig defines the proactive check-in schedule. The cron
// spec fires a synthetic status-check turn for the given thread so the
// coach can message first.
type HeartbeatConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`      // e.g. "*/30 * * * *"
	Thread  string `yaml:"thread_id"` // conversation thread to wake
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Gemini: GeminiConfig{
			ChatModel:   "gemini-2.5-flash",
			VisionModel: "gemini-2.0-flash",
		},
		Heartbeat: HeartbeatConfig{
			Cron:   "*/30 * * * *",
			Thread: "heartbeat",
		},
		DataDir:       ".",
		HistoryWindow: DefaultHistoryWindow,
	}
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("history_window must be positive, got %d", c.HistoryWindow)
	}
	if c.Heartbeat.Enabled && c.Heartbeat.Thread == "" {
		return fmt.Errorf("heartbeat.thread_id is required when heartbeat is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
