package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/binhbb2204/chatsync/internal/chat"
	"github.com/binhbb2204/chatsync/internal/connection"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host          string `yaml:"host"`
		HTTPPort      int    `yaml:"http_port"`
		WebSocketPort int    `yaml:"websocket_port"`
		UseTLS        bool   `yaml:"use_tls"`
	} `yaml:"server"`
	User struct {
		Username string `yaml:"username"`
		Token    string `yaml:"token"`
		UserID   int64  `yaml:"user_id"`
	} `yaml:"user"`
	Chat struct {
		HistoryLimit int    `yaml:"history_limit"`
		TypingWindow string `yaml:"typing_window"`
		TypingExpiry string `yaml:"typing_expiry"`
		SendTimeout  string `yaml:"send_timeout"`
	} `yaml:"chat"`
	Reconnect struct {
		MaxAttempts int    `yaml:"max_attempts"`
		Interval    string `yaml:"interval"`
		Linear      bool   `yaml:"linear"`
	} `yaml:"reconnect"`
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
		Path  string `yaml:"path"`
	} `yaml:"logging"`
}

var GlobalConfig *Config

// GetConfigDir is ~/.chatsync unless CHATSYNC_HOME points elsewhere.
func GetConfigDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatsync"), nil
}

func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

func Defaults(configDir string) *Config {
	config := &Config{}
	config.Server.Host = "localhost"
	config.Server.HTTPPort = 8080
	config.Server.WebSocketPort = 8080
	config.Chat.HistoryLimit = 50
	config.Chat.TypingWindow = "2s"
	config.Chat.TypingExpiry = "3s"
	config.Chat.SendTimeout = "10s"
	config.Reconnect.MaxAttempts = 5
	config.Reconnect.Interval = "2s"
	config.Logging.Level = "info"
	config.Logging.Path = filepath.Join(configDir, "logs")
	return config
}

// LoadFile reads the config file as written, without environment
// overrides. Use it when the result will be saved back.
func LoadFile() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

// Load reads the config file and applies CHATSYNC_HOST, CHATSYNC_HTTP_PORT,
// CHATSYNC_WS_PORT and LOG_LEVEL on top.
func Load() (*Config, error) {
	config, err := LoadFile()
	if err != nil {
		return nil, err
	}
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	GlobalConfig = config
	return config, nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv("CHATSYNC_HOST"); host != "" {
		c.Server.Host = host
	}
	for env, dst := range map[string]*int{
		"CHATSYNC_HTTP_PORT": &c.Server.HTTPPort,
		"CHATSYNC_WS_PORT":   &c.Server.WebSocketPort,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		*dst = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

func Save(config *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// the file holds the auth token
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	GlobalConfig = config
	return nil
}

func Init() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	logsDir := filepath.Join(configDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	return Save(Defaults(configDir))
}

func UpdateUserToken(username, token string, userID int64) error {
	config, err := LoadFile()
	if err != nil {
		return err
	}

	config.User.Username = username
	config.User.Token = token
	config.User.UserID = userID

	return Save(config)
}

func ClearUserToken() error {
	config, err := LoadFile()
	if err != nil {
		return err
	}

	config.User.Username = ""
	config.User.Token = ""
	config.User.UserID = 0

	return Save(config)
}

func (c *Config) ServerURL() string {
	scheme := "http"
	if c.Server.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Server.Host, c.Server.HTTPPort)
}

func (c *Config) WebSocketURL() string {
	scheme := "ws"
	if c.Server.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, c.Server.Host, c.Server.WebSocketPort)
}

func GetServerURL() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.ServerURL(), nil
}

// Token and Handle make the config a chat.CredentialStore.
func (c *Config) Token() (string, error) {
	if c.User.Token == "" {
		return "", chat.ErrNotLoggedIn
	}
	return c.User.Token, nil
}

func (c *Config) Handle() string { return c.User.Username }

// SessionConfig turns the chat and reconnect sections into session
// settings. Unset or zero values keep the session defaults.
func (c *Config) SessionConfig() (chat.Config, error) {
	cfg := chat.DefaultConfig()
	if c.Chat.HistoryLimit > 0 {
		cfg.HistoryLimit = c.Chat.HistoryLimit
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"chat.typing_window", c.Chat.TypingWindow, &cfg.TypingWindow},
		{"chat.typing_expiry", c.Chat.TypingExpiry, &cfg.TypingExpiry},
		{"chat.send_timeout", c.Chat.SendTimeout, &cfg.SendTimeout},
		{"reconnect.interval", c.Reconnect.Interval, &cfg.Reconnect.Interval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return chat.Config{}, fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		if v > 0 {
			*d.dst = v
		}
	}
	cfg.Reconnect = connection.ReconnectPolicy{
		MaxAttempts: c.Reconnect.MaxAttempts,
		Interval:    cfg.Reconnect.Interval,
		Linear:      c.Reconnect.Linear,
	}
	return cfg, nil
}

// Set assigns a "section.key" value, where both parts are the yaml names.
func (c *Config) Set(key, value string) error {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return fmt.Errorf("invalid key format %q, use 'section.key'", key)
	}
	section, ok := fieldByTag(reflect.ValueOf(c).Elem(), strings.ToLower(parts[0]))
	if !ok || section.Kind() != reflect.Struct {
		return fmt.Errorf("unknown config section %q", parts[0])
	}
	field, ok := fieldByTag(section, strings.ToLower(parts[1]))
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for %s", key)
		}
		field.SetInt(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s", key)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("cannot set %s", key)
	}
	return nil
}

// Entries lists every section.key pair with the token redacted.
func (c *Config) Entries() [][2]string {
	var out [][2]string
	v := reflect.ValueOf(*c)
	for i := 0; i < v.NumField(); i++ {
		section := v.Field(i)
		sectionTag := v.Type().Field(i).Tag.Get("yaml")
		for j := 0; j < section.NumField(); j++ {
			tag := section.Type().Field(j).Tag.Get("yaml")
			val := fmt.Sprintf("%v", section.Field(j).Interface())
			if tag == "token" && val != "" {
				val = "********"
			}
			out = append(out, [2]string{sectionTag + "." + tag, val})
		}
	}
	return out
}

func fieldByTag(v reflect.Value, tag string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("yaml") == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
