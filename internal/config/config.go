package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/classchat/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv reads .env outside production (in containers/prod config comes from env only).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// CacheConfig — settings for the session-scoped cache (current user, chat list).
type CacheConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

// DevServerConfig — settings for the local in-memory backend.
type DevServerConfig struct {
	Addr               string        `yaml:"addr"`
	CORSAllowedOrigins string        `yaml:"cors_allowed_origins"`
	JWTSecret          string        `yaml:"jwt_secret"`
	TokenTTL           time.Duration `yaml:"-"`
	UploadDir          string        `yaml:"upload_dir"`
	MaxUploadSize      int64         `yaml:"-"`
	PublicBaseURL      string        `yaml:"public_base_url"`
}

// Config holds client and devserver settings.
// Precedence: environment variables > YAML file > defaults.
type Config struct {
	// Messaging API
	APIBaseURL      string        `yaml:"api_base_url"`
	RequestTimeout  time.Duration `yaml:"-"`
	HistoryPageSize int           `yaml:"history_page_size"`
	ChatPageSize    int           `yaml:"chat_page_size"`

	// Access token file (env ACCESS_TOKEN overrides the file)
	TokenPath string `yaml:"token_path"`

	// WebSocket
	WSWriteTimeout   int `yaml:"ws_write_timeout"`
	WSPongTimeout    int `yaml:"ws_pong_timeout"`
	WSMaxMessageSize int `yaml:"ws_max_message_size"`
	WSSendBufferSize int `yaml:"ws_send_buffer_size"`

	// Logging
	LogLevel string `yaml:"log_level"`

	Cache     CacheConfig     `yaml:"cache"`
	DevServer DevServerConfig `yaml:"devserver"`
}

// yamlConfig is the intermediate structure for YAML parsing.
type yamlConfig struct {
	APIBaseURL       string          `yaml:"api_base_url"`
	RequestTimeout   int             `yaml:"request_timeout"`
	HistoryPageSize  int             `yaml:"history_page_size"`
	ChatPageSize     int             `yaml:"chat_page_size"`
	TokenPath        string          `yaml:"token_path"`
	WSWriteTimeout   int             `yaml:"ws_write_timeout"`
	WSPongTimeout    int             `yaml:"ws_pong_timeout"`
	WSMaxMessageSize int             `yaml:"ws_max_message_size"`
	WSSendBufferSize int             `yaml:"ws_send_buffer_size"`
	LogLevel         string          `yaml:"log_level"`
	Cache            CacheConfig     `yaml:"cache"`
	DevServer        devServerYAML   `yaml:"devserver"`
}

type devServerYAML struct {
	Addr               string `yaml:"addr"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	JWTSecret          string `yaml:"jwt_secret"`
	TokenTTLHours      int    `yaml:"token_ttl_hours"`
	UploadDir          string `yaml:"upload_dir"`
	MaxUploadSizeMB    int    `yaml:"max_upload_size_mb"`
	PublicBaseURL      string `yaml:"public_base_url"`
}

// Load loads the configuration.
// Variables from .env are applied first (if present), then YAML, then env (env wins).
func Load() *Config {
	loadEnv()
	// Defaults
	yc := yamlConfig{
		APIBaseURL:       "http://127.0.0.1:8000/api/v1",
		RequestTimeout:   15,
		HistoryPageSize:  50,
		ChatPageSize:     100,
		WSWriteTimeout:   10,
		WSPongTimeout:    60,
		WSMaxMessageSize: 4096,
		WSSendBufferSize: 256,
		LogLevel:         "info",
		Cache:            CacheConfig{TTLMinutes: 10},
		DevServer: devServerYAML{
			Addr:               ":8000",
			CORSAllowedOrigins: "*",
			JWTSecret:          "classchat-dev-secret",
			TokenTTLHours:      24,
			UploadDir:          "./uploads",
			MaxUploadSizeMB:    20,
		},
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/classchat.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (falling back to defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cacheTTL := envInt("CACHE_TTL_MINUTES", yc.Cache.TTLMinutes)
	if cacheTTL <= 0 {
		cacheTTL = 10
	}

	cfg := &Config{
		APIBaseURL:       strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
		RequestTimeout:   time.Duration(envInt("REQUEST_TIMEOUT", yc.RequestTimeout)) * time.Second,
		HistoryPageSize:  envInt("HISTORY_PAGE_SIZE", yc.HistoryPageSize),
		ChatPageSize:     envInt("CHAT_PAGE_SIZE", yc.ChatPageSize),
		TokenPath:        envStr("TOKEN_PATH", yc.TokenPath),
		WSWriteTimeout:   envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout),
		WSPongTimeout:    envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout),
		WSMaxMessageSize: envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize),
		WSSendBufferSize: envInt("WS_SEND_BUFFER_SIZE", yc.WSSendBufferSize),
		LogLevel:         envStr("LOG_LEVEL", yc.LogLevel),
		Cache:            CacheConfig{TTLMinutes: cacheTTL},
		DevServer: DevServerConfig{
			Addr:               envStr("DEVSERVER_ADDR", yc.DevServer.Addr),
			CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.DevServer.CORSAllowedOrigins),
			JWTSecret:          envStr("DEVSERVER_JWT_SECRET", yc.DevServer.JWTSecret),
			TokenTTL:           time.Duration(envInt("DEVSERVER_TOKEN_TTL_HOURS", yc.DevServer.TokenTTLHours)) * time.Hour,
			UploadDir:          envStr("UPLOAD_DIR", yc.DevServer.UploadDir),
			MaxUploadSize:      int64(envInt("MAX_UPLOAD_SIZE_MB", yc.DevServer.MaxUploadSizeMB)) << 20,
			PublicBaseURL:      envStr("DEVSERVER_PUBLIC_BASE_URL", yc.DevServer.PublicBaseURL),
		},
	}

	if os.Getenv("APP_ENV") == "production" && cfg.DevServer.JWTSecret == "classchat-dev-secret" {
		logger.Errorf("config: set DEVSERVER_JWT_SECRET in production (do not use the development default)")
		os.Exit(1)
	}

	return cfg
}

// envStr returns the environment variable value or the fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment variable value or the fallback.
func envInt(key string, fallback int) int {
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
