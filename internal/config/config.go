package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合客户端的全部配置项。
type Config struct {
	Server   ServerConfig
	Realtime RealtimeConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Realtime: realtime}, nil
}

// ServerConfig 描述分析后端的地址与凭证。
type ServerConfig struct {
	BaseURL        string
	AuthToken      string
	AnalyzePath    string
	RequestTimeout time.Duration
}

// RealtimeConfig 描述实时会话相关配置。
type RealtimeConfig struct {
	Enabled         bool
	SocketPath      string
	Transports      []string
	Room            string
	PreviewDebounce time.Duration
	TypingTimeout   time.Duration
}

// loadServerConfig 解析后端地址，缺省指向本地开发服务。
func loadServerConfig() (ServerConfig, error) {
	baseURL := getEnvOrDefault("EMOTIBOT_SERVER_URL", "http://localhost:5000")
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid EMOTIBOT_SERVER_URL value %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ServerConfig{}, fmt.Errorf("invalid EMOTIBOT_SERVER_URL value %q: scheme must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return ServerConfig{}, fmt.Errorf("invalid EMOTIBOT_SERVER_URL value %q: missing host", baseURL)
	}

	timeout, err := parseOptionalIntEnv("EMOTIBOT_REQUEST_TIMEOUT")
	if err != nil {
		return ServerConfig{}, err
	}
	timeoutSeconds := 30 // 默认30秒
	if timeout != nil {
		timeoutSeconds = *timeout
	}
	if timeoutSeconds < 1 {
		return ServerConfig{}, fmt.Errorf("invalid EMOTIBOT_REQUEST_TIMEOUT value %d: must be positive", timeoutSeconds)
	}

	return ServerConfig{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		AuthToken:      strings.TrimSpace(os.Getenv("EMOTIBOT_AUTH_TOKEN")),
		AnalyzePath:    normalizePath(getEnvOrDefault("EMOTIBOT_ANALYZE_PATH", "/api/analyze")),
		RequestTimeout: time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	enabled, err := parseBoolEnv("EMOTIBOT_REALTIME", true)
	if err != nil {
		return RealtimeConfig{}, err
	}

	preview, err := parseDurationMillisEnv("EMOTIBOT_PREVIEW_DEBOUNCE_MS", 300*time.Millisecond)
	if err != nil {
		return RealtimeConfig{}, err
	}

	typing, err := parseDurationMillisEnv("EMOTIBOT_TYPING_TIMEOUT_MS", 2000*time.Millisecond)
	if err != nil {
		return RealtimeConfig{}, err
	}

	transports, err := parseTransports(getEnvOrDefault("EMOTIBOT_TRANSPORTS", "websocket,polling"))
	if err != nil {
		return RealtimeConfig{}, err
	}

	return RealtimeConfig{
		Enabled:         enabled,
		SocketPath:      normalizePath(getEnvOrDefault("EMOTIBOT_SOCKET_PATH", "/socket")),
		Transports:      transports,
		Room:            strings.TrimSpace(os.Getenv("EMOTIBOT_ROOM")),
		PreviewDebounce: preview,
		TypingTimeout:   typing,
	}, nil
}

func parseTransports(raw string) ([]string, error) {
	var transports []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if name != "websocket" && name != "polling" {
			return nil, fmt.Errorf("invalid EMOTIBOT_TRANSPORTS entry %q", name)
		}
		seen[name] = true
		transports = append(transports, name)
	}
	if len(transports) == 0 {
		return nil, fmt.Errorf("EMOTIBOT_TRANSPORTS must name at least one transport")
	}
	return transports, nil
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationMillisEnv 读取以毫秒为单位的时长，必须为正数。
func parseDurationMillisEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	millis, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if millis == nil {
		return defaultValue, nil
	}
	if *millis <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *millis)
	}
	return time.Duration(*millis) * time.Millisecond, nil
}
