package config

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Retention struct {
	MessageTTL           time.Duration `yaml:"messageTTL"`
	SweepInterval        time.Duration `yaml:"sweepInterval"`
	IdleIdentityEviction time.Duration `yaml:"idleIdentityEviction"`
}

type SessionsConfig struct {
	SendBufferSize           int `yaml:"sendBufferSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Publish RateLimiterConfig `yaml:"publish"`
	Control RateLimiterConfig `yaml:"control"`
	System  RateLimiterConfig `yaml:"system"`
	Stream  RateLimiterConfig `yaml:"stream"`
	Default RateLimiterConfig `yaml:"default"`
}

type SSH struct {
	Enabled     bool   `yaml:"enabled"`
	Binding     string `yaml:"binding,omitempty"`
	HostKeyPath string `yaml:"hostKeyPath,omitempty"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name onto slog. An empty level
// means info.
func (l Logging) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type Server struct {
	HttpBinding      string         `yaml:"httpBinding"`
	ClientDomain     string         `yaml:"clientDomain,omitempty"`
	TLS              TLS            `yaml:"tls"`
	ServerMustUseTLS bool           `yaml:"serverMustUseTLS"`
	ClientSkipVerify bool           `yaml:"clientSkipVerify"` // If true, clients spawned from this config permit skip of TLS verification
	Retention        Retention      `yaml:"retention"`
	RateLimiters     RateLimiters   `yaml:"rateLimiters"`
	Sessions         SessionsConfig `yaml:"sessions"`
	SSH              SSH            `yaml:"ssh"`
	Logging          Logging        `yaml:"logging"`
}

var (
	ErrConfigFileMissing                       = errors.New("config file is missing")
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing                      = errors.New("httpBinding is missing in config")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrRetentionMessageTTLMissing              = errors.New("retention.messageTTL is missing in config")
	ErrRetentionSweepIntervalMissing           = errors.New("retention.sweepInterval is missing in config")
	ErrRetentionIdleEvictionMissing            = errors.New("retention.idleIdentityEviction is missing in config")
	ErrRetentionIdleEvictionTooShort           = errors.New("retention.idleIdentityEviction must not be shorter than retention.messageTTL")
	ErrRateLimitersPublishLimitMissing         = errors.New("rateLimiters.publish.limit is missing in config")
	ErrRateLimitersControlLimitMissing         = errors.New("rateLimiters.control.limit is missing in config")
	ErrRateLimitersSystemLimitMissing          = errors.New("rateLimiters.system.limit is missing in config")
	ErrRateLimitersStreamLimitMissing          = errors.New("rateLimiters.stream.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
	ErrSessionsSendBufferSizeMissing           = errors.New("sessions.sendBufferSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrSSHBindingMissing                       = errors.New("ssh.binding is required when ssh is enabled")
	ErrSSHHostKeyPathMissing                   = errors.New("ssh.hostKeyPath is required when ssh is enabled")
	ErrLoggingLevelInvalid                     = errors.New("logging.level must be one of debug, info, warn, error")
)

func LoadConfig(configFile string) (*Server, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Server
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	// Basic validation
	if cfg.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}

	if cfg.ServerMustUseTLS && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		return nil, ErrTLSMissing
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return nil, ErrTLSMissing
	}

	if cfg.Retention.MessageTTL == 0 {
		return nil, ErrRetentionMessageTTLMissing
	}
	if cfg.Retention.SweepInterval == 0 {
		return nil, ErrRetentionSweepIntervalMissing
	}
	if cfg.Retention.IdleIdentityEviction == 0 {
		return nil, ErrRetentionIdleEvictionMissing
	}
	if cfg.Retention.IdleIdentityEviction < cfg.Retention.MessageTTL {
		return nil, ErrRetentionIdleEvictionTooShort
	}

	if cfg.RateLimiters.Publish.Limit == 0 {
		return nil, ErrRateLimitersPublishLimitMissing
	}
	if cfg.RateLimiters.Control.Limit == 0 {
		return nil, ErrRateLimitersControlLimitMissing
	}
	if cfg.RateLimiters.System.Limit == 0 {
		return nil, ErrRateLimitersSystemLimitMissing
	}
	if cfg.RateLimiters.Stream.Limit == 0 {
		return nil, ErrRateLimitersStreamLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return nil, ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Sessions.SendBufferSize <= 0 {
		return nil, ErrSessionsSendBufferSizeMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return nil, ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return nil, ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return nil, ErrSessionsMaxConnectionsMissing
	}

	if cfg.SSH.Enabled {
		if cfg.SSH.Binding == "" {
			return nil, ErrSSHBindingMissing
		}
		if cfg.SSH.HostKeyPath == "" {
			return nil, ErrSSHHostKeyPathMissing
		}
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return nil, ErrLoggingLevelInvalid
	}

	return &cfg, nil
}

func GenerateConfig(configFile string) (*Server, error) {
	cfg := Server{
		HttpBinding:      "127.0.0.1:8000",
		ClientDomain:     "localhost",
		ClientSkipVerify: false,
		ServerMustUseTLS: true,
		TLS: TLS{
			Cert: "config/tls/server.crt", // Generated on first run if absent
			Key:  "config/tls/server.key", // Generated on first run if absent
		},
		Retention: Retention{
			MessageTTL:           10 * time.Second,
			SweepInterval:        1 * time.Second,
			IdleIdentityEviction: 24 * time.Hour,
		},
		RateLimiters: RateLimiters{
			Publish: RateLimiterConfig{Limit: 100.0, Burst: 200},
			Control: RateLimiterConfig{Limit: 100.0, Burst: 200},
			System:  RateLimiterConfig{Limit: 50.0, Burst: 100},
			Stream:  RateLimiterConfig{Limit: 200.0, Burst: 400},
			Default: RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
		Sessions: SessionsConfig{
			SendBufferSize:           256,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
		SSH: SSH{
			Enabled:     false,
			Binding:     "127.0.0.1:2222",
			HostKeyPath: ".ssh/synap_ed25519",
		},
		Logging: Logging{
			Level: "info",
		},
	}

	// The configFile argument is not used by this function to generate the content,
	// but its presence matches the function signature. The actual writing to a file
	// based on a command-line flag is handled in the runtime.
	return &cfg, nil
}
