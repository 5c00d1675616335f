package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Relay      RelayConfig   `mapstructure:"relay"`
	Client     ClientConfig  `mapstructure:"client"`
}

type RelayConfig struct {
	RedisAddr    string            `mapstructure:"redis_addr"`
	RedisPrefix  string            `mapstructure:"redis_prefix"`
	RateLimit    int               `mapstructure:"rate_limit"`
	RateInterval time.Duration     `mapstructure:"rate_interval"`
	CORSOrigins  []string          `mapstructure:"cors_origins"`
	ICEServers   []ICEServerConfig `mapstructure:"ice_servers"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type ClientConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	LocalID        string        `mapstructure:"local_id"`
	RemoteID       string        `mapstructure:"remote_id"`
	StreamInterval time.Duration `mapstructure:"stream_interval"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

var ErrNoICEURL = errors.New("ice server without urls")

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit path. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Relay.validateICE(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("relay.redis_addr", "")
	v.SetDefault("relay.redis_prefix", "peercall")
	v.SetDefault("relay.rate_limit", 20)
	v.SetDefault("relay.rate_interval", "1s")
	v.SetDefault("relay.cors_origins", []string{"*"})
	v.SetDefault("relay.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.local_id", "peer22")
	v.SetDefault("client.remote_id", "peer11")
	v.SetDefault("client.stream_interval", "2s")
	v.SetDefault("client.ping_interval", "2s")
	v.SetDefault("client.max_attempts", 0)
	v.SetDefault("client.connect_timeout", "10s")
}

func (r RelayConfig) validateICE() error {
	for i, s := range r.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("relay.ice_servers[%d]: %w", i, ErrNoICEURL)
		}
		for _, raw := range s.URLs {
			if _, err := stun.ParseURI(raw); err != nil {
				return fmt.Errorf("relay.ice_servers[%d]: %q: %w", i, raw, err)
			}
		}
	}
	return nil
}

// WebRTCICEServers converts the configured list to what browsers and pion accept.
func (r RelayConfig) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(r.ICEServers))
	for _, s := range r.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}
