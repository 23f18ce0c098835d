// Package config loads the server's tunables through a layered
// viper.Viper: defaults set in code, then an optional YAML/JSON file, then
// GPCORE_-prefixed environment variables, in that override order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the core and its ambient stack need.
type Config struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`

	MaxConnections int `mapstructure:"max_connections"`

	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	EmptyRoomTTL      time.Duration `mapstructure:"empty_room_ttl"`
	PlayerTTL         time.Duration `mapstructure:"player_ttl"`

	MaxReliableCommandsTrackedPerPeer int `mapstructure:"max_reliable_commands_tracked_per_peer"`
	MaxCachedEventsPerRoom            int `mapstructure:"max_cached_events_per_room"`
	MaxPlayersRoomHardCap             int `mapstructure:"max_players_room_hard_cap"`

	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
	SendQueueDepth   int           `mapstructure:"send_queue_depth"`

	// Knobs for the surrounding stack rather than the wire protocol
	// itself.
	MaxDecodeErrorsPerPeer int    `mapstructure:"max_decode_errors_per_peer"`
	BadPacketThreshold     int    `mapstructure:"bad_packet_threshold"`
	OpRateLimitPerSec      int    `mapstructure:"op_rate_limit_per_sec"`
	OpRateLimitBurst       int    `mapstructure:"op_rate_limit_burst"`
	AdminListenAddr        string `mapstructure:"admin_listen_addr"`
	LogLevel               string `mapstructure:"log_level"`
	LogFormat              string `mapstructure:"log_format"` // "json" or "text"
}

// Addr returns the host:port the game socket should bind.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_host", "0.0.0.0")
	v.SetDefault("listen_port", 5055)
	v.SetDefault("max_connections", 1000)
	v.SetDefault("ping_interval", 30*time.Second)
	v.SetDefault("connection_timeout", 60*time.Second)
	v.SetDefault("cleanup_interval", 60*time.Second)
	v.SetDefault("empty_room_ttl", 5*time.Minute)
	v.SetDefault("player_ttl", 0)
	v.SetDefault("max_reliable_commands_tracked_per_peer", 1000)
	v.SetDefault("max_cached_events_per_room", 100)
	v.SetDefault("max_players_room_hard_cap", 500)
	v.SetDefault("graceful_shutdown", 10*time.Second)
	v.SetDefault("send_queue_depth", 1024)
	v.SetDefault("max_decode_errors_per_peer", 10)
	v.SetDefault("bad_packet_threshold", 3)
	v.SetDefault("op_rate_limit_per_sec", 50)
	v.SetDefault("op_rate_limit_burst", 100)
	v.SetDefault("admin_listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load builds a Config from defaults, an optional config file at path (a
// missing file at the default path is not an error; an explicitly named
// missing file is), and GPCORE_-prefixed environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
