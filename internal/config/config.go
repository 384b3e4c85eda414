package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/dkeye/VoiceSFU/internal/engine"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`
	CORSOrigin string `mapstructure:"cors_origin"`
	// KickSlowPeers disconnects peers whose signal queue overflows instead
	// of dropping the event.
	KickSlowPeers bool `mapstructure:"kick_slow_peers"`

	WS     WSConfig     `mapstructure:"ws"`
	Limits LimitsConfig `mapstructure:"limits"`
	Rooms  RoomsConfig  `mapstructure:"rooms"`
	Media  MediaConfig  `mapstructure:"media"`
}

type WSConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendQueue  int           `mapstructure:"send_queue"`
}

type LimitsConfig struct {
	Requests int           `mapstructure:"requests"`
	Interval time.Duration `mapstructure:"interval"`
}

type RoomsConfig struct {
	CloseEmpty bool `mapstructure:"close_empty"`
}

type MediaConfig struct {
	RTCMinPort             uint16            `mapstructure:"rtc_min_port"`
	RTCMaxPort             uint16            `mapstructure:"rtc_max_port"`
	ListenIPs              []engine.ListenIP `mapstructure:"listen_ips"`
	EnableUDP              bool              `mapstructure:"enable_udp"`
	EnableTCP              bool              `mapstructure:"enable_tcp"`
	PreferUDP              bool              `mapstructure:"prefer_udp"`
	InitialOutgoingBitrate int               `mapstructure:"initial_outgoing_bitrate"`
	WorkerDiedGrace        time.Duration     `mapstructure:"worker_died_grace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("kick_slow_peers", false)

	v.SetDefault("ws.read_limit", 65536)
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.send_queue", 64)

	v.SetDefault("limits.requests", 20)
	v.SetDefault("limits.interval", "10s")

	v.SetDefault("rooms.close_empty", false)

	v.SetDefault("media.rtc_min_port", 2000)
	v.SetDefault("media.rtc_max_port", 2020)
	v.SetDefault("media.listen_ips", []map[string]any{{"ip": "0.0.0.0", "announced_ip": "127.0.0.1"}})
	v.SetDefault("media.enable_udp", true)
	v.SetDefault("media.enable_tcp", true)
	v.SetDefault("media.prefer_udp", true)
	v.SetDefault("media.initial_outgoing_bitrate", 1000000)
	v.SetDefault("media.worker_died_grace", "2s")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then VOICE_* environment
// variables, then command line flags, later sources winning.
func Load(args []string) (*Config, error) {
	fset := pflag.NewFlagSet("voice", pflag.ContinueOnError)
	configFile := fset.String("config", "", "path to the config file")
	fset.Int("port", 8080, "HTTP listen port")
	fset.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fset.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName := *configFile
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlag("port", fset.Lookup("port")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log_level", fset.Lookup("log-level")); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Media.RTCMinPort == 0 || c.Media.RTCMinPort > c.Media.RTCMaxPort {
		errs = append(errs, fmt.Errorf("bad rtc port range %d-%d", c.Media.RTCMinPort, c.Media.RTCMaxPort))
	}
	if len(c.Media.ListenIPs) == 0 {
		errs = append(errs, errors.New("media.listen_ips is empty"))
	}
	if !c.Media.EnableUDP && !c.Media.EnableTCP {
		errs = append(errs, errors.New("enable at least one of media.enable_udp and media.enable_tcp"))
	}
	if c.Limits.Requests <= 0 || c.Limits.Interval <= 0 {
		errs = append(errs, errors.New("limits.requests and limits.interval must be positive"))
	}
	return errors.Join(errs...)
}
