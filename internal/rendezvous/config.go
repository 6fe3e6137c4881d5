package rendezvous

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	NodeTTL       time.Duration `mapstructure:"node_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	API           APIConfig
	Log           LogConfig
}

type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig reads the rendezvous configuration; path may be empty.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", "/ip4/0.0.0.0/udp/7000")
	v.SetDefault("node_ttl", "60s")
	v.SetDefault("sweep_interval", "15s")
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetEnvPrefix("DNSTORE_RENDEZVOUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.NodeTTL <= 0 {
		return Config{}, fmt.Errorf("node_ttl must be positive")
	}
	return cfg, nil
}
