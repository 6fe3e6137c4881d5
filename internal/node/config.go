package node

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lestonEth/dnstore/internal/core"
)

type Config struct {
	Node      NodeConfig
	Network   NetworkConfig
	Protocol  ProtocolConfig
	Ledger    LedgerConfig
	Shard     ShardConfig
	Storage   StorageConfig
	Directory DirectoryConfig
	API       APIConfig
	Log       LogConfig
}

type NodeConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	KeyFile    string `mapstructure:"key_file"`
	SecretFile string `mapstructure:"secret_file"`
	Address    string
}

type NetworkConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	RendezvousAddr    string        `mapstructure:"rendezvous_addr"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ReassemblyTimeout time.Duration `mapstructure:"reassembly_timeout"`
	TOS               int
}

type ProtocolConfig struct {
	MaxPayload        int           `mapstructure:"max_payload"`
	WindowSize        int           `mapstructure:"window_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	TransferTimeout   time.Duration `mapstructure:"transfer_timeout"`
	ReadinessTimeout  time.Duration `mapstructure:"readiness_timeout"`
	ReadinessAttempts int           `mapstructure:"readiness_attempts"`
	ReadinessGap      time.Duration `mapstructure:"readiness_gap"`
	PunchDelay        time.Duration `mapstructure:"punch_delay"`
}

type LedgerConfig struct {
	BlockSize int `mapstructure:"block_size"`
	Placement string
}

type ShardConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size"`
	RequestInterval time.Duration `mapstructure:"request_interval"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

type StorageConfig struct {
	MaxCapacityGB   int `mapstructure:"max_capacity_gb"`
	ReservedSpaceGB int `mapstructure:"reserved_space_gb"`
}

type DirectoryConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration
	StaticPeers []core.Peer `mapstructure:"static_peers"`
}

type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.data_dir", "./data")
	v.SetDefault("node.address", "")
	v.SetDefault("node.key_file", "")
	v.SetDefault("node.secret_file", "")
	v.SetDefault("network.listen_addr", "/ip4/0.0.0.0/udp/0")
	v.SetDefault("network.rendezvous_addr", "")
	v.SetDefault("network.keepalive_interval", "20s")
	v.SetDefault("network.reassembly_timeout", "300s")
	v.SetDefault("network.tos", 0)
	v.SetDefault("protocol.max_payload", 1200)
	v.SetDefault("protocol.window_size", 32)
	v.SetDefault("protocol.poll_interval", "100ms")
	v.SetDefault("protocol.retry_interval", "1s")
	v.SetDefault("protocol.transfer_timeout", "30s")
	v.SetDefault("protocol.readiness_timeout", "2s")
	v.SetDefault("protocol.readiness_attempts", 3)
	v.SetDefault("protocol.readiness_gap", "50ms")
	v.SetDefault("protocol.punch_delay", "1500ms")
	v.SetDefault("ledger.block_size", 3)
	v.SetDefault("ledger.placement", "random")
	v.SetDefault("shard.chunk_size", 256*1024)
	v.SetDefault("shard.request_interval", "500ms")
	v.SetDefault("shard.download_timeout", "10m")
	v.SetDefault("storage.max_capacity_gb", 10)
	v.SetDefault("storage.reserved_space_gb", 1)
	v.SetDefault("directory.base_url", "")
	v.SetDefault("directory.timeout", "10s")
	v.SetDefault("api.listen_addr", "127.0.0.1:8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig reads the node configuration. An empty path uses defaults and
// DNSTORE_ environment overrides only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DNSTORE")
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
	if cfg.Node.KeyFile == "" {
		cfg.Node.KeyFile = filepath.Join(cfg.Node.DataDir, "config", "node.key")
	}
	if cfg.Node.SecretFile == "" {
		cfg.Node.SecretFile = filepath.Join(cfg.Node.DataDir, "config", "secret.txt")
	}
	switch cfg.Ledger.Placement {
	case "random", "ring":
	default:
		return Config{}, fmt.Errorf("ledger.placement must be random or ring, got %q", cfg.Ledger.Placement)
	}
	return cfg, nil
}
