// Package config loads a node's settings from a YAML file, environment
// variables, and a handful of bootstrap flags, merged by viper. The flags
// that must be known before viper can find and read a file — the config
// path itself, and a label override for rejoining under a known identity —
// stay on the stdlib flag package, mirroring the teacher's cmd/server flag
// set (internal/config is new; the teacher has no config package of its
// own to generalize from).
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultTCPPort  = 8888
	DefaultUDPPort  = 8889
	minCapacity     = 50 << 20
	maxCapacity     = 100 << 20
	envPrefix       = "MESHBLOB"
	storageDirLeaf  = "espacioCompartido"
)

// Config is a fully resolved node configuration.
type Config struct {
	Label         string        `mapstructure:"label"`
	TCPPort       int           `mapstructure:"tcp_port"`
	UDPPort       int           `mapstructure:"udp_port"`
	CapacityBytes int64         `mapstructure:"capacity_bytes"`
	StorageDir    string        `mapstructure:"storage_dir"`
	SeedAddress   string        `mapstructure:"seed_address"`
	HTTPAddr      string        `mapstructure:"http_addr"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// Bootstrap holds the flags that must be parsed before viper reads a file:
// where the file lives, and a label override for rejoining a known
// identity after a crash.
type Bootstrap struct {
	ConfigPath  string
	Label       string
	SeedAddress string
}

// ParseBootstrap reads the small pre-viper flag set from args (normally
// os.Args[1:]).
func ParseBootstrap(fs *flag.FlagSet, args []string) (*Bootstrap, error) {
	b := &Bootstrap{}
	fs.StringVar(&b.ConfigPath, "config", "", "path to a YAML config file")
	fs.StringVar(&b.Label, "label", "", "override this node's label (for rejoining after a crash)")
	fs.StringVar(&b.SeedAddress, "seed", "", "address of an existing peer to join through")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return b, nil
}

// Load merges defaults, an optional YAML file, environment variables
// (MESHBLOB_*) and the bootstrap overrides into a Config.
func Load(b *Bootstrap) (*Config, error) {
	v := viper.New()

	v.SetDefault("tcp_port", DefaultTCPPort)
	v.SetDefault("udp_port", DefaultUDPPort)
	v.SetDefault("capacity_bytes", int64(minCapacity))
	v.SetDefault("storage_dir", defaultStorageDir())
	v.SetDefault("shutdown_grace", 15*time.Second)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if b.ConfigPath != "" {
		v.SetConfigFile(b.ConfigPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", b.ConfigPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if b.Label != "" {
		cfg.Label = b.Label
	}
	if b.SeedAddress != "" {
		cfg.SeedAddress = b.SeedAddress
	}

	if cfg.CapacityBytes < minCapacity || cfg.CapacityBytes > maxCapacity {
		return nil, fmt.Errorf("capacity_bytes %d out of range [%d, %d]", cfg.CapacityBytes, minCapacity, maxCapacity)
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = defaultStorageDir()
	}
	return &cfg, nil
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, storageDirLeaf)
}
