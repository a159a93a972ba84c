package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

type Config struct {
	DataDir string `yaml:"dataDir" toml:"DataDir"`
	// Backend is badger, leveldb or bolt.
	Backend            string `yaml:"backend" toml:"Backend"`
	InMemory           bool   `yaml:"inMemory" toml:"InMemory"`
	MinimumFreeSpaceGB int    `yaml:"minimumFreeSpaceGB" toml:"MinimumFreeSpaceGB"`

	// Erasure is "total,data", for example "10,8".
	Erasure          string `yaml:"erasure" toml:"Erasure"`
	ChunkSize        int    `yaml:"chunkSize" toml:"ChunkSize"`
	Codec            string `yaml:"codec" toml:"Codec"`
	ReadRepair       bool   `yaml:"readRepair" toml:"ReadRepair"`
	AccountCacheSize int    `yaml:"accountCacheSize" toml:"AccountCacheSize"`
	Workers          int    `yaml:"workers" toml:"Workers"`

	Integrity Integrity `yaml:"integrity" toml:"Integrity"`
	Peers     []string  `yaml:"peers" toml:"Peers"`

	HTTPAddress string `yaml:"httpAddress" toml:"HTTPAddress"`
	GRPCAddress string `yaml:"grpcAddress" toml:"GRPCAddress"`

	Log Log `yaml:"log" toml:"Log"`
}

type Integrity struct {
	Interval     time.Duration `yaml:"interval" toml:"Interval"`
	FetchTimeout time.Duration `yaml:"fetchTimeout" toml:"FetchTimeout"`
	MaxAttempts  int           `yaml:"maxAttempts" toml:"MaxAttempts"`
	Cooldown     time.Duration `yaml:"cooldown" toml:"Cooldown"`
	PeerRate     float64       `yaml:"peerRate" toml:"PeerRate"`
	PeerBurst    int           `yaml:"peerBurst" toml:"PeerBurst"`
}

type Log struct {
	Level  string `yaml:"level" toml:"Level"`
	Format string `yaml:"format" toml:"Format"`
	File   string `yaml:"file" toml:"File"`
}

func Default() Config {
	return Config{
		DataDir:          "./svdb-data",
		Backend:          "badger",
		Erasure:          "10,8",
		ChunkSize:        8 << 20,
		Codec:            "zstd",
		AccountCacheSize: 4096,
		Integrity: Integrity{
			Interval:     30 * time.Second,
			FetchTimeout: 5 * time.Second,
			MaxAttempts:  3,
			Cooldown:     time.Minute,
			PeerRate:     10,
			PeerBurst:    5,
		},
		HTTPAddress: "127.0.0.1:4242",
		GRPCAddress: "127.0.0.1:4243",
		Log:         Log{Level: "info", Format: "text"},
	}
}

// Load reads a YAML or TOML file, chosen by extension, over the defaults.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: %s: unknown keys %v", path, undecoded)
		}
	default:
		return Config{}, fmt.Errorf("config: %s: unsupported format, want .yaml, .yml or .toml", path)
	}

	if strings.TrimSpace(cfg.DataDir) == "" && !cfg.InMemory {
		return Config{}, fmt.Errorf("config: %s: dataDir is required unless inMemory is set", path)
	}
	return cfg, nil
}
