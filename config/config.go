package config

import (
	"bytes"
	"flag"
	"io"
	"logkv/storage/wal"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir     string         `yaml:"data_dir"`
	ListenAddr  string         `yaml:"listen_addr"`
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level"`
	Storage     StorageOptions `yaml:"storage"`
}

type StorageOptions struct {
	MaxSegmentSize int64 `yaml:"max_segment_size"`
	SyncWrites     bool  `yaml:"sync_writes"`
}

func (o StorageOptions) WalOptions() wal.Options {
	return wal.Options{
		MaxSegmentSize: o.MaxSegmentSize,
		SyncWrites:     o.SyncWrites,
	}
}

func Default() Config {
	return Config{
		DataDir:    "data",
		ListenAddr: "127.0.0.1:4000",
		LogLevel:   "info",
		Storage: StorageOptions{
			MaxSegmentSize: wal.DefaultSegmentSize,
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "parse config")
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}

	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	if c.Storage.MaxSegmentSize <= 0 {
		return errors.Errorf("storage.max_segment_size must be positive, got %d", c.Storage.MaxSegmentSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log_level %q", c.LogLevel)
	}

	return nil
}

// Parse builds the configuration from command line arguments. Values from the
// file named by -config are overridden by flags that are set explicitly.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("logkv", flag.ContinueOnError)

	var (
		path  = fs.String("config", "", "Path to a YAML configuration file.")
		flags = Default()
	)

	fs.StringVar(&flags.DataDir, "data.dir", flags.DataDir, "Directory holding segment files.")
	fs.StringVar(&flags.ListenAddr, "listen.addr", flags.ListenAddr, "Address the line protocol listens on.")
	fs.StringVar(&flags.MetricsAddr, "metrics.addr", flags.MetricsAddr, "Address serving /metrics; empty disables it.")
	fs.StringVar(&flags.LogLevel, "log.level", flags.LogLevel, "One of debug, info, warn, error.")
	fs.Int64Var(&flags.Storage.MaxSegmentSize, "segment.max-size", flags.Storage.MaxSegmentSize, "Segment size in bytes that triggers rotation.")
	fs.BoolVar(&flags.Storage.SyncWrites, "sync", flags.Storage.SyncWrites, "Fsync after every append.")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if *path != "" {
		var err error

		if cfg, err = Load(*path); err != nil {
			return Config{}, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data.dir":
			cfg.DataDir = flags.DataDir
		case "listen.addr":
			cfg.ListenAddr = flags.ListenAddr
		case "metrics.addr":
			cfg.MetricsAddr = flags.MetricsAddr
		case "log.level":
			cfg.LogLevel = flags.LogLevel
		case "segment.max-size":
			cfg.Storage.MaxSegmentSize = flags.Storage.MaxSegmentSize
		case "sync":
			cfg.Storage.SyncWrites = flags.Storage.SyncWrites
		}
	})

	return cfg, cfg.Validate()
}
