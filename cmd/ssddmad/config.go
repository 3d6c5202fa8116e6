package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/ssddma-go/broker"
	"github.com/rocketbitz/ssddma-go/channel"
	"github.com/rocketbitz/ssddma-go/nvme"
)

// config is the daemon configuration. Values come from the defaults, then the
// TOML file named by --config, then flags given on the command line.
type config struct {
	// Node is the name the control node is registered under.
	Node string `toml:"node"`
	// Socket is the path of the control socket.
	Socket string `toml:"socket"`
	// SocketMode is the permission mode of the control socket.
	SocketMode uint32 `toml:"socket_mode"`
	// MetricsAddr serves /metrics when not empty.
	MetricsAddr     string `toml:"metrics_addr"`
	MaxVectorLength uint32 `toml:"max_vector_length"`
	VectorBudget    int64  `toml:"vector_budget"`
	PinBudget       int64  `toml:"pin_budget"`
	// Sysfs is the sysfs mount point used to find NVMe controllers.
	Sysfs    string `toml:"sysfs"`
	LogLevel string `toml:"log_level"`
}

func defaultConfig() *config {
	return &config{
		Node:            broker.DefaultNodeName,
		Socket:          channel.DefaultSocketPath,
		SocketMode:      0o660,
		MaxVectorLength: broker.DefaultMaxVectorLength,
		VectorBudget:    broker.DefaultVectorBudget,
		PinBudget:       broker.DefaultPinBudget,
		Sysfs:           nvme.DefaultSysfs,
		LogLevel:        "info",
	}
}

// loadConfig parses args and merges them over the configuration file.
func loadConfig(args []string) (*config, error) {
	cfg := defaultConfig()

	var flags config
	fs := pflag.NewFlagSet("ssddmad", pflag.ContinueOnError)
	fs.SortFlags = false
	path := fs.StringP("config", "c", "", "TOML configuration file")
	fs.StringVar(&flags.Node, "node", cfg.Node, "Name of the control node")
	fs.StringVar(&flags.Socket, "socket", cfg.Socket, "Path of the control socket")
	fs.Uint32Var(&flags.SocketMode, "socket-mode", cfg.SocketMode, "Permission mode of the control socket")
	fs.StringVar(&flags.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address serving /metrics. Empty disables it")
	fs.Uint32Var(&flags.MaxVectorLength, "max-vector-length", cfg.MaxVectorLength, "Largest accepted transfer vector")
	fs.Int64Var(&flags.VectorBudget, "vector-budget", cfg.VectorBudget, "Bytes of transfer vectors held at once")
	fs.Int64Var(&flags.PinBudget, "pin-budget", cfg.PinBudget, "Bytes of buffers and pages pinned at once")
	fs.StringVar(&flags.Sysfs, "sysfs", cfg.Sysfs, "sysfs mount point")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if *path != "" {
		md, err := toml.DecodeFile(*path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", *path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("load %s: unknown keys %v", *path, undecoded)
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "node":
			cfg.Node = flags.Node
		case "socket":
			cfg.Socket = flags.Socket
		case "socket-mode":
			cfg.SocketMode = flags.SocketMode
		case "metrics-addr":
			cfg.MetricsAddr = flags.MetricsAddr
		case "max-vector-length":
			cfg.MaxVectorLength = flags.MaxVectorLength
		case "vector-budget":
			cfg.VectorBudget = flags.VectorBudget
		case "pin-budget":
			cfg.PinBudget = flags.PinBudget
		case "sysfs":
			cfg.Sysfs = flags.Sysfs
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		}
	})
	return cfg, cfg.validate()
}

func (c *config) validate() error {
	if c.Node == "" {
		return fmt.Errorf("node name is empty")
	}
	if c.Socket == "" {
		return fmt.Errorf("socket path is empty")
	}
	if c.MaxVectorLength == 0 {
		return fmt.Errorf("max_vector_length must be positive")
	}
	if c.VectorBudget <= 0 {
		return fmt.Errorf("vector_budget must be positive")
	}
	if c.PinBudget <= 0 {
		return fmt.Errorf("pin_budget must be positive")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *config) socketMode() os.FileMode {
	return os.FileMode(c.SocketMode) & os.ModePerm
}
