// Package config loads the tunables that parameterize, without altering,
// the wire protocol: timer intervals, buffer sizes, the default part
// geometry (chunk_size/chunk_count), and the downloads directory.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Transfer    TransferConfig    `yaml:"transfer"`
	DownloadsDir string           `yaml:"downloads_dir"`
	STUN        STUNConfig        `yaml:"stun"`
	Rendezvous  RendezvousConfig  `yaml:"rendezvous"`
}

// NetworkConfig tunes the Network Handler's pumps.
type NetworkConfig struct {
	KeepaliveInterval     time.Duration `yaml:"keepalive_interval"`
	ReliableRetryInterval time.Duration `yaml:"reliable_retry_interval"`
	ReceiveBufferBytes    int           `yaml:"receive_buffer_bytes"`
	BroadcastCapacity     int           `yaml:"broadcast_capacity"`
}

// TransferConfig holds the reference part geometry. The receiver always
// honors the chunk_size/chunk_count carried in PartBegin rather than this
// local value; this only controls what the sender proposes.
type TransferConfig struct {
	ChunkSize  uint32 `yaml:"chunk_size"`
	ChunkCount uint32 `yaml:"chunk_count"`
}

// STUNConfig configures the out-of-scope STUN collaborator used during
// rendezvous.
type STUNConfig struct {
	Servers           []string      `yaml:"servers"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// RendezvousConfig configures the optional Redis-backed code exchange.
type RendezvousConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			KeepaliveInterval:     5 * time.Second,
			ReliableRetryInterval: 3 * time.Second,
			ReceiveBufferBytes:    2048,
			BroadcastCapacity:     10,
		},
		Transfer: TransferConfig{
			ChunkSize:  1024,
			ChunkCount: 512,
		},
		DownloadsDir: "downloads",
		STUN: STUNConfig{
			Servers:           []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
			KeepaliveInterval: 10 * time.Second,
		},
	}
}

// Load reads a YAML config file, overlaying it on top of Default(). An
// empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
