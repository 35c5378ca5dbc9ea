package chat

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ServerConfig carries every setting chat.Server needs, whether it came
// from a YAML file or was constructed directly by a caller.
type ServerConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	Rooms      []string `yaml:"rooms"`

	WindowSize  int           `yaml:"window_size"`
	RecvWindow  uint16        `yaml:"recv_win"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	HistorySize int `yaml:"history_size"`

	// LossProfile selects a LossInjector for every connection this
	// server accepts: "clean" (default), "random" or "bursty". This
	// exists to let an operator rehearse the service against simulated
	// link conditions without touching code.
	LossProfile string `yaml:"loss_profile"`
	LossSeed    int64  `yaml:"loss_seed"`
}

const defaultHistorySize = 200

// applyDefaults fills in zero-valued fields with the documented
// defaults.
func (c *ServerConfig) applyDefaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.LossProfile == "" {
		c.LossProfile = "clean"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
}

// LoadConfig reads and parses a YAML configuration document from path
// using fs, so tests can supply an in-memory filesystem (afero.MemMapFs)
// instead of touching disk.
func LoadConfig(fs afero.Fs, path string) (*ServerConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("chat: reading config %q: %w", path, err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("chat: parsing config %q: %w", path, err)
	}
	cfg.applyDefaults()

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("chat: config %q missing listen_addr", path)
	}
	return &cfg, nil
}
