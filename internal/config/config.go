package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driftsync/driftsync/internal/utils"
)

var (
	home, _             = os.UserHomeDir()
	DefaultConfigDir    = filepath.Join(home, ".driftsync")
	DefaultConfigPath   = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogFilePath  = filepath.Join(DefaultConfigDir, "logs", "driftsync.log")
	DefaultStatusPath   = filepath.Join(DefaultConfigDir, "daemon.status")
	DefaultLockFilePath = filepath.Join(DefaultConfigDir, "daemon.lock")
)

var (
	ErrNoMappings     = errors.New("at least one directory mapping must be configured")
	ErrNoInstance     = errors.New("either aws.instance_id or aws.instance_name must be set")
	ErrKeyFileMissing = errors.New("ssh key file not found")
)

// AWS holds the settings needed to locate and power-cycle the remote instance.
type AWS struct {
	InstanceID      string `json:"instance_id,omitempty"`
	InstanceName    string `json:"instance_name,omitempty"`
	Region          string `json:"region"`
	Profile         string `json:"profile,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	AutoStart       bool   `json:"auto_start"`
	MaxWaitSeconds  int    `json:"max_wait_seconds"`
}

func (a *AWS) MaxWait() time.Duration {
	if a.MaxWaitSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(a.MaxWaitSeconds) * time.Second
}

// SSH holds the transport settings shared by the transfer executor and the
// remote tree scanner.
type SSH struct {
	User                  string `json:"user"`
	KeyFile               string `json:"key_file"`
	Port                  int    `json:"port"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds"`
}

func (s *SSH) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// Mapping is one (local root, remote root) pair kept in sync.
type Mapping struct {
	Name            string   `json:"name"`
	LocalPath       string   `json:"local_path"`
	RemotePath      string   `json:"remote_path"`
	Enabled         bool     `json:"enabled"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

// Sync holds the coordination knobs consumed by the sync core.
type Sync struct {
	// Mode is one of "bidirectional", "push" or "pull".
	Mode string `json:"mode"`
	// Strategy is one of "newer", "local", "remote" or "manual".
	Strategy            string   `json:"conflict_resolution"`
	QuietDelaySeconds   float64  `json:"quiet_delay_seconds"`
	MinIntervalSeconds  float64  `json:"min_interval_seconds"`
	BatchSize           int      `json:"batch_size"`
	PollIntervalSeconds float64  `json:"poll_interval_seconds"`
	ExcludePatterns     []string `json:"exclude_patterns,omitempty"`
	Delete              bool     `json:"delete"`
	BWLimitKBps         int      `json:"bwlimit_kbps,omitempty"`
}

func (s *Sync) QuietDelay() time.Duration {
	if s.QuietDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.QuietDelaySeconds * float64(time.Second))
}

func (s *Sync) MinInterval() time.Duration {
	if s.MinIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.MinIntervalSeconds * float64(time.Second))
}

func (s *Sync) PollInterval() time.Duration {
	if s.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.PollIntervalSeconds * float64(time.Second))
}

func (s *Sync) EffectiveBatchSize() int {
	if s.BatchSize <= 0 {
		return 50
	}
	return s.BatchSize
}

type Config struct {
	Project  string    `json:"project"`
	AWS      AWS       `json:"aws"`
	SSH      SSH       `json:"ssh"`
	Mappings []Mapping `json:"directory_mappings"`
	Sync     Sync      `json:"sync"`
	Path     string    `json:"-"`
}

// EnabledMappings returns the mappings that participate in sync.
func (c *Config) EnabledMappings() []Mapping {
	out := make([]Mapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Validate checks the structural parts of the config. Mode and strategy
// strings are validated by the sync core when the coordinator is built.
func (c *Config) Validate() error {
	if len(c.EnabledMappings()) == 0 {
		return ErrNoMappings
	}
	if c.AWS.InstanceID == "" && c.AWS.InstanceName == "" {
		return ErrNoInstance
	}
	if c.SSH.User == "" {
		return errors.New("ssh.user must be set")
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d out of range", c.SSH.Port)
	}

	keyFile, err := utils.ResolvePath(c.SSH.KeyFile)
	if err != nil {
		return fmt.Errorf("ssh.key_file: %w", err)
	}
	if !utils.FileExists(keyFile) {
		return fmt.Errorf("%w: %s", ErrKeyFileMissing, keyFile)
	}
	c.SSH.KeyFile = keyFile

	for i, m := range c.Mappings {
		if m.Name == "" {
			return fmt.Errorf("directory_mappings[%d]: name must be set", i)
		}
		if m.LocalPath == "" || m.RemotePath == "" {
			return fmt.Errorf("mapping %q: local_path and remote_path must be set", m.Name)
		}
		local, err := utils.ResolvePath(m.LocalPath)
		if err != nil {
			return fmt.Errorf("mapping %q: %w", m.Name, err)
		}
		c.Mappings[i].LocalPath = local
	}

	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config parse %q: %w", path, err)
	}

	cfg.Path = path
	return &cfg, nil
}
