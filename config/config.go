// Package config loads the configuration of the sshared reference server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Listen         string   `mapstructure:"listen"`
	DataDir        string   `mapstructure:"data_dir"`
	PublicURL      string   `mapstructure:"public_url"`
	Tokens         []string `mapstructure:"tokens"`
	MaxSize        int64    `mapstructure:"max_size"`
	ChunkSize      int64    `mapstructure:"chunk_size"`
	Resumable      bool     `mapstructure:"resumable"`
	DefaultExpires string   `mapstructure:"default_expires"`
	MaxExpires     string   `mapstructure:"max_expires"`
	CertFile       string   `mapstructure:"tls_cert_file"`
	KeyFile        string   `mapstructure:"tls_key_file"`
	LogLevel       string   `mapstructure:"log_level"`
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	v, err := initViper(configPath, filepath.Join(home, ".sshare"), "server", "yml", "SSHARED")
	if err != nil {
		return nil, err
	}

	v.SetDefault("listen", "127.0.0.1:8443")
	v.SetDefault("data_dir", filepath.Join(home, ".sshare", "data"))
	v.SetDefault("public_url", "")
	v.SetDefault("tokens", []string{})
	v.SetDefault("max_size", int64(10<<30))
	v.SetDefault("chunk_size", int64(4<<20))
	v.SetDefault("resumable", true)
	v.SetDefault("default_expires", "24h")
	v.SetDefault("max_expires", "720h")
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("log_level", "info")

	var cfg ServerConfig
	if err := readInto(v, &cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.CertFile = expandPath(cfg.CertFile)
	cfg.KeyFile = expandPath(cfg.KeyFile)

	return &cfg, cfg.Validate()
}

func (cfg *ServerConfig) Validate() error {
	if cfg.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if cfg.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive, got %d", cfg.MaxSize)
	}
	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", cfg.ChunkSize)
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// TLSEnabled reports whether the server should terminate TLS itself.
func (cfg *ServerConfig) TLSEnabled() bool {
	return cfg.CertFile != "" && cfg.KeyFile != ""
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix) // e.g. SSHARED_LISTEN
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func readInto(v *viper.Viper, out any) error {
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
