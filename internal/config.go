package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appDirName       = ".sshare"
	appConfigName    = "config"
	appConfigType    = "yml"
	appEnvPrefix     = "SSHARE"
	DefaultChunkSize = 4 << 20
)

type AppConfig struct {
	ServerURL        string `mapstructure:"server_url"`
	Token            string `mapstructure:"token"`
	CACertFile       string `mapstructure:"ca_cert_file"`
	Insecure         bool   `mapstructure:"insecure"`
	Checksum         string `mapstructure:"checksum"`
	ChunkSize        int64  `mapstructure:"chunk_size"`
	MaxRetries       int    `mapstructure:"max_retries"`
	RetryBackoffMs   int    `mapstructure:"retry_backoff_ms"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
	PoolSize         int    `mapstructure:"pool_size"`
	Expires          string `mapstructure:"expires"`
	StateDir         string `mapstructure:"state_dir"`
	RemotesFile      string `mapstructure:"remotes_file"`
	LogLevel         string `mapstructure:"log_level"`
	Progress         bool   `mapstructure:"progress"`
}

// AppDir is ~/.sshare.
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

func setAppDefaults(v *viper.Viper, dir string) {
	v.SetDefault("server_url", "")
	v.SetDefault("token", "")
	v.SetDefault("ca_cert_file", "")
	v.SetDefault("insecure", false)
	v.SetDefault("checksum", "sha256")
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("max_retries", 5)
	v.SetDefault("retry_backoff_ms", 500)
	v.SetDefault("request_timeout_ms", 60_000)
	v.SetDefault("pool_size", 4)
	v.SetDefault("expires", "")
	v.SetDefault("state_dir", filepath.Join(dir, "state"))
	v.SetDefault("remotes_file", filepath.Join(dir, "remotes.toml"))
	v.SetDefault("log_level", "warn")
	v.SetDefault("progress", true)
}

// LoadAppConfig reads the client configuration. Values come from, in
// increasing priority: defaults, the config file, SSHARE_* environment
// variables. When no config file exists yet the defaults are written out.
func LoadAppConfig(configPath string) (*AppConfig, error) {
	dir, err := AppDir()
	if err != nil {
		return nil, err
	}

	v, err := initViper(configPath, dir, appConfigName, appConfigType, appEnvPrefix)
	if err != nil {
		return nil, err
	}
	setAppDefaults(v, dir)

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CACertFile = ExpandPath(cfg.CACertFile)
	cfg.StateDir = ExpandPath(cfg.StateDir)
	cfg.RemotesFile = ExpandPath(cfg.RemotesFile)

	if v.ConfigFileUsed() == "" || !fileExists(v.ConfigFileUsed()) {
		writePath := configPath
		if writePath == "" {
			writePath = filepath.Join(dir, appConfigName+"."+appConfigType)
		}
		if !fileExists(writePath) {
			if _, err := cfg.Save(writePath); err != nil {
				Warn("could not persist default config", Fields{
					ConfigPath: writePath,
					FieldError: err.Error(),
				})
			} else {
				Debug("client config written", Fields{
					ConfigPath: writePath,
				})
			}
		}
	}
	return &cfg, nil
}

// Validate checks the values that cannot be fixed up silently.
func (cfg *AppConfig) Validate() error {
	var problems []error
	if cfg.ServerURL != "" {
		u, err := url.Parse(cfg.ServerURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			problems = append(problems, fmt.Errorf("server_url %q must be an http(s) URL", cfg.ServerURL))
		}
	}
	if cfg.ChunkSize <= 0 {
		problems = append(problems, fmt.Errorf("chunk_size must be positive, got %d", cfg.ChunkSize))
	}
	if cfg.MaxRetries < 0 {
		problems = append(problems, fmt.Errorf("max_retries must not be negative, got %d", cfg.MaxRetries))
	}
	if cfg.PoolSize <= 0 {
		problems = append(problems, fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize))
	}
	if cfg.RequestTimeoutMs <= 0 {
		problems = append(problems, fmt.Errorf("request_timeout_ms must be positive, got %d", cfg.RequestTimeoutMs))
	}
	if _, err := cfg.ExpiresDuration(); err != nil {
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

func (cfg *AppConfig) RetryBackoff() time.Duration {
	return time.Duration(cfg.RetryBackoffMs) * time.Millisecond
}

func (cfg *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
}

// ExpiresDuration parses the default share lifetime. Empty means the server
// default.
func (cfg *AppConfig) ExpiresDuration() (time.Duration, error) {
	return ParseExpiry(cfg.Expires)
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(ExpandPath(configPath))
	} else {
		v.AddConfigPath(defaultDir)
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		Error("config file could not be read", Fields{
			ConfigPath: configPath,
			FieldError: err.Error(),
		})
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func (cfg *AppConfig) Save(path string) (string, error) {
	if path == "" {
		dir, err := AppDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, appConfigName+"."+appConfigType)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType(appConfigType)
	v.Set("server_url", cfg.ServerURL)
	v.Set("token", cfg.Token)
	v.Set("ca_cert_file", cfg.CACertFile)
	v.Set("insecure", cfg.Insecure)
	v.Set("checksum", cfg.Checksum)
	v.Set("chunk_size", cfg.ChunkSize)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("retry_backoff_ms", cfg.RetryBackoffMs)
	v.Set("request_timeout_ms", cfg.RequestTimeoutMs)
	v.Set("pool_size", cfg.PoolSize)
	v.Set("expires", cfg.Expires)
	v.Set("state_dir", cfg.StateDir)
	v.Set("remotes_file", cfg.RemotesFile)
	v.Set("log_level", cfg.LogLevel)
	v.Set("progress", cfg.Progress)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write app config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
