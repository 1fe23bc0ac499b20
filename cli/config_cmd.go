package cli

import (
	"fmt"
	"strings"

	"github.com/alttch/sshare/cli/output"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update the sshare configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(configShowCommand())
	cmd.AddCommand(configSetCommand())
	return cmd
}

// configView is the printable form of AppConfig.
type configView struct {
	ServerURL      string `json:"server_url" yaml:"server_url"`
	Token          string `json:"token" yaml:"token"`
	CACertFile     string `json:"ca_cert_file" yaml:"ca_cert_file"`
	Insecure       bool   `json:"insecure" yaml:"insecure"`
	Checksum       string `json:"checksum" yaml:"checksum"`
	ChunkSize      int64  `json:"chunk_size" yaml:"chunk_size"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`
	RetryBackoffMs int    `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	RequestTimeout int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	PoolSize       int    `json:"pool_size" yaml:"pool_size"`
	Expires        string `json:"expires" yaml:"expires"`
	StateDir       string `json:"state_dir" yaml:"state_dir"`
	RemotesFile    string `json:"remotes_file" yaml:"remotes_file"`
	LogLevel       string `json:"log_level" yaml:"log_level"`
	Progress       bool   `json:"progress" yaml:"progress"`
}

func newConfigView(cfg *internal.AppConfig, showSecrets bool) configView {
	token := cfg.Token
	if token != "" && !showSecrets {
		token = "********"
	}
	return configView{
		ServerURL:      cfg.ServerURL,
		Token:          token,
		CACertFile:     cfg.CACertFile,
		Insecure:       cfg.Insecure,
		Checksum:       cfg.Checksum,
		ChunkSize:      cfg.ChunkSize,
		MaxRetries:     cfg.MaxRetries,
		RetryBackoffMs: cfg.RetryBackoffMs,
		RequestTimeout: cfg.RequestTimeoutMs,
		PoolSize:       cfg.PoolSize,
		Expires:        cfg.Expires,
		StateDir:       cfg.StateDir,
		RemotesFile:    cfg.RemotesFile,
		LogLevel:       cfg.LogLevel,
		Progress:       cfg.Progress,
	}
}

func configShowCommand() *cobra.Command {
	var format string
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file, environment and flags)",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return errs.Usage("config show", err)
			}
			cfg := GetAppConfig(cmd)
			if cfg == nil {
				return errs.Usagef("config show", "configuration was not loaded")
			}
			view := newConfigView(cfg, showSecrets)
			if f == output.FormatText {
				f = output.FormatYAML
			}
			return output.Encode(cmd.OutOrStdout(), f, view)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "Format: yaml or json")
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print the token instead of masking it")
	return cmd
}

type configSetOpts struct {
	serverURL  string
	token      string
	caCert     string
	insecure   bool
	checksum   string
	chunkSize  string
	maxRetries int
	poolSize   int
	expires    string
	logLevel   string
	progress   bool
}

func configSetCommand() *cobra.Command {
	var o configSetOpts
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update values in the config file",
		Example: `  sshare config set --server-url https://share.example.org --token s3cret
  sshare config set --checksum sha512 --expires 7d`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateClientConfig(cmd, &o)
		},
	}
	// --server-url, --token, --ca-cert and --insecure are the persistent
	// root flags; set persists whatever they were given.
	fs := cmd.Flags()
	fs.StringVar(&o.checksum, "checksum", "", "Default digest algorithm")
	fs.StringVar(&o.chunkSize, "chunk-size", "", "Upload chunk size, e.g. 4MiB")
	fs.IntVar(&o.maxRetries, "max-retries", 0, "Retries per network operation")
	fs.IntVar(&o.poolSize, "pool-size", 0, "Concurrent HTTP connections")
	fs.StringVar(&o.expires, "expires", "", "Default share lifetime, e.g. 24h or 7d")
	fs.BoolVar(&o.progress, "progress", true, "Draw progress bars by default")
	return cmd
}

func updateClientConfig(cmd *cobra.Command, o *configSetOpts) error {
	const op = "config set"
	data := getAppData(cmd)
	if data == nil {
		return errs.Usagef(op, "configuration was not loaded")
	}
	// Reload so values injected by the environment are not persisted.
	cfg, err := internal.LoadAppConfig(data.configPath)
	if err != nil {
		return errs.Usage(op, err)
	}

	fs := cmd.Flags()
	var changed []string
	set := func(name string, apply func() error) error {
		if !fs.Changed(name) {
			return nil
		}
		if err := apply(); err != nil {
			return errs.Usage(op, fmt.Errorf("--%s: %w", name, err))
		}
		changed = append(changed, name)
		return nil
	}
	steps := []struct {
		flag  string
		apply func() error
	}{
		{"server-url", func() error { cfg.ServerURL = strings.TrimRight(fs.Lookup("server-url").Value.String(), "/"); return nil }},
		{"token", func() error { cfg.Token = fs.Lookup("token").Value.String(); return nil }},
		{"ca-cert", func() error { cfg.CACertFile = internal.ExpandPath(fs.Lookup("ca-cert").Value.String()); return nil }},
		{"insecure", func() error { cfg.Insecure = fs.Lookup("insecure").Value.String() == "true"; return nil }},
		{"log-level", func() error {
			cfg.LogLevel = fs.Lookup("log-level").Value.String()
			return internal.ConfigureLogger(cfg.LogLevel)
		}},
		{"checksum", func() error {
			alg, err := integrity.ParseAlgorithm(o.checksum)
			cfg.Checksum = alg.String()
			return err
		}},
		{"chunk-size", func() error {
			n, err := internal.ParseByteSize(o.chunkSize)
			cfg.ChunkSize = n
			return err
		}},
		{"max-retries", func() error { cfg.MaxRetries = o.maxRetries; return nil }},
		{"pool-size", func() error { cfg.PoolSize = o.poolSize; return nil }},
		{"expires", func() error { cfg.Expires = o.expires; return nil }},
		{"progress", func() error { cfg.Progress = o.progress; return nil }},
	}
	for _, s := range steps {
		if err := set(s.flag, s.apply); err != nil {
			return err
		}
	}
	if len(changed) == 0 {
		return errs.Usagef(op, "nothing to change; see sshare config set --help")
	}
	if err := cfg.Validate(); err != nil {
		return errs.Usage(op, err)
	}

	path, err := cfg.Save(data.configPath)
	if err != nil {
		return errs.LocalIO("save", data.configPath, err)
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("updated %s in %s", strings.Join(changed, ", "), path)
	return nil
}
