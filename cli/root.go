package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type ctxKey string

const appCtxKey ctxKey = "appData"

type rootOpts struct {
	configPath string
	serverURL  string
	token      string
	remote     string
	logLevel   string
	caCert     string
	noProgress bool
	insecure   bool
}

// appData is what PersistentPreRunE hands to subcommands through the
// command context.
type appData struct {
	cfg        *internal.AppConfig
	configPath string
	remote     *backend.Remote
	noProgress bool
}

func NewRootCommand() *cobra.Command {
	var opts rootOpts
	upload := defaultUploadOpts()

	rootCmd := &cobra.Command{
		Use:   "sshare [file...]",
		Short: "sshare uploads files to a share server and prints links to them",
		Long: `sshare is a secure share client. Uploads are resumable and chunked, every
transfer is verified against the digest the server computed, and downloads
only land under their final name once the digest matches.

Running sshare with file arguments and no subcommand uploads them.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadAppData(cmd, &opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && upload.Manifest == "" {
				return cmd.Help()
			}
			o := upload
			return runUpload(cmd, args, &o)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to the client config file (YAML)")
	pf.StringVar(&opts.serverURL, "server-url", "", "Base URL of the share server")
	pf.StringVar(&opts.token, "token", "", "Upload token for the share server")
	pf.StringVarP(&opts.remote, "remote", "r", "", "Use a named remote from the remotes file")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.caCert, "ca-cert", "", "Extra CA certificate bundle (PEM)")
	pf.BoolVar(&opts.noProgress, "no-progress", false, "Do not draw progress bars")
	pf.BoolVar(&opts.insecure, "insecure", false, "Skip TLS certificate verification")

	bindUploadFlags(rootCmd.Flags(), &upload)

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return errs.Usage(c.Name(), err)
	})

	rootCmd.AddCommand(UploadCommand())
	rootCmd.AddCommand(DownloadCommand())
	rootCmd.AddCommand(InfoCommand())
	rootCmd.AddCommand(DeleteCommand())
	rootCmd.AddCommand(PingCommand())
	rootCmd.AddCommand(ConfigCommand())
	rootCmd.AddCommand(RemoteCommand())
	rootCmd.AddCommand(PendingCommand())
	rootCmd.AddCommand(VersionCommand())

	return rootCmd
}

func loadAppData(cmd *cobra.Command, opts *rootOpts) error {
	cfg, err := internal.LoadAppConfig(opts.configPath)
	if err != nil {
		return errs.Usage("load config", err)
	}

	data := &appData{cfg: cfg, configPath: opts.configPath, noProgress: opts.noProgress}
	if opts.remote != "" {
		store, err := backend.NewTomlRemoteStorage(cfg.RemotesFile)
		if err != nil {
			return errs.LocalIO("open", cfg.RemotesFile, err)
		}
		r, err := store.GetRemote(opts.remote)
		if errors.Is(err, backend.ErrRemoteNotFound) {
			return errs.Usagef("remote", "no remote named %q (see sshare remote list)", opts.remote)
		}
		if err != nil {
			return errs.LocalIO("read", cfg.RemotesFile, err)
		}
		data.remote = r
		cfg.ServerURL = r.URL
		cfg.Token = r.Token
		if r.CACertFile != "" {
			cfg.CACertFile = r.CACertFile
		}
		cfg.Insecure = cfg.Insecure || r.Insecure
	}

	flags := cmd.Flags()
	if flags.Changed("server-url") {
		cfg.ServerURL = strings.TrimSpace(opts.serverURL)
	}
	if flags.Changed("token") {
		cfg.Token = opts.token
	}
	if flags.Changed("ca-cert") {
		cfg.CACertFile = internal.ExpandPath(opts.caCert)
	}
	if flags.Changed("insecure") {
		cfg.Insecure = opts.insecure
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if opts.noProgress {
		cfg.Progress = false
	}

	if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
		internal.Warn("invalid log level, defaulting to info", internal.Fields{
			internal.FieldError: err.Error(),
		})
	}
	if err := cfg.Validate(); err != nil {
		return errs.Usage("config", err)
	}
	if cfg.Insecure {
		internal.Warn("TLS certificate verification is disabled", internal.Fields{
			internal.FieldServer: cfg.ServerURL,
		})
	}

	cmd.SetContext(context.WithValue(cmd.Context(), appCtxKey, data))
	return nil
}

// GetAppConfig returns the effective configuration of the running command.
func GetAppConfig(cmd *cobra.Command) *internal.AppConfig {
	if d := getAppData(cmd); d != nil {
		return d.cfg
	}
	return nil
}

func getAppData(cmd *cobra.Command) *appData {
	if v := cmd.Context().Value(appCtxKey); v != nil {
		if data, ok := v.(*appData); ok {
			return data
		}
	}
	return nil
}

// Execute runs the command line and returns the process exit code. Errors
// are printed to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	internal.SetOutput(stderr)
	defer internal.SetOutput(nil)

	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	if ctx.Err() != nil {
		pterm.Warning.WithWriter(stderr).Println("interrupted")
		return ExitInterrupted
	}
	pterm.Error.WithWriter(stderr).Println(err.Error())
	return ExitCode(err)
}
