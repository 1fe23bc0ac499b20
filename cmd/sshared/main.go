package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alttch/sshare/config"
	"github.com/alttch/sshare/internal"
	gs "github.com/alttch/sshare/server"
	"github.com/alttch/sshare/server/log"
	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type daemonOpts struct {
	configPath string
	listen     string
	dataDir    string
}

func newDaemonCommand() *cobra.Command {
	var opts daemonOpts
	cmd := &cobra.Command{
		Use:           "sshared",
		Short:         "Reference share server for sshare",
		Version:       internal.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to the server config file (YAML)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address, overrides the config file")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Storage directory, overrides the config file")
	return cmd
}

func run(cmd *cobra.Command, opts *daemonOpts) error {
	cfg, err := config.LoadServerConfig(opts.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = opts.listen
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = internal.ExpandPath(opts.dataDir)
	}
	srvOpts, err := gs.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	if len(srvOpts.Tokens) == 0 {
		log.Structured(&pterm.Warning, "no upload tokens configured - anyone can upload", nil)
	}
	srv, err := gs.New(srvOpts)
	if err != nil {
		return err
	}
	// Clear leftovers from before a restart.
	srv.Sweep()

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	return srv.Serve(cmd.Context(), listener, cfg.CertFile, cfg.KeyFile)
}

func main() {
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newDaemonCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Structured(&pterm.Error, "sshared failed", log.Fields{log.FieldError: err})
		os.Exit(1)
	}
	log.Structured(&pterm.Info, "sshared shutdown complete", nil)
}
