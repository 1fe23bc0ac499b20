package cli

import (
	"errors"
	"strings"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/cli/output"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type addRemoteOpts struct {
	Token    string
	CACert   string
	Insecure bool
	Replace  bool
}

func RemoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remote",
		Short:   "Manage named share servers",
		Long:    "Remotes bundle a server URL with its upload token so commands can select them with --remote.",
		Aliases: []string{"remotes"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(addRemoteCommand())
	cmd.AddCommand(listRemoteCommand())
	cmd.AddCommand(deleteRemoteCommand())
	return cmd
}

func remoteStore(cmd *cobra.Command) (*backend.TomlRemoteStorage, error) {
	cfg := GetAppConfig(cmd)
	if cfg == nil {
		return nil, errs.Usagef(cmd.Name(), "configuration was not loaded")
	}
	store, err := backend.NewTomlRemoteStorage(cfg.RemotesFile)
	if err != nil {
		return nil, errs.LocalIO("open", cfg.RemotesFile, err)
	}
	internal.Debug("using remotes file", internal.Fields{internal.RemotesPath: cfg.RemotesFile})
	return store, nil
}

func addRemoteCommand() *cobra.Command {
	var opts addRemoteOpts
	cmd := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Add or replace a remote",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := remoteStore(cmd)
			if err != nil {
				return err
			}
			r := &backend.Remote{
				Name:       args[0],
				URL:        strings.TrimSpace(args[1]),
				Token:      opts.Token,
				CACertFile: internal.ExpandPath(opts.CACert),
				Insecure:   opts.Insecure,
				UUID:       uuid.New(),
			}
			if err := r.Validate(); err != nil {
				return errs.Usage("remote add", err)
			}
			if err := store.AddRemote(r, opts.Replace); err != nil {
				if errors.Is(err, backend.ErrRemoteExists) {
					return errs.Usagef("remote add", "remote %q exists (use --replace)", r.Name)
				}
				return errs.LocalIO("save", store.Path(), err)
			}
			output.NewPrinter(cmd.OutOrStdout()).Success("remote saved", map[string]any{
				"name": r.Name,
				"url":  r.URL,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Token, "token", "", "Upload token for this server")
	cmd.Flags().StringVar(&opts.CACert, "ca-cert", "", "Extra CA certificate bundle (PEM)")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "Skip TLS certificate verification")
	cmd.Flags().BoolVar(&opts.Replace, "replace", false, "Overwrite an existing remote with the same name")
	return cmd
}

func listRemoteCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List remotes",
		Args:    usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return errs.Usage("remote list", err)
			}
			store, err := remoteStore(cmd)
			if err != nil {
				return err
			}
			remotes, err := store.ListRemotes()
			if err != nil {
				return errs.LocalIO("read", store.Path(), err)
			}
			if f != output.FormatText {
				type item struct {
					Name     string `json:"name" yaml:"name"`
					URL      string `json:"url" yaml:"url"`
					HasToken bool   `json:"has_token" yaml:"has_token"`
					Insecure bool   `json:"insecure" yaml:"insecure"`
					UUID     string `json:"uuid" yaml:"uuid"`
				}
				items := make([]item, 0, len(remotes))
				for _, r := range remotes {
					items = append(items, item{r.Name, r.URL, r.Token != "", r.Insecure, r.UUID.String()})
				}
				return output.Encode(cmd.OutOrStdout(), f, items)
			}
			if len(remotes) == 0 {
				output.NewPrinter(cmd.OutOrStdout()).Info("no remotes configured", nil)
				return nil
			}
			return output.PrintRemoteTable(cmd.OutOrStdout(), remotes)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", string(output.FormatText), "Result format: text, json or yaml")
	return cmd
}

func deleteRemoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"delete", "remove"},
		Short:   "Remove a remote",
		Args:    usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := remoteStore(cmd)
			if err != nil {
				return err
			}
			if err := store.DeleteRemote(args[0]); err != nil {
				if errors.Is(err, backend.ErrRemoteNotFound) {
					return errs.Usagef("remote rm", "no remote named %q", args[0])
				}
				return errs.LocalIO("save", store.Path(), err)
			}
			output.NewPrinter(cmd.OutOrStdout()).Success("remote removed", map[string]any{"name": args[0]})
			return nil
		},
	}
}
