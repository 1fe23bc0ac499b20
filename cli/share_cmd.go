package cli

import (
	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/cli/output"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	"github.com/alttch/sshare/pkg/transfer"
	"github.com/spf13/cobra"
)

type downloadOpts struct {
	Overwrite    string
	Checksum     string
	ExpectedSize string
	Output       string
	Stats        bool
	MetricsFile  string
}

func DownloadCommand() *cobra.Command {
	opts := downloadOpts{Output: string(output.FormatText)}
	cmd := &cobra.Command{
		Use:     "download <link> [destination]",
		Aliases: []string{"get"},
		Short:   "Download a share and verify its digest",
		Long: `Download a share by URL or id. The data is written to <destination>.sshare-part
and renamed into place once its digest matches the one the server recorded.
An interrupted download continues from the partial file on the next run.`,
		Args: usageArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimeOpts := opts
			return runDownload(cmd, args, &runtimeOpts)
		},
	}
	cmd.Flags().StringVar(&opts.Overwrite, "overwrite", "never", "Existing destination: never, always or if-different")
	cmd.Flags().StringVar(&opts.Checksum, "checksum", "", "Require the share to be digested with this algorithm")
	cmd.Flags().StringVar(&opts.ExpectedSize, "expect-size", "", "Fail unless the share has this size, e.g. 10MiB")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", opts.Output, "Result format: text, json or yaml")
	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "Print a transfer summary")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "Write transfer metrics in Prometheus text format")
	return cmd
}

func runDownload(cmd *cobra.Command, args []string, opts *downloadOpts) error {
	const op = "download"
	format, err := output.ParseFormat(opts.Output)
	if err != nil {
		return errs.Usage(op, err)
	}
	policy, err := backend.ParseOverwritePolicy(opts.Overwrite)
	if err != nil {
		return errs.Usage(op, err)
	}
	req := transfer.Request{Source: args[0], Overwrite: policy}
	if len(args) > 1 {
		req.Destination = args[1]
	}
	if opts.Checksum != "" {
		if req.Algorithm, err = integrity.ParseAlgorithm(opts.Checksum); err != nil {
			return err
		}
	}
	if opts.ExpectedSize != "" {
		if req.ExpectedSize, err = internal.ParseByteSize(opts.ExpectedSize); err != nil {
			return errs.Usage(op, err)
		}
	}

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	v := rt.startView(cmd.Context(), opts.Stats)
	orch, err := rt.orchestrator(v, 1, false)
	if err != nil {
		v.stop()
		return err
	}
	res, err := orch.Download(cmd.Context(), req)
	v.stop()
	rt.writeMetrics(opts.MetricsFile)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if format != output.FormatText {
		if err := output.Encode(w, format, res); err != nil {
			return errs.LocalIO("write", "stdout", err)
		}
		return nil
	}
	p := output.NewPrinter(w)
	if res.Skipped {
		p.Info("destination already up to date", map[string]any{"path": res.Path})
		return nil
	}
	fields := map[string]any{"digest": res.Digest, "size": res.Size}
	if res.ResumedAt > 0 {
		fields["resumed_at"] = res.ResumedAt
	}
	p.Success(res.Path, fields)
	return nil
}

func parseLink(rt *runtime, raw string) (ghttp.ShareLink, error) {
	return ghttp.ParseShareLink(raw, rt.client.BaseURL())
}

func InfoCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "info <link>",
		Short: "Show the metadata of a share",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return errs.Usage("info", err)
			}
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			link, err := parseLink(rt, args[0])
			if err != nil {
				return err
			}
			info, err := rt.client.Info(cmd.Context(), link)
			if err != nil {
				return err
			}
			if f != output.FormatText {
				return output.Encode(cmd.OutOrStdout(), f, info)
			}
			return output.PrintShareInfo(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", string(output.FormatText), "Result format: text, json or yaml")
	return cmd
}

func DeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <link>...",
		Aliases: []string{"rm"},
		Short:   "Revoke shares",
		Args:    usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			p := output.NewPrinter(cmd.OutOrStdout())
			for _, raw := range args {
				link, err := parseLink(rt, raw)
				if err != nil {
					return err
				}
				if err := rt.client.Delete(cmd.Context(), link); err != nil {
					return err
				}
				p.Success("share deleted", map[string]any{"id": link.ID})
			}
			return nil
		},
	}
}

func PingCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the share server is reachable and show its capabilities",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return errs.Usage("ping", err)
			}
			rt, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			caps, err := rt.client.Probe(cmd.Context())
			if err != nil {
				return err
			}
			alg, err := integrity.ParseAlgorithm(rt.cfg.Checksum)
			if err == nil && !caps.Supports(alg) {
				internal.Warn("server does not support the configured checksum", internal.Fields{
					internal.FieldDigest: alg.String(),
				})
			}
			if f != output.FormatText {
				return output.Encode(cmd.OutOrStdout(), f, caps)
			}
			return output.PrintCapabilities(cmd.OutOrStdout(), rt.client.BaseURL(), caps)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", string(output.FormatText), "Result format: text, json or yaml")
	return cmd
}
