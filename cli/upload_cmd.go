package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/alttch/sshare/backend/localfs"
	"github.com/alttch/sshare/cli/output"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/integrity"
	"github.com/alttch/sshare/pkg/transfer"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultConcurrency = 2

type uploadOpts struct {
	Expires     string
	OneShot     bool
	Checksum    string
	Name        string
	Resume      bool
	Concurrency int
	Recursive   bool
	Output      string
	Stats       bool
	MetricsFile string
	Manifest    string
}

func defaultUploadOpts() uploadOpts {
	return uploadOpts{Concurrency: defaultConcurrency, Output: string(output.FormatText)}
}

func bindUploadFlags(fs *pflag.FlagSet, o *uploadOpts) {
	fs.StringVarP(&o.Expires, "expires", "e", o.Expires, "Share lifetime, e.g. 1h or 7d (default: config, then server)")
	fs.BoolVar(&o.OneShot, "one-shot", o.OneShot, "Delete the share after its first complete download")
	fs.StringVar(&o.Checksum, "checksum", o.Checksum, "Digest algorithm: sha256, sha384 or sha512 (default: config)")
	fs.StringVarP(&o.Name, "name", "n", o.Name, "Name shown to downloaders (single file only)")
	fs.BoolVar(&o.Resume, "resume", o.Resume, "Continue an interrupted upload of the same file")
	fs.IntVarP(&o.Concurrency, "concurrency", "c", o.Concurrency, "Files uploaded at once")
	fs.BoolVarP(&o.Recursive, "recursive", "R", o.Recursive, "Upload every file below directory arguments")
	fs.StringVarP(&o.Output, "output", "o", o.Output, "Result format: text, json or yaml")
	fs.BoolVar(&o.Stats, "stats", o.Stats, "Print a transfer summary")
	fs.StringVar(&o.MetricsFile, "metrics-file", o.MetricsFile, "Write transfer metrics in Prometheus text format")
	fs.StringVarP(&o.Manifest, "manifest", "m", o.Manifest, "Upload the files listed in a YAML or JSON manifest")
}

func UploadCommand() *cobra.Command {
	opts := defaultUploadOpts()
	cmd := &cobra.Command{
		Use:     "upload <file>...",
		Aliases: []string{"up"},
		Short:   "Upload files and print their share links",
		Example: `  sshare upload report.pdf --expires 7d --one-shot
  sshare upload -R ./photos --checksum sha512
  sshare upload --manifest batch.yaml`,
		Args: usageArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimeOpts := opts
			return runUpload(cmd, args, &runtimeOpts)
		},
	}
	bindUploadFlags(cmd.Flags(), &opts)
	return cmd
}

// uploadReport is one line of machine readable upload output.
type uploadReport struct {
	Source string                 `json:"source" yaml:"source"`
	Result *transfer.UploadResult `json:"result,omitempty" yaml:"result,omitempty"`
	Error  string                 `json:"error,omitempty" yaml:"error,omitempty"`
}

func runUpload(cmd *cobra.Command, args []string, opts *uploadOpts) error {
	const op = "upload"
	format, err := output.ParseFormat(opts.Output)
	if err != nil {
		return errs.Usage(op, err)
	}
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.client.BaseURL() == "" {
		return errs.Usagef(op, "no server configured (use --server-url, --remote or sshare config set)")
	}

	reqs, err := buildUploadRequests(rt.cfg, args, opts)
	if err != nil {
		return err
	}

	v := rt.startView(cmd.Context(), opts.Stats)
	orch, err := rt.orchestrator(v, opts.Concurrency, true)
	if err != nil {
		v.stop()
		return err
	}
	outcomes := orch.UploadMany(cmd.Context(), reqs)
	v.stop()
	rt.writeMetrics(opts.MetricsFile)

	var failures []error
	reports := make([]uploadReport, 0, len(outcomes))
	for _, o := range outcomes {
		r := uploadReport{Source: o.Request.Source, Result: o.Result}
		if o.Err != nil {
			r.Error = o.Err.Error()
			failures = append(failures, o.Err)
		}
		reports = append(reports, r)
	}

	w := cmd.OutOrStdout()
	if format != output.FormatText {
		if err := output.Encode(w, format, reports); err != nil {
			return errs.LocalIO("write", "stdout", err)
		}
	} else {
		printUploadReports(output.NewPrinter(w), reports)
	}

	if len(failures) > 1 {
		return fmt.Errorf("%d of %d uploads failed: %w", len(failures), len(reports), errors.Join(failures...))
	}
	if len(failures) == 1 {
		return failures[0]
	}
	return nil
}

func buildUploadRequests(cfg *internal.AppConfig, args []string, opts *uploadOpts) ([]transfer.Request, error) {
	const op = "upload"
	if len(args) == 0 && opts.Manifest == "" {
		return nil, errs.Usagef(op, "no files given")
	}
	base := manifestBase{
		Expires:   cfg.Expires,
		OneShot:   opts.OneShot,
		Checksum:  cfg.Checksum,
		Recursive: opts.Recursive,
		Resume:    opts.Resume,
	}
	if opts.Expires != "" {
		base.Expires = opts.Expires
	}
	if opts.Checksum != "" {
		base.Checksum = opts.Checksum
	}

	var reqs []transfer.Request
	if len(args) > 0 {
		expires, err := internal.ParseExpiry(base.Expires)
		if err != nil {
			return nil, errs.Usage(op, err)
		}
		alg, err := integrity.ParseAlgorithm(base.Checksum)
		if err != nil {
			return nil, err
		}
		files, err := localfs.NewFileSystemLister(opts.Recursive).List(args...)
		if err != nil {
			return nil, err
		}
		if opts.Name != "" && len(files) > 1 {
			return nil, errs.Usagef(op, "--name needs exactly one file, got %d", len(files))
		}
		for _, f := range files {
			reqs = append(reqs, transfer.Request{
				Source:       f.AbsPath,
				ExpectedSize: f.Size,
				Algorithm:    alg,
				Name:         opts.Name,
				Expires:      expires,
				OneShot:      opts.OneShot,
				Resume:       opts.Resume,
			})
		}
	}
	if opts.Manifest != "" {
		doc, err := loadManifest(opts.Manifest)
		if err != nil {
			return nil, err
		}
		more, err := doc.requests(filepath.Dir(internal.ExpandPath(opts.Manifest)), base)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, more...)
	}
	if len(reqs) == 0 {
		return nil, errs.Usagef(op, "nothing to upload")
	}
	return reqs, nil
}

func printUploadReports(p *output.Printer, reports []uploadReport) {
	for _, r := range reports {
		if r.Result == nil {
			p.Error(r.Source, map[string]any{"error": r.Error})
			continue
		}
		fields := map[string]any{
			"url":    r.Result.URL,
			"digest": r.Result.Digest,
			"size":   r.Result.Size,
		}
		if !r.Result.Expires.IsZero() {
			fields["expires"] = r.Result.Expires.Local().Format("2006-01-02 15:04:05 MST")
		}
		if r.Result.ResumedAt > 0 {
			fields["resumed_at"] = r.Result.ResumedAt
		}
		p.Success(r.Result.Name, fields)
	}
}
