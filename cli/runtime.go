package cli

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/backend/ghttp"
	"github.com/alttch/sshare/cli/output"
	"github.com/alttch/sshare/internal"
	"github.com/alttch/sshare/pkg/errs"
	"github.com/alttch/sshare/pkg/metrics"
	"github.com/alttch/sshare/pkg/transfer"
	"github.com/spf13/cobra"
)

// runtime is the transport stack built from the effective configuration.
type runtime struct {
	cfg       *internal.AppConfig
	transport *http.Transport
	clients   *ghttp.HttpClientPool
	client    *ghttp.Client
	collector *metrics.TransferCollector
	progress  bool
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	data := getAppData(cmd)
	if data == nil {
		return nil, errs.Usagef(cmd.Name(), "configuration was not loaded")
	}
	cfg := data.cfg

	transport, err := ghttp.NewTransport(ghttp.TransportOptions{
		CACertFile:            cfg.CACertFile,
		Insecure:              cfg.Insecure,
		ResponseHeaderTimeout: cfg.RequestTimeout(),
		MaxConnsPerHost:       cfg.PoolSize,
	})
	if err != nil {
		return nil, errs.LocalIO("load ca cert", cfg.CACertFile, err)
	}
	clients, err := ghttp.NewHttpClientPool(cfg.PoolSize, transport)
	if err != nil {
		return nil, errs.Usage("configure client", err)
	}
	client, err := ghttp.NewClient(ghttp.Options{
		BaseURL:        cfg.ServerURL,
		Token:          cfg.Token,
		ChunkSize:      cfg.ChunkSize,
		MaxRetries:     cfg.MaxRetries,
		RetryBackoff:   cfg.RetryBackoff(),
		RequestTimeout: cfg.RequestTimeout(),
	}, clients)
	if err != nil {
		_ = clients.ShutDown()
		return nil, err
	}
	return &runtime{
		cfg:       cfg,
		transport: transport,
		clients:   clients,
		client:    client,
		collector: metrics.NewTransferCollector(""),
		progress:  cfg.Progress && !data.noProgress,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.clients.ShutDown(); err != nil {
		internal.Debug("client pool shutdown", internal.Fields{internal.FieldError: err.Error()})
	}
}

func (rt *runtime) journal() (*backend.YamlJournal, error) {
	dir := filepath.Join(rt.cfg.StateDir, "uploads")
	j, err := backend.NewYamlJournal(dir)
	if err != nil {
		return nil, errs.LocalIO("open journal", dir, err)
	}
	return j, nil
}

// view owns the terminal decorations of one command run.
type view struct {
	bars    *output.FileProgressManager
	metrics *output.MetricsDisplay
}

// startView draws progress bars on stderr unless progress is disabled.
// With stats set a transfer summary is printed when the view stops.
func (rt *runtime) startView(ctx context.Context, stats bool) *view {
	v := &view{}
	if rt.progress {
		v.bars = output.NewFileProgressManager(os.Stderr)
		if err := v.bars.Start(); err != nil {
			internal.Debug("progress area unavailable", internal.Fields{internal.FieldError: err.Error()})
			v.bars = nil
		}
	}
	if stats {
		v.metrics = output.NewMetricsDisplay("Transfer Summary", rt.collector, os.Stderr)
		if v.bars != nil {
			v.metrics.WithWriter(v.bars.NewSection())
		}
		v.metrics.Start(ctx)
	}
	return v
}

func (v *view) progressFactory() transfer.ProgressFactory {
	if v.bars == nil {
		return nil
	}
	return v.bars.Reporter
}

func (v *view) stop() {
	v.bars.Stop()
	v.metrics.Stop()
}

// ensureCapacity grows the client pool so that n transfers can each hold a
// client. It must run before the first request is sent.
func (rt *runtime) ensureCapacity(n int) {
	if n <= rt.clients.Capacity() {
		return
	}
	if err := rt.clients.SetPoolSize(n); err != nil {
		internal.Warn("could not grow client pool", internal.Fields{internal.FieldError: err.Error()})
		return
	}
	if rt.transport != nil && rt.transport.MaxConnsPerHost > 0 && rt.transport.MaxConnsPerHost < n {
		rt.transport.MaxConnsPerHost = n
	}
	internal.Debug("client pool grown to match concurrency", internal.Fields{"pool_size": n})
}

func (rt *runtime) orchestrator(v *view, concurrency int, withJournal bool) (*transfer.Orchestrator, error) {
	rt.ensureCapacity(concurrency)
	opts := []transfer.Option{
		transfer.WithCollector(rt.collector),
		transfer.WithConcurrency(concurrency),
	}
	if f := v.progressFactory(); f != nil {
		opts = append(opts, transfer.WithProgress(f))
	}
	if withJournal {
		j, err := rt.journal()
		if err != nil {
			return nil, err
		}
		opts = append(opts, transfer.WithJournal(j))
	}
	return transfer.New(rt.client, opts...)
}

// writeMetrics exports the collected counters in Prometheus text format.
func (rt *runtime) writeMetrics(path string) {
	if path == "" {
		return
	}
	path = internal.ExpandPath(path)
	if err := rt.collector.WriteTextfile(path); err != nil {
		internal.Warn("could not write metrics file", internal.Fields{
			internal.FieldPath:  path,
			internal.FieldError: err.Error(),
		})
	}
}
