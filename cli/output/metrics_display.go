package output

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alttch/sshare/pkg/metrics"
	"github.com/pterm/pterm"
)

// MetricsDisplay renders live telemetry using pterm primitives.
type MetricsDisplay struct {
	title     string
	collector *metrics.TransferCollector
	interval  time.Duration

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	active bool
	// live board, usually a section of the progress area
	writer io.Writer
	// final summary
	out io.Writer
}

func NewMetricsDisplay(title string, collector *metrics.TransferCollector, out io.Writer) *MetricsDisplay {
	if strings.TrimSpace(title) == "" {
		title = "Transfer Metrics"
	}
	return &MetricsDisplay{
		title:     title,
		collector: collector,
		interval:  500 * time.Millisecond,
		out:       out,
	}
}

// WithWriter allows rendering into an existing writer (e.g. MultiPrinter section).
func (d *MetricsDisplay) WithWriter(w io.Writer) *MetricsDisplay {
	d.writer = w
	return d
}

// Start begins rendering the live board when a writer is set. No-op when
// collector is nil.
func (d *MetricsDisplay) Start(ctx context.Context) {
	if d == nil || d.collector == nil || d.active || d.writer == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.ticker = time.NewTicker(d.interval)
	d.cancel = cancel
	d.active = true
	d.mu.Unlock()

	go d.loop(ctx)
}

func (d *MetricsDisplay) loop(ctx context.Context) {
	d.render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ticker.C:
			d.render()
		}
	}
}

// Stop ends the live board and prints a final snapshot.
func (d *MetricsDisplay) Stop() {
	if d == nil {
		return
	}
	d.cleanup()
	d.printFinal()
}

func (d *MetricsDisplay) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	d.ticker = nil
	d.cancel = nil
	d.active = false
}

func (d *MetricsDisplay) render() {
	snap := d.collector.Snapshot()
	line := fmt.Sprintf("%s  %s  retries %d  elapsed %s",
		formatRate(snap.ThroughputBps),
		formatBytes(snap.BytesSent+snap.BytesReceived),
		snap.Retries,
		formatDuration(snap.Elapsed))

	d.mu.Lock()
	w := d.writer
	d.mu.Unlock()
	if w != nil {
		_, _ = fmt.Fprintf(w, "%s\r", line)
	}
}

// SummaryTable renders snap as a two column table.
func SummaryTable(snap metrics.TransferSnapshot) (string, error) {
	data := pterm.TableData{
		{"Metric", "Value"},
		{"Direction", strings.ToUpper(strings.TrimSpace(snap.Direction))},
		{"Elapsed", formatDuration(snap.Elapsed)},
		{"Throughput", formatMbps(snap.ThroughputMbps)},
		{"Goodput", formatMbps(snap.GoodputMbps)},
		{"Goodput Efficiency", formatPercent(ratioOrZero(snap.GoodputBps, snap.ThroughputBps))},
		{"Disk Read", formatRate(snap.DiskReadBps)},
		{"Disk Write", formatRate(snap.DiskWriteBps)},
		{"Bytes Sent", formatBytes(snap.BytesSent)},
		{"Bytes Resent", fmt.Sprintf("%s (%s)", formatBytes(snap.BytesResent), formatPercent(snap.ResendRatio))},
		{"Bytes Received", formatBytes(snap.BytesReceived)},
		{"Retries", fmt.Sprint(snap.Retries)},
		{"Integrity Failures", fmt.Sprint(snap.IntegrityFailures)},
		{"Transfers", fmt.Sprintf("%d ok, %d failed", snap.Completed, snap.Failed)},
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

func (d *MetricsDisplay) printFinal() {
	if d.collector == nil || d.out == nil {
		return
	}
	snap := d.collector.Snapshot()
	if snap.Completed == 0 && snap.Failed == 0 {
		return
	}
	table, err := SummaryTable(snap)
	if err != nil {
		return
	}
	fmt.Fprintln(d.out)
	fmt.Fprint(d.out, pterm.DefaultSection.Sprint(d.title))
	fmt.Fprintln(d.out, table)
}

func formatMbps(mbps float64) string {
	if mbps <= 0 {
		return "--"
	}
	return fmt.Sprintf("%.2f Mb/s", mbps)
}

func formatRate(bps float64) string {
	if bps <= 0 {
		return "--"
	}
	return formatBytes(uint64(bps)) + "/s"
}

func formatBytes(b uint64) string {
	const kb = 1024
	const mb = kb * 1024
	const gb = mb * 1024
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	case b > 0:
		return fmt.Sprintf("%d B", b)
	default:
		return "0 B"
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	return d.Truncate(100 * time.Millisecond).String()
}

func formatPercent(ratio float64) string {
	if ratio <= 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", ratio*100)
}

func ratioOrZero(num, denom float64) float64 {
	if denom <= 0 {
		return 0
	}
	return num / denom
}
