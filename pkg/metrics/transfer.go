package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace  = "sshare"
	subsystemTransfer = "transfer"
)

// TransferCollector keeps track of client side transfer statistics and
// exposes them via Prometheus compatible collectors.
type TransferCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry
	now       func() time.Time

	startTime         time.Time
	bytesSent         uint64
	bytesResent       uint64
	bytesReceived     uint64
	diskReadBytes     uint64
	diskWriteBytes    uint64
	retries           uint64
	integrityFailures uint64
	completed         uint64
	failed            uint64
}

// TransferSnapshot represents a point-in-time view of the collected metrics.
type TransferSnapshot struct {
	Direction         string        `json:"direction" yaml:"direction"`
	Elapsed           time.Duration `json:"elapsed" yaml:"elapsed"`
	BytesSent         uint64        `json:"bytes_sent" yaml:"bytes_sent"`
	BytesReceived     uint64        `json:"bytes_received" yaml:"bytes_received"`
	BytesResent       uint64        `json:"bytes_resent" yaml:"bytes_resent"`
	DiskReadBytes     uint64        `json:"disk_read_bytes" yaml:"disk_read_bytes"`
	DiskWriteBytes    uint64        `json:"disk_write_bytes" yaml:"disk_write_bytes"`
	Retries           uint64        `json:"retries" yaml:"retries"`
	IntegrityFailures uint64        `json:"integrity_failures" yaml:"integrity_failures"`
	Completed         uint64        `json:"completed" yaml:"completed"`
	Failed            uint64        `json:"failed" yaml:"failed"`
	ThroughputBps     float64       `json:"throughput_bps" yaml:"throughput_bps"`
	GoodputBps        float64       `json:"goodput_bps" yaml:"goodput_bps"`
	ThroughputMbps    float64       `json:"throughput_mbps" yaml:"throughput_mbps"`
	GoodputMbps       float64       `json:"goodput_mbps" yaml:"goodput_mbps"`
	DiskReadBps       float64       `json:"disk_read_bps" yaml:"disk_read_bps"`
	DiskWriteBps      float64       `json:"disk_write_bps" yaml:"disk_write_bps"`
	ResendRatio       float64       `json:"resend_ratio" yaml:"resend_ratio"`
}

// NewTransferCollector creates a collector and wires up prometheus collectors.
func NewTransferCollector(namespace string) *TransferCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	tc := &TransferCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		now:       time.Now,
	}
	tc.registerMetrics()
	return tc
}

// Registry returns the prometheus registry managed by this collector.
func (c *TransferCollector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveSend records payload bytes the server acknowledged. Bytes sent again
// after a restart from zero are passed with resent set so goodput and
// throughput can be told apart.
func (c *TransferCollector) ObserveSend(bytes int, resent bool) {
	if c == nil || bytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	if resent {
		c.bytesResent += uint64(bytes)
		return
	}
	c.bytesSent += uint64(bytes)
}

// ObserveReceive records bytes received from the server.
func (c *TransferCollector) ObserveReceive(bytes int) {
	if c == nil || bytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.bytesReceived += uint64(bytes)
}

// ObserveDiskRead records bytes sourced from local disk.
func (c *TransferCollector) ObserveDiskRead(bytes int) {
	if c == nil || bytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.diskReadBytes += uint64(bytes)
}

// ObserveDiskWrite records bytes written to local disk.
func (c *TransferCollector) ObserveDiskWrite(bytes int) {
	if c == nil || bytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.diskWriteBytes += uint64(bytes)
}

func (c *TransferCollector) ObserveRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ensureStartTimeLocked()
	c.retries++
	c.mu.Unlock()
}

func (c *TransferCollector) ObserveIntegrityFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.integrityFailures++
	c.mu.Unlock()
}

// ObserveResult counts a finished transfer.
func (c *TransferCollector) ObserveResult(err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
		return
	}
	c.completed++
}

// Snapshot creates a read-only view of the collected metrics.
func (c *TransferCollector) Snapshot() TransferSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(c.now())
}

// WriteTextfile dumps the registry in the node exporter textfile format.
func (c *TransferCollector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

func (c *TransferCollector) buildSnapshotLocked(now time.Time) TransferSnapshot {
	primaryBytes := c.bytesSent
	resentBytes := c.bytesResent
	direction := "idle"

	if c.bytesReceived > primaryBytes {
		primaryBytes = c.bytesReceived
		resentBytes = 0
		direction = "download"
	} else if primaryBytes > 0 {
		direction = "upload"
	}

	elapsed := time.Duration(0)
	if !c.startTime.IsZero() {
		elapsed = now.Sub(c.startTime)
	}

	throughput := rateFromBytes(primaryBytes+resentBytes, elapsed)
	goodput := rateFromBytes(primaryBytes, elapsed)

	var resendRatio float64
	if primaryBytes+resentBytes > 0 {
		resendRatio = float64(resentBytes) / float64(primaryBytes+resentBytes)
	}

	return TransferSnapshot{
		Direction:         direction,
		Elapsed:           elapsed,
		BytesSent:         c.bytesSent,
		BytesReceived:     c.bytesReceived,
		BytesResent:       c.bytesResent,
		DiskReadBytes:     c.diskReadBytes,
		DiskWriteBytes:    c.diskWriteBytes,
		Retries:           c.retries,
		IntegrityFailures: c.integrityFailures,
		Completed:         c.completed,
		Failed:            c.failed,
		ThroughputBps:     throughput,
		GoodputBps:        goodput,
		ThroughputMbps:    throughput * 8 / 1e6,
		GoodputMbps:       goodput * 8 / 1e6,
		DiskReadBps:       rateFromBytes(c.diskReadBytes, elapsed),
		DiskWriteBps:      rateFromBytes(c.diskWriteBytes, elapsed),
		ResendRatio:       resendRatio,
	}
}

func (c *TransferCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(TransferSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemTransfer,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(c.now()))
		})
	}

	makeCounter := func(name, help string, field *uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemTransfer,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(*field)
		})
	}

	c.registry.MustRegister(
		makeGauge(
			"throughput_bytes_per_second",
			"Current transfer throughput including resent bytes.",
			func(s TransferSnapshot) float64 { return s.ThroughputBps },
		),
		makeGauge(
			"goodput_bytes_per_second",
			"Effective data rate after excluding resent bytes.",
			func(s TransferSnapshot) float64 { return s.GoodputBps },
		),
		makeGauge(
			"disk_read_bytes_per_second",
			"Observed local disk read throughput.",
			func(s TransferSnapshot) float64 { return s.DiskReadBps },
		),
		makeGauge(
			"disk_write_bytes_per_second",
			"Observed local disk write throughput.",
			func(s TransferSnapshot) float64 { return s.DiskWriteBps },
		),
		makeGauge(
			"resend_ratio",
			"Ratio of resent bytes to total transmitted bytes.",
			func(s TransferSnapshot) float64 { return s.ResendRatio },
		),
		makeCounter("bytes_sent_total", "Payload bytes acknowledged by the server.", &c.bytesSent),
		makeCounter("bytes_resent_total", "Bytes sent again after an upload restarted.", &c.bytesResent),
		makeCounter("bytes_received_total", "Total bytes received by the client.", &c.bytesReceived),
		makeCounter("disk_read_bytes_total", "Bytes read from the local disk.", &c.diskReadBytes),
		makeCounter("disk_write_bytes_total", "Bytes written to the local disk.", &c.diskWriteBytes),
		makeCounter("retries_total", "Retries after transient failures.", &c.retries),
		makeCounter("integrity_failures_total", "Transfers whose digest did not match.", &c.integrityFailures),
		makeCounter("completed_total", "Transfers that finished successfully.", &c.completed),
		makeCounter("failed_total", "Transfers that failed.", &c.failed),
	)
}

func (c *TransferCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = c.now()
	}
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
