package output

import (
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alttch/sshare/pkg/progress"
	"github.com/pterm/pterm"
)

// FileProgressManager renders concurrent per-file progress bars using a single
// pterm multi printer area so the CLI stays tidy even with many transfers.
type FileProgressManager struct {
	multi *pterm.MultiPrinter
	// bars is keyed per Reporter call; two transfers of files with the same
	// name still get a bar each.
	bars    map[int]*pterm.ProgressbarPrinter
	seq     int
	started bool
	mu      sync.Mutex
}

// NewFileProgressManager draws to w, usually stderr so stdout stays clean
// for share links.
func NewFileProgressManager(w io.Writer) *FileProgressManager {
	mp := pterm.DefaultMultiPrinter
	if w != nil {
		mp = *mp.WithWriter(w)
	}
	return &FileProgressManager{
		multi: &mp,
		bars:  make(map[int]*pterm.ProgressbarPrinter),
	}
}

// Start activates the shared area for all progress bars.
func (m *FileProgressManager) Start() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if _, err := m.multi.Start(); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Stop tears down the multi printer area.
func (m *FileProgressManager) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	multi := m.multi
	started := m.started
	m.started = false
	m.bars = make(map[int]*pterm.ProgressbarPrinter)
	m.mu.Unlock()

	if started && multi != nil {
		_, _ = multi.Stop()
	}
}

// NewSection provides a writer slot inside the shared area (e.g. for telemetry).
func (m *FileProgressManager) NewSection() io.Writer {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	return m.multi.NewWriter()
}

// Reporter returns a progress reporter that drives a new bar titled label.
// It satisfies transfer.ProgressFactory.
func (m *FileProgressManager) Reporter(label string, total int64) progress.Reporter {
	id, bar := m.newBar(label, total)
	if bar == nil {
		return progress.Nop{}
	}
	return &barReporter{bar: bar, release: func() { m.release(id) }}
}

func (m *FileProgressManager) newBar(label string, total int64) (int, *pterm.ProgressbarPrinter) {
	if m == nil {
		return 0, nil
	}
	title := strings.TrimSpace(label)
	if title == "" {
		title = "file"
	}
	title = filepath.ToSlash(title)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return 0, nil
	}

	writer := m.multi.NewWriter()
	bar, err := pterm.DefaultProgressbar.
		WithWriter(writer).
		WithTitle(title).
		WithTotal(clampToInt(total)).
		WithShowElapsedTime(true).
		WithShowCount(false).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		return 0, nil
	}
	m.seq++
	m.bars[m.seq] = bar
	return m.seq, bar
}

func (m *FileProgressManager) release(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bars, id)
}

func clampToInt(v int64) int {
	if v <= 0 {
		return 1
	}
	if v > math.MaxInt {
		return math.MaxInt
	}
	return int(v)
}

// barReporter receives coalesced byte deltas from a progress.Sink. Negative
// deltas come from a transfer that restarted from an earlier offset.
type barReporter struct {
	mu      sync.Mutex
	bar     *pterm.ProgressbarPrinter
	release func()
}

func (b *barReporter) OnBytes(n, total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := clampToInt(total); total > 0 && t != b.bar.Total {
		b.bar.Total = t
	}
	if n < 0 {
		b.bar.Current = max(0, b.bar.Current+int(n))
		b.bar.Add(0)
		return
	}
	b.bar.Add(int(n))
}

func (b *barReporter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.release != nil {
		b.release()
		b.release = nil
	}
	if !b.bar.IsActive {
		return nil
	}
	_, err := b.bar.Stop()
	return err
}
