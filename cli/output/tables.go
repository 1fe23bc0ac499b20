package output

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/alttch/sshare/backend"
	"github.com/alttch/sshare/backend/ghttp"
	"github.com/pterm/pterm"
)

func humanizeSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func renderTable(w io.Writer, data pterm.TableData) error {
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, table)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "--"
	}
	return t.Local().Format(time.RFC3339)
}

func PrintShareInfo(w io.Writer, info *ghttp.ShareInfo) error {
	return renderTable(w, pterm.TableData{
		{"Field", "Value"},
		{"ID", info.ID},
		{"Name", info.Name},
		{"Size", fmt.Sprintf("%s (%d bytes)", humanizeSize(info.Size), info.Size)},
		{"Checksum", info.Checksum.String()},
		{"Content Type", info.ContentType},
		{"Created", formatTime(info.CreatedAt)},
		{"Expires", formatTime(info.Expires)},
		{"One Shot", strconv.FormatBool(info.OneShot)},
	})
}

func PrintCapabilities(w io.Writer, base string, caps *ghttp.Capabilities) error {
	return renderTable(w, pterm.TableData{
		{"Field", "Value"},
		{"Server", base},
		{"Version", caps.Version},
		{"Resumable", strconv.FormatBool(caps.Resumable)},
		{"Algorithms", fmt.Sprint(caps.Algorithms)},
		{"Max Size", humanizeSize(caps.MaxSize)},
	})
}

// PrintRemoteTable lists remotes; tokens are never printed.
func PrintRemoteTable(w io.Writer, remotes []*backend.Remote) error {
	data := pterm.TableData{{"Name", "URL", "Token", "Insecure", "UUID"}}
	for _, r := range remotes {
		token := "no"
		if r.Token != "" {
			token = "yes"
		}
		data = append(data, []string{r.Name, r.URL, token, strconv.FormatBool(r.Insecure), r.UUID.String()})
	}
	return renderTable(w, data)
}

func PrintJournalTable(w io.Writer, entries []*backend.JournalEntry) error {
	data := pterm.TableData{{"Path", "Server", "Progress", "Updated"}}
	for _, e := range entries {
		progress := fmt.Sprintf("%s / %s", humanizeSize(e.Offset()), humanizeSize(e.Size))
		data = append(data, []string{e.Path, e.Server, progress, formatTime(e.UpdatedAt)})
	}
	return renderTable(w, data)
}
