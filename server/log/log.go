// Package log prints the reference server's structured log lines.
package log

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

type FieldKey string

const (
	FieldError   FieldKey = "error"
	FieldMsg     FieldKey = "message"
	FieldListen  FieldKey = "listen"
	FieldDataDir FieldKey = "data_dir"
	FieldMethod  FieldKey = "method"
	FieldPath    FieldKey = "path"
	FieldStatus  FieldKey = "status"
	FieldLatency FieldKey = "latency"
	FieldClient  FieldKey = "client"
	FieldShare   FieldKey = "share"
	FieldUpload  FieldKey = "upload_id"
	FieldTLS     FieldKey = "tls"
)

type Fields map[FieldKey]interface{}

func Structured(printer *pterm.PrefixPrinter, msg string, fields Fields) {
	timestamp := time.Now().Format(time.RFC3339)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, fields[FieldKey(k)])
	}

	printer.Printfln("[%s] %s %s", timestamp, msg, strings.TrimSpace(b.String()))
}

// Middleware logs one line per request. Successful requests are only shown
// when verbose is set.
func Middleware(verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := Fields{
			FieldMethod:  c.Request.Method,
			FieldPath:    c.Request.URL.Path,
			FieldStatus:  status,
			FieldLatency: time.Since(start).Round(time.Microsecond).String(),
			FieldClient:  c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields[FieldError] = c.Errors.String()
		}

		switch {
		case status >= 500:
			Structured(&pterm.Error, "request failed", fields)
		case status >= 400:
			Structured(&pterm.Warning, "request rejected", fields)
		case verbose:
			Structured(&pterm.Info, "request served", fields)
		}
	}
}
