package internal

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

type FieldKey string

const (
	FieldError    FieldKey = "error"
	FieldMsg      FieldKey = "message"
	FieldServer   FieldKey = "server"
	FieldPath     FieldKey = "path"
	FieldShare    FieldKey = "share"
	FieldUpload   FieldKey = "upload_id"
	FieldSession  FieldKey = "session"
	FieldOffset   FieldKey = "offset"
	FieldSize     FieldKey = "size"
	FieldAttempt  FieldKey = "attempt"
	FieldBackoff  FieldKey = "backoff"
	FieldStatus   FieldKey = "status"
	FieldMethod   FieldKey = "method"
	FieldLatency  FieldKey = "latency"
	FieldDigest   FieldKey = "digest"
	FieldRemote   FieldKey = "remote"
	ConfigPath    FieldKey = "config_path"
	RemotesPath   FieldKey = "remotes_path"
	JournalPath   FieldKey = "journal_path"
	DataDir       FieldKey = "data_dir"
	ListenAddress FieldKey = "listen"
)

type Fields map[FieldKey]any

type Level = pterm.LogLevel

const (
	LevelTrace Level = pterm.LogLevelTrace
	LevelDebug Level = pterm.LogLevelDebug
	LevelInfo  Level = pterm.LogLevelInfo
	LevelWarn  Level = pterm.LogLevelWarn
	LevelError Level = pterm.LogLevelError
	LevelFatal Level = pterm.LogLevelFatal
)

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"fatal":   LevelFatal,
}

// logger is the process-wide sink. Commands redirect it to their stderr.
var logger = struct {
	sync.RWMutex
	level Level
	out   *pterm.Logger
}{level: LevelInfo, out: newPtermLogger(os.Stderr, LevelInfo)}

func newPtermLogger(w io.Writer, level Level) *pterm.Logger {
	l := pterm.DefaultLogger.WithWriter(w).
		WithLevel(level).
		WithTime(true).
		WithTimeFormat(time.RFC3339).
		WithMaxWidth(120).
		WithCaller(false)
	return l.AppendKeyStyles(map[string]pterm.Style{
		string(FieldError):  *pterm.NewStyle(pterm.FgRed, pterm.Bold),
		string(FieldDigest): *pterm.NewStyle(pterm.FgCyan),
	})
}

// ParseLevel accepts trace, debug, info, warn, error and fatal. Empty means
// info.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return LevelInfo, nil
	}
	lvl, ok := levelNames[s]
	if !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// ConfigureLogger sets the level by name. An unknown name leaves the logger
// at info and returns an error.
func ConfigureLogger(level string) error {
	lvl, err := ParseLevel(level)
	SetLogLevel(lvl)
	return err
}

func SetLogLevel(level Level) {
	logger.Lock()
	defer logger.Unlock()
	logger.level = level
	logger.out = logger.out.WithLevel(level)
}

// SetOutput redirects log lines, e.g. to a command's stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logger.Lock()
	defer logger.Unlock()
	logger.out = newPtermLogger(w, logger.level)
}

func log(level Level, msg string, fields Fields) {
	logger.RLock()
	out, current := logger.out, logger.level
	logger.RUnlock()
	if level < current {
		return
	}

	args := makeLoggerArgs(fields)
	switch level {
	case LevelTrace:
		out.Trace(msg, args)
	case LevelDebug:
		out.Debug(msg, args)
	case LevelWarn:
		out.Warn(msg, args)
	case LevelError, LevelFatal:
		// Fatal would exit the process; callers decide that through exit codes.
		out.Error(msg, args)
	default:
		out.Info(msg, args)
	}
}

func makeLoggerArgs(fields Fields) []pterm.LoggerArgument {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	args := make([]pterm.LoggerArgument, 0, len(keys))
	for _, key := range keys {
		args = append(args, pterm.LoggerArgument{Key: key, Value: fields[FieldKey(key)]})
	}
	return args
}

func Trace(msg string, fields Fields) { log(LevelTrace, msg, fields) }
func Debug(msg string, fields Fields) { log(LevelDebug, msg, fields) }
func Info(msg string, fields Fields)  { log(LevelInfo, msg, fields) }
func Warn(msg string, fields Fields)  { log(LevelWarn, msg, fields) }
func Error(msg string, fields Fields) { log(LevelError, msg, fields) }
