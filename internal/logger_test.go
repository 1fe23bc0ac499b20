package internal

import (
	"bytes"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLogLevel(LevelInfo)
	})

	if err := ConfigureLogger("debug"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	Debug("chunk acknowledged", Fields{FieldOffset: 4096})
	if !bytes.Contains(buf.Bytes(), []byte("chunk acknowledged")) {
		t.Fatalf("debug line missing: %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("offset")) {
		t.Fatalf("field missing: %q", buf.String())
	}

	buf.Reset()
	if err := ConfigureLogger("error"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	Warn("dropped", nil)
	if buf.Len() != 0 {
		t.Fatalf("warn logged at error level: %q", buf.String())
	}
	Error("kept", nil)
	if !bytes.Contains(buf.Bytes(), []byte("kept")) {
		t.Fatalf("error line missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"":        LevelInfo,
		"TRACE":   LevelTrace,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"fatal":   LevelFatal,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if err := ConfigureLogger("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
