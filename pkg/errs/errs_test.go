package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestKindMatchesSentinel(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		kind     Kind
	}{
		{Network("upload", io.ErrUnexpectedEOF), ErrNetwork, KindNetwork},
		{Auth("upload", http.StatusUnauthorized, nil), ErrAuth, KindAuth},
		{Server("info", http.StatusNotFound, nil), ErrServer, KindServer},
		{Integrity("verify", errors.New("mismatch")), ErrIntegrity, KindIntegrity},
		{LocalIO("open", "/tmp/x", errors.New("denied")), ErrLocalIO, KindLocalIO},
		{Usagef("parse", "bad %s", "link"), ErrUsage, KindUsage},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Fatalf("%v does not match sentinel %v", tc.err, tc.sentinel)
		}
		if got := KindOf(wrapped); got != tc.kind {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.kind)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Network("upload", io.ErrUnexpectedEOF)) {
		t.Fatal("network errors must be retryable")
	}
	if !Retryable(TemporaryServer("upload", http.StatusServiceUnavailable, nil)) {
		t.Fatal("temporary server errors must be retryable")
	}
	if Retryable(Server("upload", http.StatusBadRequest, nil)) {
		t.Fatal("4xx must not be retryable")
	}
	if Retryable(Auth("upload", http.StatusForbidden, nil)) {
		t.Fatal("auth errors must not be retryable")
	}
	if Retryable(Integrity("verify", nil)) {
		t.Fatal("integrity errors must not be retryable")
	}
	if Retryable(Network("upload", context.Canceled)) {
		t.Fatal("cancellation must not be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Fatal("unclassified errors must not be retryable")
	}
}

func TestExhaustedRetriesKeepInnerKind(t *testing.T) {
	inner := TemporaryServer("upload chunk", http.StatusBadGateway, nil)
	outer := Network("upload", fmt.Errorf("giving up after 3 attempts: %w", inner))
	if KindOf(outer) != KindNetwork {
		t.Fatalf("expected outer kind network, got %s", KindOf(outer))
	}
	if !errors.Is(outer, ErrServer) {
		t.Fatal("inner server error should stay reachable")
	}
	if StatusOf(outer) != 0 {
		t.Fatalf("outer error carries no status, got %d", StatusOf(outer))
	}
}

func TestErrorMessages(t *testing.T) {
	e := LocalIO("create", "/data/out.bin", errors.New("no space left on device"))
	if got := e.Error(); got != "create /data/out.bin: no space left on device" {
		t.Fatalf("unexpected message %q", got)
	}
	s := Server("info", http.StatusGone, nil)
	if got := s.Error(); got != "info: 410 Gone: server error" {
		t.Fatalf("unexpected message %q", got)
	}
	if !IsNotFound(s) {
		t.Fatal("410 should count as not found")
	}
}
