package chunker

import (
	"testing"
)

func TestNewFileChunk(t *testing.T) {
	sessionID := "hello"
	var length int64 = 2
	var offset int64 = 2
	lastPart := true
	data := make([]byte, 100)

	fc := NewFileChunk(sessionID, offset, length, lastPart, data)
	if len(fc.Data()) != len(data) {
		t.Errorf("buffer is of wrong size")
	}
	if sessionID != fc.SessionID() {
		t.Error("session id does not match")
	}
	if lastPart != fc.LastPart() {
		t.Error("last part is not equal")
	}
	if length != fc.Length() || offset != fc.Offset() || fc.End() != 4 {
		t.Error("length or offset do not match")
	}
}

func TestNewChunkerRejectsZeroChunkSize(t *testing.T) {
	if _, err := NewChunker("s", 10, 0); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

func TestChunkerCoversRange(t *testing.T) {
	ckr, err := NewChunker("test", 1000, 300)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}

	var got []int64
	var covered int64
	var last bool
	for {
		ch, ok := ckr.NextChunk()
		if !ok {
			break
		}
		if ch.Offset() != covered {
			t.Fatalf("gap at %d, chunk starts at %d", covered, ch.Offset())
		}
		covered = ch.End()
		got = append(got, ch.Length())
		last = ch.LastPart()
	}
	want := []int64{300, 300, 300, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if !last || covered != 1000 {
		t.Fatalf("last=%v covered=%d", last, covered)
	}
	if Count(1000, 300) != 4 {
		t.Fatalf("count %d", Count(1000, 300))
	}
}

func TestChunkerSeekResumesMidChunk(t *testing.T) {
	ckr, _ := NewChunker("test", 1000, 300)
	ckr.Seek(450)
	ch, ok := ckr.NextChunk()
	if !ok || ch.Offset() != 450 || ch.Length() != 300 {
		t.Fatalf("unexpected chunk after seek: %+v", ch)
	}
	if ckr.Remaining() != 250 {
		t.Fatalf("remaining %d", ckr.Remaining())
	}
	ckr.Seek(5000)
	if _, ok := ckr.NextChunk(); ok {
		t.Fatal("seek past end should exhaust the chunker")
	}
}

func TestZeroLengthRange(t *testing.T) {
	ckr, _ := NewChunker("empty", 0, 300)
	if _, ok := ckr.NextChunk(); ok {
		t.Fatal("zero-length range must not yield chunks")
	}
	if Count(0, 300) != 0 {
		t.Fatal("zero-length range has no chunks")
	}
}
