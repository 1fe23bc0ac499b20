// Package chunker splits a byte range into fixed-size pieces for upload.
package chunker

import "fmt"

type Chunk interface {
	SessionID() string
	Offset() int64
	Length() int64
	LastPart() bool
	Data() []byte
}

type FileChunk struct {
	sessionID string
	offset    int64
	length    int64
	lastpart  bool
	data      []byte
}

func (fc *FileChunk) SessionID() string { return fc.sessionID }
func (fc *FileChunk) Offset() int64     { return fc.offset }
func (fc *FileChunk) Length() int64     { return fc.length }
func (fc *FileChunk) LastPart() bool    { return fc.lastpart }
func (fc *FileChunk) Data() []byte      { return fc.data }

// End is the offset just past the chunk.
func (fc *FileChunk) End() int64 { return fc.offset + fc.length }

func NewFileChunk(sessionID string, offset, length int64, lastpart bool, data []byte) *FileChunk {
	return &FileChunk{
		sessionID: sessionID,
		offset:    offset,
		length:    length,
		lastpart:  lastpart,
		data:      data,
	}
}

// Chunker walks [0, size) in chunkSize steps. The cursor can be moved with
// Seek when a transfer resumes from a server-acknowledged offset, so chunks
// after a resume are aligned to that offset rather than to chunk boundaries.
type Chunker struct {
	sessionID string
	size      int64
	chunkSize int64
	next      int64
}

func NewChunker(sessionID string, size, chunkSize int64) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative, got %d", size)
	}
	return &Chunker{sessionID: sessionID, size: size, chunkSize: chunkSize}, nil
}

// Count is the number of chunks needed for size bytes.
func Count(size, chunkSize int64) int64 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize // ceil div
}

func (ckr *Chunker) Size() int64 { return ckr.size }

// Seek moves the cursor. Offsets outside [0, size] are clamped.
func (ckr *Chunker) Seek(offset int64) {
	ckr.next = max(0, min(offset, ckr.size))
}

// Remaining is the number of bytes not yet handed out.
func (ckr *Chunker) Remaining() int64 {
	return ckr.size - ckr.next
}

// NextChunk returns the next chunk with a nil data buffer; the caller fills
// it. ok == false means the range is exhausted. A zero-length range yields
// no chunks.
func (ckr *Chunker) NextChunk() (*FileChunk, bool) {
	if ckr.next >= ckr.size {
		return nil, false
	}
	offset := ckr.next
	length := min(ckr.chunkSize, ckr.size-offset)
	ckr.next = offset + length
	return &FileChunk{
		sessionID: ckr.sessionID,
		offset:    offset,
		length:    length,
		lastpart:  offset+length == ckr.size,
	}, true
}
