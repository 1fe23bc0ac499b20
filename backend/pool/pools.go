package pool

import (
	"context"
	"runtime"
	"sync"
)

type BufferPool struct {
	bufferSize int
	bufferPool sync.Pool
}

func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{bufferSize: bufferSize}
	bp.bufferPool.New = func() any {
		b := make([]byte, 0, bufferSize)
		return &b
	}
	return bp
}

// GetBuffer returns a buffer of length n. Requests larger than the pool's
// buffer size are allocated directly.
func (bp *BufferPool) GetBuffer(n int) []byte {
	if n > bp.bufferSize {
		return make([]byte, n)
	}
	b := bp.bufferPool.Get().(*[]byte)
	return (*b)[:n]
}

func (bp *BufferPool) PutBuffer(buffer []byte) {
	if cap(buffer) != bp.bufferSize {
		return
	}
	buffer = buffer[:0]
	bp.bufferPool.Put(&buffer)
}

// WorkerPool runs a fixed number of workers over the tasks pushed into
// Ingress. Run returns once ingress is closed and drained, or ctx is done.
type WorkerPool[T any] struct {
	ingressChan chan T
	errorChan   chan error

	wg        sync.WaitGroup
	maxWorker int
}

func NewWorkerPool[T any](maxWorkers, queueSize int) *WorkerPool[T] {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU() * 2
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &WorkerPool[T]{
		ingressChan: make(chan T, queueSize),
		errorChan:   make(chan error, 64),
		maxWorker:   maxWorkers,
	}
}

func (wp *WorkerPool[T]) Size() int { return wp.maxWorker }

func (wp *WorkerPool[T]) Run(ctx context.Context, handler func(context.Context, T)) {
	for i := 0; i < wp.maxWorker; i++ {
		wp.startWorker(ctx, handler)
	}
	wp.wg.Wait()
}

func (wp *WorkerPool[T]) startWorker(ctx context.Context, handler func(context.Context, T)) {
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case task, ok := <-wp.ingressChan:
				if !ok {
					return
				}
				handler(ctx, task)
			}
		}
	}()
}

func (wp *WorkerPool[T]) Ingress() chan<- T {
	return wp.ingressChan
}

func (wp *WorkerPool[T]) CloseIngress() {
	close(wp.ingressChan)
}

func (wp *WorkerPool[T]) Errors() <-chan error {
	return wp.errorChan
}

// PublishError records err without blocking; errors beyond the buffer are
// dropped.
func (wp *WorkerPool[T]) PublishError(err error) {
	select {
	case wp.errorChan <- err:
	default:
	}
}
