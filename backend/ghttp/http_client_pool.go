package ghttp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	ErrZeroCapacity = errors.New("client pool has capacity of 0")
	ErrPoolOffline  = errors.New("client pool is offline")
)

// TransportOptions configures the connection layer shared by every pooled
// client.
type TransportOptions struct {
	CACertFile            string
	Insecure              bool
	ResponseHeaderTimeout time.Duration
	MaxConnsPerHost       int
}

// NewTransport builds an HTTP transport that trusts the system roots plus
// an optional extra CA bundle.
func NewTransport(opts TransportOptions) (*http.Transport, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CACertFile != "" {
		pem, err := os.ReadFile(opts.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read ca cert %s: %w", opts.CACertFile, err)
		}
		roots, err := x509.SystemCertPool()
		if err != nil || roots == nil {
			roots = x509.NewCertPool()
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca cert %s: no certificates found", opts.CACertFile)
		}
		tlsCfg.RootCAs = roots
	}
	if opts.Insecure {
		tlsCfg.InsecureSkipVerify = true
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}, nil
}

// HttpClientPool hands out a bounded number of HTTP clients. A session keeps
// the same client for its whole lifetime so its requests share a connection.
type HttpClientPool struct {
	mu          sync.Mutex     // Primary mutex for the pool
	clients     []*http.Client // All clients
	freeList    []int          // Available client indices (stack-like)
	inUse       map[int]bool   // Tracks which clients are currently in use
	keyToIndex  map[string]int // Maps session IDs to client indices
	indexToKey  map[int]string // Reverse mapping of client indices to session IDs
	refs        map[int]int    // Outstanding Get calls per client
	cond        *sync.Cond     // Condition variable for waiting
	capacity    int            // Maximum pool size
	transport   http.RoundTripper
	online      bool // Pool status flag
	newClientFn func() *http.Client
}

func NewHttpClientPool(size int, transport http.RoundTripper) (*HttpClientPool, error) {
	if size < 0 {
		return nil, fmt.Errorf("client pool size must not be negative, got %d", size)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	hcp := &HttpClientPool{
		clients:    make([]*http.Client, size),
		freeList:   make([]int, 0, size),
		inUse:      make(map[int]bool),
		keyToIndex: make(map[string]int),
		indexToKey: make(map[int]string),
		refs:       make(map[int]int),
		capacity:   size,
		transport:  transport,
	}
	hcp.newClientFn = func() *http.Client {
		return &http.Client{Transport: hcp.transport}
	}
	hcp.cond = sync.NewCond(&hcp.mu)

	for i := 0; i < size; i++ {
		hcp.clients[i] = hcp.newClientFn()
		hcp.freeList = append(hcp.freeList, i)
	}

	hcp.online = true
	return hcp, nil
}

func (hcp *HttpClientPool) ShutDown() error {
	hcp.mu.Lock()
	defer hcp.mu.Unlock()

	hcp.online = false

	for _, client := range hcp.clients {
		if client != nil {
			client.CloseIdleConnections()
		}
	}

	hcp.clients = nil
	hcp.freeList = nil
	hcp.inUse = nil
	hcp.keyToIndex = nil
	hcp.indexToKey = nil
	hcp.refs = nil

	// Wake all waiting goroutines
	hcp.cond.Broadcast()

	return nil
}

func (hcp *HttpClientPool) SetPoolSize(newSize int) error {
	hcp.mu.Lock()
	defer hcp.mu.Unlock()

	if !hcp.online {
		return ErrPoolOffline
	}

	if newSize == hcp.capacity {
		return nil
	}

	if newSize > hcp.capacity {
		for i := len(hcp.clients); i < newSize; i++ {
			hcp.clients = append(hcp.clients, hcp.newClientFn())
			hcp.freeList = append(hcp.freeList, i)
		}
		hcp.capacity = newSize
		hcp.cond.Broadcast()
		return nil
	}

	currentInUse := len(hcp.inUse)
	if newSize < currentInUse {
		return fmt.Errorf("cannot shrink below %d (%d clients in use)", currentInUse, currentInUse)
	}
	freeToKeep := newSize - currentInUse
	for len(hcp.freeList) > freeToKeep {
		idx := hcp.freeList[len(hcp.freeList)-1]
		hcp.clients[idx].CloseIdleConnections()
		hcp.freeList = hcp.freeList[:len(hcp.freeList)-1]
	}
	hcp.capacity = newSize
	return nil
}

// Get returns the client bound to key, binding a free one if needed. It
// blocks while the pool is exhausted until a client is returned or ctx ends.
func (hcp *HttpClientPool) Get(ctx context.Context, key string) (*http.Client, error) {
	stop := context.AfterFunc(ctx, func() {
		hcp.mu.Lock()
		hcp.cond.Broadcast()
		hcp.mu.Unlock()
	})
	defer stop()

	hcp.mu.Lock()
	defer hcp.mu.Unlock()

	if !hcp.online {
		return nil, ErrPoolOffline
	}
	if hcp.capacity == 0 {
		return nil, ErrZeroCapacity
	}

	if idx, exists := hcp.keyToIndex[key]; exists {
		hcp.refs[idx]++
		return hcp.clients[idx], nil
	}

	for len(hcp.freeList) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hcp.cond.Wait()
		if !hcp.online {
			return nil, fmt.Errorf("client pool went offline while waiting: %w", ErrPoolOffline)
		}
		if idx, exists := hcp.keyToIndex[key]; exists {
			hcp.refs[idx]++
			return hcp.clients[idx], nil
		}
	}

	// LIFO keeps recently used connections warm
	idx := hcp.freeList[len(hcp.freeList)-1]
	hcp.freeList = hcp.freeList[:len(hcp.freeList)-1]

	hcp.inUse[idx] = true
	hcp.keyToIndex[key] = idx
	hcp.indexToKey[idx] = key
	hcp.refs[idx] = 1

	return hcp.clients[idx], nil
}

// Put releases one Get of client. The client returns to the free list once
// every Get for its key has been released.
func (hcp *HttpClientPool) Put(client *http.Client) error {
	hcp.mu.Lock()
	defer hcp.mu.Unlock()

	if !hcp.online {
		return ErrPoolOffline
	}

	idx := -1
	for i, c := range hcp.clients {
		if c == client {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("client not found in pool")
	}
	if !hcp.inUse[idx] {
		return nil
	}
	if hcp.refs[idx]--; hcp.refs[idx] > 0 {
		return nil
	}

	key := hcp.indexToKey[idx]
	delete(hcp.inUse, idx)
	delete(hcp.keyToIndex, key)
	delete(hcp.indexToKey, idx)
	delete(hcp.refs, idx)

	if idx < hcp.capacity {
		hcp.freeList = append(hcp.freeList, idx)
	}
	hcp.cond.Signal()

	return nil
}

func (hcp *HttpClientPool) Available() int {
	hcp.mu.Lock()
	defer hcp.mu.Unlock()
	return len(hcp.freeList)
}

func (hcp *HttpClientPool) Capacity() int {
	hcp.mu.Lock()
	defer hcp.mu.Unlock()
	return hcp.capacity
}
