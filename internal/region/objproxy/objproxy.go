// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectStore which performs prioritization of
// various requests and keeps track of the outstanding work.
package objproxy

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"time"
)

var (
	// ErrNotFound is returned by stores when the requested object does not
	// exist.
	ErrNotFound = errors.New("object not found")

	// ErrClosed is returned by requests issued after Close.
	ErrClosed = errors.New("object proxy is closed")
)

// ObjectStore is the interface of the backend storage. Anything implementing
// it can be used as a region target.
type ObjectStore interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error

	// Downloads data into buf starting from offset in the object
	// identified by key. The length of buf is the length of requested
	// data.
	DownloadAt(key int64, buf []byte, offset int64) error

	// Returns size in bytes of object identified by key.
	GetObjectSize(key int64) (int64, error)

	// Deletes object identified by key and all successive objects.
	DeleteKeyAndSuccessors(key int64) error

	// Stores named object outside of the key space.
	PutNamed(name string, buf []byte) error

	// Returns content of the named object or ErrNotFound.
	GetNamed(name string) ([]byte, error)
}

// Maximal artificial delay of one request in lossy mode.
const maxLossyDelay = 10 * time.Millisecond

// ObjectProxy prioritizes requests to the backend storage. Requests coming to
// the priority channels are handled first. Like this requests from low
// priority operations like garbage collection do not slow down normal
// operation.
type ObjectProxy struct {
	Instance ObjectStore

	// Number of go routines to spawn for handling upload requests and
	// download requests.
	uploaders   int
	downloaders int

	// Requests are randomly delayed when set.
	lossy bool

	queued     int64
	dispatched int64

	uploads       chan request
	downloads     chan request
	uploadsPrio   chan request
	downloadsPrio chan request

	quit chan struct{}
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key    int64
	data   []byte
	offset int64
	done   chan error
}

// New returns new instance of the proxy which can be directly used. It
// immediately spawns go routines for upload and download workers.
func New(storeInstance ObjectStore, uploaders, downloaders int, lossy bool) *ObjectProxy {
	p := &ObjectProxy{
		Instance:      storeInstance,
		uploaders:     uploaders,
		downloaders:   downloaders,
		lossy:         lossy,
		uploads:       make(chan request),
		downloads:     make(chan request),
		uploadsPrio:   make(chan request),
		downloadsPrio: make(chan request),
		quit:          make(chan struct{}),
	}

	for i := 0; i < p.uploaders; i++ {
		go p.uploadWorker()
	}

	for i := 0; i < p.downloaders; i++ {
		go p.downloadWorker()
	}

	return p
}

// Close stops all workers. Requests issued afterwards fail with ErrClosed.
func (p *ObjectProxy) Close() {
	close(p.quit)
}

// Queued returns number of requests waiting for a worker.
func (p *ObjectProxy) Queued() int64 {
	return atomic.LoadInt64(&p.queued)
}

// Dispatched returns number of requests being executed by workers.
func (p *ObjectProxy) Dispatched() int64 {
	return atomic.LoadInt64(&p.dispatched)
}

func (p *ObjectProxy) submit(c chan request, r request) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}

	atomic.AddInt64(&p.queued, 1)

	select {
	case c <- r:
	case <-p.quit:
		atomic.AddInt64(&p.queued, -1)
		return ErrClosed
	}

	return <-r.done
}

// Upload uploads the object with key. It selects the right channel according
// to prio and waits for reply.
func (p *ObjectProxy) Upload(key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	return p.submit(c, request{key: key, data: body, done: make(chan error, 1)})
}

// Download downloads part of the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *ObjectProxy) Download(key int64, chunk []byte, offset int64, prio bool) error {
	c := p.downloads
	if prio {
		c = p.downloadsPrio
	}

	return p.submit(c, request{key, chunk, offset, make(chan error, 1)})
}

// Generic function for prioritization used by both, uploader and downloader
// workers. It returns false when the proxy is closed.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	case <-p.quit:
		return r, false
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	atomic.AddInt64(&p.queued, -1)
	atomic.AddInt64(&p.dispatched, 1)

	if p.lossy {
		time.Sleep(time.Duration(rand.Int63n(int64(maxLossyDelay))))
	}

	return r, true
}

func (p *ObjectProxy) finish(r request, err error) {
	atomic.AddInt64(&p.dispatched, -1)
	r.done <- err
}

// Upload worker just calls Upload() on the instance provided in New().
func (p *ObjectProxy) uploadWorker() {
	for {
		r, ok := p.receiveRequest(p.uploadsPrio, p.uploads)
		if !ok {
			return
		}

		p.finish(r, p.Instance.Upload(r.key, r.data))
	}
}

// Download worker just calls DownloadAt() on the instance provided in New().
func (p *ObjectProxy) downloadWorker() {
	for {
		r, ok := p.receiveRequest(p.downloadsPrio, p.downloads)
		if !ok {
			return
		}

		p.finish(r, p.Instance.DownloadAt(r.key, r.data, r.offset))
	}
}
