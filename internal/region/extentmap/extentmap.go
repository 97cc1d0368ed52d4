// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package extentmap is a proxy for structs with Mapper interface. It
// serializes and prioritizes requests coming to the Mapper and also improves
// cache locality since all operations are done by the same go routine.
package extentmap

import (
	"errors"
)

const (
	NotMappedKey = -1
)

// ErrClosed is returned by requests issued after Close.
var ErrClosed = errors.New("extent map is closed")

// Mapper provides mapping from the region blocks to the potentially multiple
// extents in the objects. Furthermore it provides operations related to
// garbage collection and map restoration.
type Mapper interface {
	Update(extents []Extent, startOfData, key int64)
	Lookup(block, length int64) []ObjectPart
	FindExtentsWithKeys(block, length int64, keys map[int64]struct{}) []LiveExtent
	DeleteFromDeadObjects(deadObjects map[int64]struct{})
	ObjectsUtilization() map[int64]Utilization
	DeadObjects() map[int64]struct{}
	Blocks() int64
	Deserialize(buf []byte) (nextKey int64, err error)
	Serialize() ([]byte, error)
}

// Extent is a continuous range of region blocks written by one write.
type Extent struct {
	// First block of the extent.
	Block int64

	// Number of blocks.
	Length int64

	// Sequential number of the write which wrote this extent.
	SeqNo int64

	// Reserved for future usage.
	Flag int64
}

// ObjectPart is a continuous range of blocks stored in one object.
type ObjectPart struct {
	// First block of the part inside the object.
	Block int64

	// Number of blocks.
	Length int64

	// Object where the part is located. NotMappedKey for never written
	// blocks.
	Key int64
}

// LiveExtent is an extent still referenced by the map together with its
// location.
type LiveExtent struct {
	Extent Extent
	Part   ObjectPart
}

// Utilization of one object.
type Utilization struct {
	// Blocks still referenced by the map.
	Live int64

	// Data blocks stored in the object.
	Total int64
}

// Ratio of live data in the object.
func (u Utilization) Ratio() float64 {
	if u.Total == 0 {
		return 0
	}

	return float64(u.Live) / float64(u.Total)
}

// Proxy to the Mapper. It serializes and prioritizes requests coming to the
// extent map. Updates and lookups are served first.
type Proxy struct {
	instance Mapper

	updateChan       chan updateRequest
	lookupChan       chan lookupRequest
	keyedExtentsChan chan keyedExtentsRequest

	// General low priority channel used for multiple types of requests.
	lockChan chan lockRequest

	quit chan struct{}
}

type updateRequest struct {
	extents     []Extent
	startOfData int64
	key         int64
	done        chan struct{}
}

type lookupRequest struct {
	block  int64
	length int64
	reply  chan []ObjectPart
}

type keyedExtentsRequest struct {
	block  int64
	length int64
	keys   map[int64]struct{}
	reply  chan []LiveExtent
}

type lockRequest struct {
	done chan struct{}
}

// NewProxy returns proxy which can be directly used. It spawns one worker
// which handles all serialized and prioritized requests until Close.
func NewProxy(instance Mapper) *Proxy {
	p := &Proxy{
		instance:         instance,
		updateChan:       make(chan updateRequest),
		lookupChan:       make(chan lookupRequest),
		keyedExtentsChan: make(chan keyedExtentsRequest),
		lockChan:         make(chan lockRequest),
		quit:             make(chan struct{}),
	}

	go p.worker()

	return p
}

// Close stops the worker. Requests issued afterwards fail with ErrClosed.
func (p *Proxy) Close() {
	close(p.quit)
}

// Blocks returns the number of blocks covered by the map.
func (p *Proxy) Blocks() int64 {
	return p.instance.Blocks()
}

// Update maps all extents to the object with key. startOfData is the first
// block in the object with real data.
func (p *Proxy) Update(extents []Extent, startOfData, key int64) error {
	done := make(chan struct{})

	select {
	case p.updateChan <- updateRequest{extents, startOfData, key, done}:
	case <-p.quit:
		return ErrClosed
	}

	<-done

	return nil
}

// Lookup finds all pieces from which the blocks starting at block with length
// length can be reconstructed.
func (p *Proxy) Lookup(block, length int64) ([]ObjectPart, error) {
	reply := make(chan []ObjectPart)

	select {
	case p.lookupChan <- lookupRequest{block, length, reply}:
	case <-p.quit:
		return nil, ErrClosed
	}

	return <-reply, nil
}

// ExtentsInObjects finds all live extents stored in any of the objects with
// keys in keys. Block and length is the range of interest.
func (p *Proxy) ExtentsInObjects(block, length int64, keys map[int64]struct{}) ([]LiveExtent, error) {
	reply := make(chan []LiveExtent)

	select {
	case p.keyedExtentsChan <- keyedExtentsRequest{block, length, keys, reply}:
	case <-p.quit:
		return nil, ErrClosed
	}

	return <-reply, nil
}

// Runs f with exclusive access to the instance.
func (p *Proxy) locked(f func()) error {
	done := make(chan struct{})

	select {
	case p.lockChan <- lockRequest{done}:
	case <-p.quit:
		return ErrClosed
	}

	defer func() {
		done <- struct{}{}
	}()

	f()

	return nil
}

// DeadObjects returns all objects without any live data.
func (p *Proxy) DeadObjects() (deadObjects map[int64]struct{}, err error) {
	err = p.locked(func() {
		deadObjects = p.instance.DeadObjects()
	})

	return
}

// ObjectsUtilization returns utilization of all objects with live data.
func (p *Proxy) ObjectsUtilization() (utilization map[int64]Utilization, err error) {
	err = p.locked(func() {
		utilization = p.instance.ObjectsUtilization()
	})

	return
}

// DeleteDeadObjects forgets dead objects which were already emptied.
func (p *Proxy) DeleteDeadObjects(deadObjects map[int64]struct{}) error {
	return p.locked(func() {
		p.instance.DeleteFromDeadObjects(deadObjects)
	})
}

// Serialize returns consistent snapshot of the map.
func (p *Proxy) Serialize() (buf []byte, err error) {
	lockErr := p.locked(func() {
		buf, err = p.instance.Serialize()
	})

	if lockErr != nil {
		return nil, lockErr
	}

	return
}

// Deserialize replaces the map by previously serialized one and returns the
// next unassigned object key.
func (p *Proxy) Deserialize(buf []byte) (nextKey int64, err error) {
	lockErr := p.locked(func() {
		nextKey, err = p.instance.Deserialize(buf)
	})

	if lockErr != nil {
		return 0, lockErr
	}

	return
}

// Worker is doing prioritization and serialization of the requests. Updates
// and lookups into the map have highest priority. All other request are low
// priority.
func (p *Proxy) worker() {
	for {
		select {
		case u := <-p.updateChan:
			p.update(u)

		case l := <-p.lookupChan:
			p.lookup(l)

		case <-p.quit:
			return

		default:
			select {
			case u := <-p.updateChan:
				p.update(u)

			case l := <-p.lookupChan:
				p.lookup(l)

			case e := <-p.keyedExtentsChan:
				p.findExtentsWithKeys(e)

			case l := <-p.lockChan:
				<-l.done

			case <-p.quit:
				return
			}
		}
	}
}

func (p *Proxy) update(r updateRequest) {
	p.instance.Update(r.extents, r.startOfData, r.key)
	r.done <- struct{}{}
}

func (p *Proxy) lookup(r lookupRequest) {
	r.reply <- p.instance.Lookup(r.block, r.length)
}

func (p *Proxy) findExtentsWithKeys(r keyedExtentsRequest) {
	r.reply <- p.instance.FindExtentsWithKeys(r.block, r.length, r.keys)
}
