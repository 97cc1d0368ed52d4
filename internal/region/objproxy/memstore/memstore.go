// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memstore implements objproxy.ObjectStore in memory. It backs region
// sessions in tests and in local experiments.
package memstore

import (
	"fmt"
	"sync"

	"github.com/faithanalog/crucible/internal/region/objproxy"
)

type Store struct {
	lock    sync.RWMutex
	objects map[int64][]byte
	named   map[string][]byte

	// Fail makes all operations fail with the returned error when set.
	Fail func() error
}

func New() *Store {
	return &Store{
		objects: make(map[int64][]byte),
		named:   make(map[string][]byte),
	}
}

func (s *Store) fail() error {
	if s.Fail != nil {
		return s.Fail()
	}

	return nil
}

func (s *Store) Upload(key int64, buf []byte) error {
	if err := s.fail(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.objects[key] = append([]byte(nil), buf...)

	return nil
}

func (s *Store) DownloadAt(key int64, buf []byte, offset int64) error {
	if err := s.fail(); err != nil {
		return err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	o, ok := s.objects[key]
	if !ok {
		return objproxy.ErrNotFound
	}

	if offset+int64(len(buf)) > int64(len(o)) {
		return fmt.Errorf("range %d+%d outside of object %d with size %d", offset, len(buf), key, len(o))
	}

	copy(buf, o[offset:])

	return nil
}

func (s *Store) GetObjectSize(key int64) (int64, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	o, ok := s.objects[key]
	if !ok {
		return 0, objproxy.ErrNotFound
	}

	return int64(len(o)), nil
}

func (s *Store) DeleteKeyAndSuccessors(key int64) error {
	if err := s.fail(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for k := range s.objects {
		if k >= key {
			delete(s.objects, k)
		}
	}

	return nil
}

func (s *Store) PutNamed(name string, buf []byte) error {
	if err := s.fail(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.named[name] = append([]byte(nil), buf...)

	return nil
}

func (s *Store) GetNamed(name string) ([]byte, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	o, ok := s.named[name]
	if !ok {
		return nil, objproxy.ErrNotFound
	}

	return append([]byte(nil), o...), nil
}

// Keys returns number of objects in the key space, including the checkpoint.
func (s *Store) Keys() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.objects)
}

// Object returns copy of the object with key.
func (s *Store) Object(key int64) ([]byte, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	o, ok := s.objects[key]

	return append([]byte(nil), o...), ok
}
