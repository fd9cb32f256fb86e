package wal

import (
	"logkv/storage"
	"sync"
)

var _ storage.KV = (*Store)(nil)

// Store guards an Engine with a reader/writer lock: lookups share the lock
// for their whole multi-segment scan, appends and rotations hold it
// exclusively.
type Store struct {
	mutex  sync.RWMutex
	engine *Engine
}

func NewStore(engine *Engine) *Store {
	return &Store{engine: engine}
}

func (s *Store) Get(key string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.engine.Get(key)
}

func (s *Store) Put(key string, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.engine.Put(key, value)
}

func (s *Store) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.engine.Delete(key)
}

func (s *Store) Segments() []SegmentRef {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.engine.Segments()
}

func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.engine.Close()
}
