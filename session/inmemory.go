package session

import "sync"

var _ Store = (*InMemoryStore)(nil)
var _ BatchSetter = (*InMemoryStore)(nil)

// InMemoryStore is a mutex-guarded map-backed Store. It is the default store
// for tests and for processes that do not need persistence across restarts.
type InMemoryStore struct {
	values map[string]string
	lock   sync.RWMutex
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: make(map[string]string)}
}

func (s *InMemoryStore) Get(key string) (string, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	v, ok := s.values[key]
	return v, ok
}

func (s *InMemoryStore) Set(key, value string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.values[key] = value
}

func (s *InMemoryStore) Remove(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.values, key)
}

func (s *InMemoryStore) SetAll(values map[string]string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for k, v := range values {
		s.values[k] = v
	}
}

// Keys returns a snapshot of the stored key names.
func (s *InMemoryStore) Keys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}
