package app

import "sync"

// templateStore is the engine's template source; config reloads swap its map.
type templateStore struct {
	mu sync.RWMutex
	m  map[string]string
}

func newTemplateStore(m map[string]string) *templateStore {
	t := &templateStore{}
	t.Set(m)
	return t
}

func (t *templateStore) Template(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[id]
	return s, ok
}

func (t *templateStore) Set(m map[string]string) {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	t.mu.Lock()
	t.m = cp
	t.mu.Unlock()
}

func (t *templateStore) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
