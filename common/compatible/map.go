package compatible

import "sync"

// Map is a typed sync.Map, used for tables read far more often than they
// are written, such as live TCP sessions of a tunnel.
type Map[K comparable, V any] struct {
	m sync.Map
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

func (m *Map[K, V]) Len() int {
	var count int
	m.m.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	v, loaded := m.m.Load(key)
	if !loaded {
		return *new(V), false
	}
	return v.(V), true
}

func (m *Map[K, V]) Store(key K, value V) {
	m.m.Store(key, value)
}

func (m *Map[K, V]) Delete(key K) {
	m.m.Delete(key)
}

// CompareAndDelete removes key only while it still maps to old.
func (m *Map[K, V]) CompareAndDelete(key K, old V) bool {
	return m.m.CompareAndDelete(key, old)
}

func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(key)
	if !loaded {
		return *new(V), false
	}
	return v.(V), true
}

func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Drain removes and returns every value.
func (m *Map[K, V]) Drain() []V {
	var values []V
	m.m.Range(func(key, value any) bool {
		if _, loaded := m.m.LoadAndDelete(key); loaded {
			values = append(values, value.(V))
		}
		return true
	})
	return values
}
