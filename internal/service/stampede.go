package service

import "sync"

// missTracker counts upstream fetches in flight per cache key. Two or more at once
// for the same key is a stampede: the coalescer should have merged them.
type missTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func newMissTracker() *missTracker {
	return &missTracker{inFlight: make(map[string]int)}
}

// begin registers a miss on key. It returns the number of misses now open for the
// key, including this one, and a func that closes it. done is safe to call twice.
func (m *missTracker) begin(key string) (open int, done func()) {
	m.mu.Lock()
	m.inFlight[key]++
	open = m.inFlight[key]
	m.mu.Unlock()

	var once sync.Once
	return open, func() { once.Do(func() { m.end(key) }) }
}

func (m *missTracker) end(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch n := m.inFlight[key]; {
	case n > 1:
		m.inFlight[key] = n - 1
	case n == 1:
		delete(m.inFlight, key)
	}
}

// open returns how many misses are in flight for key.
func (m *missTracker) open(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[key]
}

// keys returns the number of keys with a miss in flight.
func (m *missTracker) keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
