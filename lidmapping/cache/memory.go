package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const sweepInterval = 30 * time.Second

type memoryEntry struct {
	value    string
	expireAt time.Time
}

// Memory is the default in-process Cache implementation: a mutex-guarded map
// with a background sweep goroutine that evicts expired entries. Lookups
// also check expiry passively, so a sweep running late never serves a stale
// value.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	log     logrus.FieldLogger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemory creates an in-process cache and starts its cleanup goroutine.
// Call Close to stop the goroutine when the cache is no longer needed.
func NewMemory(log logrus.FieldLogger) *Memory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Memory{
		entries: make(map[string]memoryEntry),
		log:     log,
		stop:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expireAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expireAt: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Close stops the background sweep goroutine.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, e := range m.entries {
		if now.After(e.expireAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(m.entries, key)
	}
	if len(expired) > 0 {
		m.log.Debugf("[cache.Memory] swept %d expired entries", len(expired))
	}
}
