package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is the single-node Store used when no REDIS_URL is configured.
// Counters live in a map with per-key deadlines; pub/sub delivers to
// local subscribers only, which is correct for one worker.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[string][]*memSub
	done    chan struct{}
	once    sync.Once
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory builds the in-process store and starts its janitor.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		subs:    make(map[string][]*memSub),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	n := int64(1)
	if ok {
		prev, _ := strconv.ParseInt(e.value, 10, 64)
		n = prev + 1
		e.value = strconv.FormatInt(n, 10)
		m.entries[key] = e
		return n, nil
	}
	entry := memEntry{value: "1"}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = entry
	return n, nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	return n, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", nil
	}
	return e.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	subs := append([]*memSub(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.out <- payload:
		default:
			// Slow local subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memSub{store: m, channel: channel, out: make(chan string, 64)}
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], s)
	m.mu.Unlock()
	return s, nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

type memSub struct {
	store   *Memory
	channel string
	out     chan string
	once    sync.Once
}

func (s *memSub) Messages() <-chan string { return s.out }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		subs := s.store.subs[s.channel]
		for i, cur := range subs {
			if cur == s {
				s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.store.mu.Unlock()
		close(s.out)
	})
	return nil
}
