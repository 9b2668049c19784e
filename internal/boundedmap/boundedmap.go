// Package boundedmap provides a thread-safe map with an LRU eviction policy
// and optional TTL expiry, used to bound per-key state (the performance
// recorder's per-user and per-session cost ledgers) that would otherwise
// grow without limit as new users and sessions appear.
package boundedmap

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// EvictionReason explains why an entry left the map.
type EvictionReason int

const (
	EvictionCapacity EvictionReason = iota
	EvictionTTL
	EvictionExplicit
)

func (r EvictionReason) String() string {
	switch r {
	case EvictionCapacity:
		return "capacity"
	case EvictionTTL:
		return "ttl"
	case EvictionExplicit:
		return "explicit"
	default:
		return "unknown"
	}
}

// Config configures a Map.
type Config struct {
	// MaxSize is the maximum number of entries; 0 means unlimited (TTL-only).
	MaxSize int
	// TTL is the time-to-live for entries; 0 means no expiry.
	TTL time.Duration
	// CleanupInterval controls how often expired entries are swept.
	// Defaults to TTL/4, or 5 minutes if TTL is 0.
	CleanupInterval time.Duration
	// OnEvict is invoked (outside the map's lock) whenever an entry is
	// evicted, with the reason it left.
	OnEvict func(key string, value interface{}, reason EvictionReason)
	// MetricsPrefix names the otel instruments this map registers; if empty,
	// metrics are disabled.
	MetricsPrefix string
}

type entry struct {
	key        string
	value      interface{}
	expiresAt  time.Time
	listElem   *list.Element
}

// Map is a thread-safe, size- and/or TTL-bounded map with LRU eviction.
type Map struct {
	cfg        Config
	mu         sync.Mutex
	data       map[string]*entry
	order      *list.List // front = most recently used
	logger     *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *mapMetrics
}

type mapMetrics struct {
	entries   metric.Int64UpDownCounter
	evictions metric.Int64Counter
}

// New creates a Map and starts its TTL sweep goroutine (a no-op loop if
// cfg.TTL is zero).
func New(cfg Config) *Map {
	if cfg.CleanupInterval == 0 {
		if cfg.TTL > 0 {
			cfg.CleanupInterval = cfg.TTL / 4
		} else {
			cfg.CleanupInterval = 5 * time.Minute
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Map{
		cfg:    cfg,
		data:   make(map[string]*entry),
		order:  list.New(),
		logger: logrus.New(),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.MetricsPrefix != "" {
		m.initMetrics()
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

func (m *Map) initMetrics() {
	meter := otel.Meter("llmguard/boundedmap")
	entries, err := meter.Int64UpDownCounter(m.cfg.MetricsPrefix + "_entries")
	if err != nil {
		m.logger.WithError(err).Warn("boundedmap: failed to register entries instrument")
		return
	}
	evictions, err := meter.Int64Counter(m.cfg.MetricsPrefix + "_evictions_total")
	if err != nil {
		m.logger.WithError(err).Warn("boundedmap: failed to register evictions instrument")
		return
	}
	m.metrics = &mapMetrics{entries: entries, evictions: evictions}
}

// GetOrCreate returns the value for key, creating it via create() under the
// map's lock if absent. This is the common path for lazily-materialized
// per-key state (per-user and per-session cost ledgers).
func (m *Map) GetOrCreate(key string, create func() interface{}) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.data[key]; ok {
		if m.expired(e) {
			m.removeLocked(e, EvictionTTL)
		} else {
			m.order.MoveToFront(e.listElem)
			return e.value
		}
	}

	v := create()
	m.insertLocked(key, v)
	return v
}

// Get returns the value for key and whether it was present (and unexpired).
func (m *Map) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if m.expired(e) {
		m.removeLocked(e, EvictionTTL)
		return nil, false
	}
	m.order.MoveToFront(e.listElem)
	return e.value, true
}

// Set inserts or replaces the value for key.
func (m *Map) Set(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.data[key]; ok {
		e.value = value
		if m.cfg.TTL > 0 {
			e.expiresAt = time.Now().Add(m.cfg.TTL)
		}
		m.order.MoveToFront(e.listElem)
		return
	}
	m.insertLocked(key, value)
}

// Len returns the current entry count.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Close stops the background cleanup goroutine.
func (m *Map) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Map) insertLocked(key string, value interface{}) {
	e := &entry{key: key, value: value}
	if m.cfg.TTL > 0 {
		e.expiresAt = time.Now().Add(m.cfg.TTL)
	}
	e.listElem = m.order.PushFront(key)
	m.data[key] = e

	if m.metrics != nil {
		m.metrics.entries.Add(m.ctx, 1)
	}

	if m.cfg.MaxSize > 0 {
		for len(m.data) > m.cfg.MaxSize {
			back := m.order.Back()
			if back == nil {
				break
			}
			victim := m.data[back.Value.(string)]
			m.removeLocked(victim, EvictionCapacity)
		}
	}
}

func (m *Map) removeLocked(e *entry, reason EvictionReason) {
	delete(m.data, e.key)
	m.order.Remove(e.listElem)

	if m.metrics != nil {
		m.metrics.entries.Add(m.ctx, -1)
		m.metrics.evictions.Add(m.ctx, 1)
	}

	if m.cfg.OnEvict != nil {
		key, value := e.key, e.value
		go m.cfg.OnEvict(key, value, reason)
	}
}

func (m *Map) expired(e *entry) bool {
	return m.cfg.TTL > 0 && time.Now().After(e.expiresAt)
}

func (m *Map) cleanupLoop() {
	defer m.wg.Done()
	if m.cfg.TTL == 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Map) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*entry
	for _, e := range m.data {
		if m.expired(e) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		m.removeLocked(e, EvictionTTL)
	}
}
