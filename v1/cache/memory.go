package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-ward/v1/cache")

// InMemory is a Store backed by a map with LRU ordering and a background
// sweeper that discards entries past their retention window.
type InMemory[T any] struct {
	mu            sync.RWMutex
	items         map[string]memItem[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	now           func() time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	traceEnabled    bool
}

type memItem[T any] struct {
	entry   Entry[T]
	dropAt  time.Time
	element *list.Element
}

// InMemoryOption configures an InMemory store.
type InMemoryOption[T any] func(*InMemory[T])

// WithSweepInterval sets the interval at which discarded entries are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(s *InMemory[T]) { s.sweepInterval = d }
}

// WithMaxEntries bounds the number of entries; the least recently used entry
// is evicted past the bound. Non-positive means unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(s *InMemory[T]) { s.maxEntries = n }
}

// WithClock overrides the time source. Useful for retention tests.
func WithClock[T any](now func() time.Time) InMemoryOption[T] {
	return func(s *InMemory[T]) { s.now = now }
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(s *InMemory[T]) {
		s.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_cache_hits_total",
			Help: "Total number of cache hits",
		})
		s.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_cache_misses_total",
			Help: "Total number of cache misses",
		})
		s.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ward_cache_evictions_total",
			Help: "Total number of cache evictions",
		})
		reg.MustRegister(s.hitCounter, s.missCounter, s.evictionCounter)
	}
}

// WithTracing enables OpenTelemetry tracing for store operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(s *InMemory[T]) { s.traceEnabled = true }
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new in-memory store. When a sweep interval is
// enabled (one minute by default), a background goroutine periodically
// removes entries past their retention window.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemory[T] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemory[T]{
		items:         make(map[string]memItem[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s
}

// Get implements Store.Get. Entries are returned through the whole retention
// window, including the Expired state.
func (s *InMemory[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	var span traceSpan
	if s.traceEnabled {
		ctx, span = startSpan(ctx, "Store.Get")
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return Entry[T]{}, false, ctx.Err()
	default:
	}

	s.mu.Lock()
	it, ok := s.items[key]
	if !ok || !s.now().Before(it.dropAt) {
		if ok {
			s.order.Remove(it.element)
			delete(s.items, key)
			if s.evictionCounter != nil {
				s.evictionCounter.Inc()
			}
		}
		s.mu.Unlock()
		s.misses.Add(1)
		if s.missCounter != nil {
			s.missCounter.Inc()
		}
		span.SetResult("miss")
		return Entry[T]{}, false, nil
	}
	s.order.MoveToFront(it.element)
	s.mu.Unlock()

	s.hits.Add(1)
	if s.hitCounter != nil {
		s.hitCounter.Inc()
	}
	span.SetResult("hit")
	return it.entry, true, nil
}

// Set implements Store.Set.
func (s *InMemory[T]) Set(ctx context.Context, key string, e Entry[T]) error {
	var span traceSpan
	if s.traceEnabled {
		ctx, span = startSpan(ctx, "Store.Set")
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok {
		it.entry = e
		it.dropAt = e.DropAt()
		s.items[key] = it
		s.order.MoveToFront(it.element)
		return nil
	}
	elem := s.order.PushFront(key)
	s.items[key] = memItem[T]{entry: e, dropAt: e.DropAt(), element: elem}
	if s.maxEntries > 0 && len(s.items) > s.maxEntries {
		tail := s.order.Back()
		if tail != nil {
			k := tail.Value.(string)
			s.order.Remove(tail)
			delete(s.items, k)
			if s.evictionCounter != nil {
				s.evictionCounter.Inc()
			}
		}
	}
	return nil
}

// Delete implements Store.Delete.
func (s *InMemory[T]) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok {
		s.order.Remove(it.element)
		delete(s.items, key)
		if s.evictionCounter != nil {
			s.evictionCounter.Inc()
		}
	}
	return nil
}

// sweeper periodically removes entries past retention. It samples the map
// rather than scanning it fully to keep lock hold times short, repeating
// immediately while the expired ratio in the sample stays high.
func (s *InMemory[T]) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expired := 0
				checked := 0
				now := s.now()

				s.mu.Lock()
				if len(s.items) == 0 {
					s.mu.Unlock()
					break
				}
				for k, it := range s.items {
					checked++
					if !now.Before(it.dropAt) {
						s.order.Remove(it.element)
						delete(s.items, k)
						if s.evictionCounter != nil {
							s.evictionCounter.Inc()
						}
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				s.mu.Unlock()

				if float64(expired) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close terminates the background sweeper and clears the store.
func (s *InMemory[T]) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.items = make(map[string]memItem[T])
	s.order.Init()
	s.mu.Unlock()
}

// Stats reports basic usage counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current usage counters.
func (s *InMemory[T]) Metrics() Stats {
	s.mu.RLock()
	size := len(s.items)
	s.mu.RUnlock()
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load(), Size: size}
}

// traceSpan is a small wrapper so the hot path stays allocation-free when
// tracing is disabled.
type traceSpan struct {
	end       func()
	setResult func(string)
}

func (t traceSpan) End() {
	if t.end != nil {
		t.end()
	}
}

func (t traceSpan) SetResult(v string) {
	if t.setResult != nil {
		t.setResult(v)
	}
}

func startSpan(ctx context.Context, name string) (context.Context, traceSpan) {
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, traceSpan{
		end: func() { span.End() },
		setResult: func(v string) {
			span.SetAttributes(attribute.String("ward.cache.result", v))
		},
	}
}
