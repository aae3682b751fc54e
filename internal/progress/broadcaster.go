package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

const (
	defaultSubscriberBuffer = 256
	dropLogInterval         = 5 * time.Second
)

// Broadcaster is a best-effort multicast over bounded per-subscriber
// buffers. Publishing never blocks: a slow consumer loses events and can
// detect the gap through the monotonically increasing Seq. Control and
// data channels elsewhere in the engine are lossless; only this event
// stream trades delivery for backpressure immunity.
type Broadcaster struct {
	clock  crawl.Clock
	logger *zap.Logger
	buffer int

	seq atomic.Uint64

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	dropped     atomic.Int64
	dropLimiter rateLimiter
}

type subscriber struct {
	ch chan Event
}

// NewBroadcaster builds a Broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int, clock crawl.Clock, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clock:       clock,
		logger:      logger,
		buffer:      buffer,
		subs:        make(map[int]*subscriber),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// Publish stamps the event with the next sequence number and timestamp,
// then fans it out. Invalid events are discarded with a debug log.
func (b *Broadcaster) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.BackendTS.IsZero() {
		evt.BackendTS = b.clock.Now()
	}
	evt.Seq = b.seq.Add(1)
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				count := b.dropped.Swap(0)
				b.logger.Warn("events dropped for slow consumers", zap.Int64("dropped", count))
			}
		}
	}
}

// Subscribe registers a consumer and returns its channel plus a cancel
// function. The channel is closed on cancel or Broadcaster close.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, b.buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Close stops delivery and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// LastSeq returns the most recently assigned sequence number.
func (b *Broadcaster) LastSeq() uint64 {
	return b.seq.Load()
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
