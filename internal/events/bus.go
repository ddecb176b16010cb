package events

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
)

// Message is one item on a subscription: a call event or a heartbeat.
type Message struct {
	// Seq increases by one per published event on this bus. Heartbeats
	// carry the last event's Seq.
	Seq       uint64
	Event     models.CallEvent
	Heartbeat bool
	Time      time.Time
}

// BusConfig sizes subscriber queues and sets the heartbeat interval.
type BusConfig struct {
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	MirrorBuffer      int
}

func DefaultBusConfig() BusConfig {
	return BusConfig{
		SubscriberBuffer:  32,
		HeartbeatInterval: 25 * time.Second,
		MirrorBuffer:      256,
	}
}

// Mirror forwards published events to another transport.
type Mirror interface {
	PublishCall(ctx context.Context, ev models.CallEvent) error
}

// Bus fans call events out to in-process subscribers. Publish never blocks:
// a subscriber whose queue is full misses the event.
type Bus struct {
	cfg     BusConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	seq    atomic.Uint64

	mirror   Mirror
	mirrorQ  chan models.CallEvent
	mirrorWG sync.WaitGroup
}

// NewBus creates a bus. mirror may be nil.
func NewBus(cfg BusConfig, mirror Mirror) *Bus {
	def := DefaultBusConfig()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MirrorBuffer <= 0 {
		cfg.MirrorBuffer = def.MirrorBuffer
	}

	b := &Bus{
		cfg:     cfg,
		logger:  logging.WithComponent("bus"),
		metrics: metrics.DefaultMetrics,
		subs:    make(map[string]*Subscription),
	}
	if mirror != nil {
		b.mirror = mirror
		b.mirrorQ = make(chan models.CallEvent, cfg.MirrorBuffer)
		b.mirrorWG.Add(1)
		go b.runMirror()
	}
	return b
}

// Publish delivers ev to current subscribers and queues it for the mirror.
func (b *Bus) Publish(ev models.CallEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliverLocked(ev)
	if b.mirrorQ != nil {
		select {
		case b.mirrorQ <- ev:
		default:
			b.metrics.RecordEventDropped("mirror")
			b.logger.Warn().Int64("callId", ev.CallID).Msg("Mirror queue full, event not mirrored")
		}
	}
}

// Deliver hands ev to local subscribers only. Relays use it so events are
// not mirrored back.
func (b *Bus) Deliver(ev models.CallEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliverLocked(ev)
}

func (b *Bus) deliverLocked(ev models.CallEvent) {
	msg := Message{Seq: b.seq.Add(1), Event: ev, Time: time.Now()}
	b.metrics.RecordEventPublished()
	for _, s := range b.subs {
		if !s.offer(msg) {
			b.metrics.RecordEventDropped("subscriber")
			b.logger.Debug().Str("subscriber", s.ID).Uint64("seq", msg.Seq).Msg("Subscriber queue full, dropping event")
		}
	}
}

// Subscribe registers a subscriber that receives events published from now
// on. It ends when ctx is done or Close is called.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	s := &Subscription{
		ID:   uuid.NewString(),
		bus:  b,
		ch:   make(chan Message, b.cfg.SubscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.shutdown()
		return s
	}
	b.subs[s.ID] = s
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.RecordSubscriber(1)
	b.logger.Debug().Str("subscriber", s.ID).Int("subscribers", n).Msg("Subscriber added")

	go s.run(ctx, b.cfg.HeartbeatInterval)
	return s
}

// Stream returns a lazy sequence of messages. The subscription starts when
// iteration starts and ends when iteration stops or ctx is done.
func (b *Bus) Stream(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		sub := b.Subscribe(ctx)
		defer sub.Close()
		for msg := range sub.C() {
			if !yield(msg) {
				return
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription and flushes the mirror queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if b.mirrorQ != nil {
		close(b.mirrorQ)
		b.mirrorWG.Wait()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[s.ID]
	delete(b.subs, s.ID)
	b.mu.Unlock()
	if ok {
		b.metrics.RecordSubscriber(-1)
	}
}

func (b *Bus) runMirror() {
	defer b.mirrorWG.Done()
	for ev := range b.mirrorQ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := b.mirror.PublishCall(ctx, ev); err != nil {
			b.metrics.RecordEventDropped("mirror")
		}
		cancel()
	}
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	ID string

	bus  *Bus
	ch   chan Message
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

// C yields messages until the subscription ends, then is closed.
func (s *Subscription) C() <-chan Message { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		close(s.done)
	})
}

// offer enqueues msg without blocking and reports whether it fit. A closed
// subscription accepts nothing and reports true.
func (s *Subscription) offer(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// run injects heartbeats and ends the subscription with ctx.
func (s *Subscription) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.offer(Message{Seq: s.bus.seq.Load(), Heartbeat: true, Time: time.Now()}) {
				s.bus.metrics.RecordHeartbeat()
			}
		}
	}
}
