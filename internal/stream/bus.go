package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/meritflow/internal/stream"

const (
	// DefaultBufferSize is the per-subscriber channel capacity.
	DefaultBufferSize = 256

	// DefaultPublishTimeout bounds how long a publish waits on one slow
	// subscriber before dropping the event for it.
	DefaultPublishTimeout = 250 * time.Millisecond

	// DefaultRetainedSessions is how many finished session logs stay
	// readable in memory.
	DefaultRetainedSessions = 1024
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("stream bus closed")

// Sink receives a copy of every published event, for example to fan events
// out to other processes.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Config configures a Bus.
type Config struct {
	BufferSize       int
	PublishTimeout   time.Duration
	RetainedSessions int
}

// Stats reports bus counters.
type Stats struct {
	LiveSessions int   `json:"live_sessions"`
	Subscribers  int   `json:"subscribers"`
	Published    int64 `json:"published"`
	Dropped      int64 `json:"dropped"`
	SinkFailures int64 `json:"sink_failures"`
}

// Bus holds live session logs and their subscribers.
type Bus struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	sinks  []Sink

	mu       sync.RWMutex
	live     map[string]*sessionLog
	finished *lru.Cache[string, []Event]
	closed   bool

	nextSubID    atomic.Uint64
	published    atomic.Int64
	dropped      atomic.Int64
	sinkFailures atomic.Int64

	droppedCounter metric.Int64Counter
}

type sessionLog struct {
	mu       sync.Mutex
	events   []Event
	progress float64
	subs     map[uint64]*Subscription
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(b *Bus) { b.sinks = append(b.sinks, s) }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithMeter sets the meter for the drop counter.
func WithMeter(m metric.Meter) Option {
	return func(b *Bus) { b.initMetrics(m) }
}

// NewBus creates a bus.
func NewBus(cfg Config, opts ...Option) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.RetainedSessions <= 0 {
		cfg.RetainedSessions = DefaultRetainedSessions
	}

	// lru.New only fails for a non-positive size.
	finished, _ := lru.New[string, []Event](cfg.RetainedSessions)

	b := &Bus{
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		live:     make(map[string]*sessionLog),
		finished: finished,
	}
	b.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) initMetrics(m metric.Meter) {
	var err error
	b.droppedCounter, err = m.Int64Counter(
		"meritflow.stream.dropped_total",
		metric.WithDescription("Events dropped for slow subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		b.logger.Warn("failed to create dropped counter", zap.Error(err))
	}
}

func (b *Bus) session(id string, create bool) *sessionLog {
	b.mu.RLock()
	log, ok := b.live[id]
	b.mu.RUnlock()
	if ok || !create {
		return log
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok = b.live[id]; ok {
		return log
	}
	// A new run on a finished session starts a fresh log; the previous
	// run's events live on in its terminal checkpoint.
	b.finished.Remove(id)
	log = &sessionLog{subs: make(map[uint64]*Subscription)}
	b.live[id] = log
	return log
}

// Publish appends ev to its session's log and delivers it to subscribers.
// The bus assigns Sequence, fills a zero Timestamp, and raises Progress to
// the session's previous value if it is lower. The stored event is returned.
func (b *Bus) Publish(ctx context.Context, ev Event) (Event, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ev, ErrClosed
	}
	if ev.SessionID == "" {
		return ev, errors.New("event session id is required")
	}

	log := b.session(ev.SessionID, true)

	log.mu.Lock()
	ev.Sequence = int64(len(log.events)) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	if ev.Progress < log.progress {
		ev.Progress = log.progress
	}
	log.progress = ev.Progress
	log.events = append(log.events, ev)

	for _, sub := range log.subs {
		b.deliver(ctx, sub, ev)
	}
	log.mu.Unlock()

	b.published.Add(1)

	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			b.sinkFailures.Add(1)
			b.logger.Warn("stream sink publish failed",
				zap.String("session.id", ev.SessionID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	}

	return ev, nil
}

// deliver sends ev to sub, waiting up to the publish timeout. Caller holds
// the session lock.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case sub.ch <- ev:
	case <-timer.C:
		b.drop(ctx, sub, ev, "timeout")
	case <-ctx.Done():
		b.drop(ctx, sub, ev, "canceled")
	}
}

func (b *Bus) drop(ctx context.Context, sub *Subscription, ev Event, reason string) {
	sub.dropped.Add(1)
	b.dropped.Add(1)
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	b.logger.Warn("dropping event for slow subscriber",
		zap.String("session.id", ev.SessionID),
		zap.Int64("sequence", ev.Sequence),
		zap.Uint64("subscriber", sub.id),
		zap.String("reason", reason))
}

// Subscribe returns a subscription to sessionID. Events already in the log
// are replayed first. Subscribing to a finished session replays its log and
// closes the channel. An unknown session is opened as live and waits for
// its first run.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub, _ := b.subscribe(sessionID, true)
	return sub
}

// SubscribeKnown is Subscribe for sessions the bus still holds, live or
// finished. It reports false, and subscribes to nothing, otherwise.
func (b *Bus) SubscribeKnown(sessionID string) (*Subscription, bool) {
	return b.subscribe(sessionID, false)
}

func (b *Bus) subscribe(sessionID string, create bool) (*Subscription, bool) {
	sub := &Subscription{id: b.nextSubID.Add(1), session: sessionID, bus: b}

	// Lookup, creation and registration share one critical section so a
	// concurrent Complete either closes this subscriber or is seen as
	// finished.
	b.mu.Lock()
	log, isLive := b.live[sessionID]
	if !isLive {
		if prior, ok := b.finished.Peek(sessionID); ok {
			b.mu.Unlock()
			sub.ch = make(chan Event, len(prior))
			for _, ev := range prior {
				sub.ch <- ev
			}
			close(sub.ch)
			sub.done = true
			return sub, true
		}
		if !create {
			b.mu.Unlock()
			return nil, false
		}
		log = &sessionLog{subs: make(map[uint64]*Subscription)}
		b.live[sessionID] = log
	}
	log.mu.Lock()
	b.mu.Unlock()
	defer log.mu.Unlock()

	sub.ch = make(chan Event, b.cfg.BufferSize+len(log.events))
	for _, ev := range log.events {
		sub.ch <- ev
	}
	log.subs[sub.id] = sub
	return sub, true
}

// Complete marks a session finished: its subscriptions are closed and its
// log moves to the bounded finished set.
func (b *Bus) Complete(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.live[sessionID]
	if !ok {
		return
	}
	delete(b.live, sessionID)

	log.mu.Lock()
	events := append([]Event(nil), log.events...)
	for id, sub := range log.subs {
		sub.closeLocked()
		delete(log.subs, id)
	}
	log.mu.Unlock()

	if len(events) > 0 {
		b.finished.Add(sessionID, events)
	}
}

// Events returns a copy of a session's log, live or finished.
func (b *Bus) Events(sessionID string) []Event {
	if log := b.session(sessionID, false); log != nil {
		log.mu.Lock()
		defer log.mu.Unlock()
		return append([]Event(nil), log.events...)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if events, ok := b.finished.Peek(sessionID); ok {
		return append([]Event(nil), events...)
	}
	return nil
}

// Progress returns the session's current progress percentage.
func (b *Bus) Progress(sessionID string) float64 {
	if log := b.session(sessionID, false); log != nil {
		log.mu.Lock()
		defer log.mu.Unlock()
		return log.progress
	}
	events := b.Events(sessionID)
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Progress
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	logs := make([]*sessionLog, 0, len(b.live))
	for _, log := range b.live {
		logs = append(logs, log)
	}
	b.mu.RUnlock()

	subs := 0
	for _, log := range logs {
		log.mu.Lock()
		subs += len(log.subs)
		log.mu.Unlock()
	}
	return Stats{
		LiveSessions: len(logs),
		Subscribers:  subs,
		Published:    b.published.Load(),
		Dropped:      b.dropped.Load(),
		SinkFailures: b.sinkFailures.Load(),
	}
}

// Close completes every live session. Further publishes fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ids := make([]string, 0, len(b.live))
	for id := range b.live {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Complete(id)
	}
	return nil
}

// Subscription is a bounded stream of one session's events.
type Subscription struct {
	id      uint64
	session string
	bus     *Bus
	ch      chan Event
	done    bool // guarded by the session lock
	dropped atomic.Int64
}

// Events returns the receive channel. It is closed when the session
// completes or the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	log := s.bus.session(s.session, false)
	if log == nil {
		return
	}
	log.mu.Lock()
	if _, ok := log.subs[s.id]; ok {
		delete(log.subs, s.id)
		s.closeLocked()
	}
	empty := len(log.subs) == 0 && len(log.events) == 0
	log.mu.Unlock()

	if empty {
		s.bus.mu.Lock()
		if cur, ok := s.bus.live[s.session]; ok && cur == log {
			cur.mu.Lock()
			if len(cur.subs) == 0 && len(cur.events) == 0 {
				delete(s.bus.live, s.session)
			}
			cur.mu.Unlock()
		}
		s.bus.mu.Unlock()
	}
}

func (s *Subscription) closeLocked() {
	if !s.done {
		s.done = true
		close(s.ch)
	}
}
