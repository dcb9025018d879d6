package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "security_events_total",
		Help:      "Security events accepted for delivery, by type.",
	}, []string{"type"})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "security_events_dropped_total",
		Help:      "Security events dropped before delivery, by reason (throttled, queue_full).",
	}, []string{"reason"})

	sinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edge",
		Name:      "security_event_sink_errors_total",
		Help:      "Failed deliveries by sink.",
	}, []string{"sink"})
)

// Sink receives security events. Record may be slow or fail; the Dispatcher
// isolates callers from both.
type Sink interface {
	Name() string
	Record(ctx context.Context, ev SecurityEvent) error
}

// DispatcherOptions tune the drop policy.
type DispatcherOptions struct {
	QueueSize   int
	PerSecond   float64 // sustained delivery rate before events are dropped
	Burst       int
	SinkTimeout time.Duration
}

func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{QueueSize: 1024, PerSecond: 50, Burst: 200, SinkTimeout: 5 * time.Second}
}

// Dispatcher queues events on a bounded channel and delivers them from a
// background worker. Events are dropped, never retried, when the queue is full
// or the delivery rate is exceeded.
type Dispatcher struct {
	sinks   []Sink
	queue   chan SecurityEvent
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
}

func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	def := DefaultDispatcherOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.PerSecond <= 0 {
		opts.PerSecond = def.PerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = def.SinkTimeout
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan SecurityEvent, opts.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(opts.PerSecond), opts.Burst),
		timeout: opts.SinkTimeout,
		now:     time.Now,
	}
}

// Emit enqueues ev without blocking and reports whether it was accepted.
func (d *Dispatcher) Emit(ev SecurityEvent) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now().UTC()
	}
	if !d.limiter.Allow() {
		eventsDroppedTotal.WithLabelValues("throttled").Inc()
		return false
	}
	select {
	case d.queue <- ev:
		eventsTotal.WithLabelValues(string(ev.Type)).Inc()
		return true
	default:
		eventsDroppedTotal.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Run delivers queued events until ctx is cancelled, then flushes whatever is
// already buffered and returns.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev SecurityEvent) {
	for _, s := range d.sinks {
		d.deliverTo(s, ev)
	}
}

func (d *Dispatcher) deliverTo(s Sink, ev SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			sinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			log.Printf("[events] PANIC in sink %s: %v", s.Name(), r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Record(ctx, ev); err != nil {
		sinkErrorsTotal.WithLabelValues(s.Name()).Inc()
		log.Printf("[events] sink %s failed to record %s event %s: %v", s.Name(), ev.Type, ev.ID, err)
	}
}
