// Package dispatch delivers persisted alerts to notification channels off the
// ingestion path. Delivery is best effort: each send has its own timeout,
// failures are logged and recorded, and nothing is retried.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("sender not configured")

// Notification is one alert together with the tenant settings in effect when
// it was raised.
type Notification struct {
	Alert    model.Alert
	Settings model.TenantSettings
}

type Sender interface {
	Name() string
	// Accepts reports whether the sender is configured for this notification.
	Accepts(n Notification) bool
	Send(ctx context.Context, n Notification) error
}

// DeliveryRecorder stores the outcome on the alert row.
type DeliveryRecorder interface {
	MarkDelivery(ctx context.Context, id uuid.UUID, delivered bool, deliveryErr string) error
}

type Options struct {
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	RatePerMinute int
}

func DefaultOptions() Options {
	return Options{Workers: 4, QueueSize: 256, Timeout: 10 * time.Second, RatePerMinute: 60}
}

type Dispatcher struct {
	senders  []Sender
	recorder DeliveryRecorder
	limiter  *rate.Limiter
	timeout  time.Duration
	workers  int

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	wg     sync.WaitGroup
}

func New(recorder DeliveryRecorder, senders []Sender, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = def.RatePerMinute
	}
	return &Dispatcher{
		senders:  senders,
		recorder: recorder,
		limiter:  rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), max(1, opts.RatePerMinute/10)),
		timeout:  opts.Timeout,
		workers:  opts.Workers,
		queue:    make(chan Notification, opts.QueueSize),
	}
}

// Start launches the workers. They exit once Close has drained the queue or
// ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	names := make([]string, 0, len(d.senders))
	for _, s := range d.senders {
		names = append(names, s.Name())
	}
	slog.Info("alert dispatcher started", "workers", d.workers, "senders", strings.Join(names, ","))
}

// Enqueue never blocks; it reports false when the queue is full or closed.
func (d *Dispatcher) Enqueue(a model.Alert, settings model.TenantSettings) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- Notification{Alert: a, Settings: settings}:
		return true
	default:
		dispatchDropped.Inc()
		return false
	}
}

// Close stops accepting work and waits for queued notifications.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.queue:
			if !ok {
				return
			}
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, n)
		}
	}
}

// deliver fans n out to every sender that accepts it. The alert counts as
// delivered when at least one person-facing sender succeeded.
func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	var errs []string
	delivered, attempted := false, false
	for _, s := range d.senders {
		if !s.Accepts(n) {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Send(sctx, n)
		cancel()
		if err != nil {
			dispatchTotal.WithLabelValues(s.Name(), "error").Inc()
			slog.Warn("alert dispatch failed", "device_id", n.Alert.DeviceID, "alert_id", n.Alert.ID, "sender", s.Name(), "error", err)
		} else {
			dispatchTotal.WithLabelValues(s.Name(), "ok").Inc()
		}
		if isMirror(s) {
			continue
		}
		attempted = true
		if err != nil {
			errs = append(errs, s.Name()+": "+err.Error())
			continue
		}
		delivered = true
	}
	if !attempted || d.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := d.recorder.MarkDelivery(rctx, n.Alert.ID, delivered, strings.Join(errs, "; ")); err != nil {
		slog.Debug("record delivery failed", "alert_id", n.Alert.ID, "error", err)
	}
}

// mirror is implemented by senders that republish alerts for machines. Their
// outcome is not recorded as delivery to a person.
type mirror interface {
	Mirror() bool
}

func isMirror(s Sender) bool {
	m, ok := s.(mirror)
	return ok && m.Mirror()
}
