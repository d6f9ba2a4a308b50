package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/protocol"
)

// Publisher is the durable transport for notifications. queue.Producer
// implements it.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// DispatcherConfig holds dispatcher settings
type DispatcherConfig struct {
	Hub            *Hub
	Transport      Publisher // optional
	BufferSize     int
	PublishTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Dispatcher delivers engine notifications to the live hub and, when a
// transport is configured, forwards them in the background. Forwarding is
// best effort: a full buffer or a failed publish drops the event.
type Dispatcher struct {
	hub       *Hub
	transport Publisher
	timeout   time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu     sync.RWMutex
	queue  chan *protocol.AlertNotification
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its forwarder
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewForTesting()
	}

	d := &Dispatcher{
		hub:       cfg.Hub,
		transport: cfg.Transport,
		timeout:   cfg.PublishTimeout,
		metrics:   cfg.Metrics,
		log:       logger.WithComponent("dispatcher"),
	}
	if d.transport != nil {
		d.queue = make(chan *protocol.AlertNotification, cfg.BufferSize)
		d.wg.Add(1)
		go d.forward()
	}
	return d
}

// Notify publishes n. It does not block on subscribers or the transport.
func (d *Dispatcher) Notify(_ context.Context, n *protocol.AlertNotification) {
	d.metrics.NotificationsPublished.WithLabelValues(string(n.Type)).Inc()
	if d.hub != nil {
		d.hub.Publish(n)
	}

	if d.transport == nil {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.metrics.NotificationsDropped.WithLabelValues("transport").Inc()
		d.log.Warn().
			Str("alert_id", n.AlertID).
			Str("type", string(n.Type)).
			Msg("transport buffer full, dropping notification")
	}
}

// Close stops accepting events and waits for buffered ones to be forwarded
func (d *Dispatcher) Close() {
	if d.transport == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) forward() {
	defer d.wg.Done()

	for n := range d.queue {
		data, err := protocol.EncodeAlertNotification(n)
		if err != nil {
			d.log.Error().Err(err).Str("alert_id", n.AlertID).Msg("failed to encode notification")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err = d.transport.Publish(ctx, n.UserID, data)
		cancel()

		if err != nil {
			d.metrics.NotificationsDropped.WithLabelValues("transport").Inc()
			d.log.Error().
				Err(err).
				Str("alert_id", n.AlertID).
				Str("type", string(n.Type)).
				Msg("failed to forward notification")
			continue
		}
		d.log.Debug().Str("alert_id", n.AlertID).Str("type", string(n.Type)).Msg("notification forwarded")
	}
}
