package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("beacon/notify")

var ErrUnknownChannel = errors.New("unknown channel")

// AlertMarker records that an alert's trigger notification went out.
type AlertMarker interface {
	MarkNotified(ctx context.Context, historyID string) error
}

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	IncNotification(channel, status string)
	IncDeadLettered(kind string)
}

// Dispatcher consumes the queue and fans each message out to its channels.
type Dispatcher struct {
	queue    Queue
	channels map[string]Channel
	marker   AlertMarker
	logger   *slog.Logger
	metrics  MetricsRecorder

	workers     int
	sendTimeout time.Duration
}

// NewDispatcher creates a Dispatcher. marker may be nil.
func NewDispatcher(queue Queue, channels map[string]Channel, marker AlertMarker, workers int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:       queue,
		channels:    channels,
		marker:      marker,
		logger:      logger,
		workers:     workers,
		sendTimeout: 15 * time.Second,
	}
}

// SetMetrics sets the optional metrics recorder.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		del, err := d.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("receiving notification", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := d.Handle(ctx, del); err != nil {
			d.logger.Error("handling notification", "message_id", del.Message.ID, "error", err)
		}
	}
}

// Handle delivers one message. It acks when at least one channel accepted
// the message and nacks otherwise, so the queue redelivers or dead-letters it.
func (d *Dispatcher) Handle(ctx context.Context, del *Delivery) error {
	msg := del.Message
	ctx, span := tracer.Start(ctx, "notify "+string(msg.Kind),
		trace.WithAttributes(
			attribute.String("beacon.message_id", msg.ID),
			attribute.String("beacon.rule_id", msg.RuleID),
			attribute.Int("beacon.attempts", msg.Attempts),
		),
	)
	defer span.End()

	delivered := d.fanOut(ctx, msg)
	span.SetAttributes(attribute.Int("beacon.delivered", delivered))

	if delivered == 0 {
		dead, err := d.queue.Nack(ctx, del)
		if err != nil {
			return fmt.Errorf("nacking message: %w", err)
		}
		if dead {
			d.logger.Error("notification dead-lettered",
				"message_id", msg.ID, "kind", msg.Kind, "rule_id", msg.RuleID, "attempts", msg.Attempts+1)
			if d.metrics != nil {
				d.metrics.IncDeadLettered(string(msg.Kind))
			}
		}
		return nil
	}

	if msg.Kind == KindTrigger && msg.HistoryID != "" && d.marker != nil {
		// Delivery already happened; a failed mark is logged and the message
		// is still acked to avoid a duplicate notification.
		if err := d.marker.MarkNotified(ctx, msg.HistoryID); err != nil {
			d.logger.Error("marking alert notified", "history_id", msg.HistoryID, "error", err)
		}
	}
	if err := d.queue.Ack(ctx, del); err != nil {
		return fmt.Errorf("acking message: %w", err)
	}
	return nil
}

// fanOut sends to every channel concurrently and returns how many succeeded.
func (d *Dispatcher) fanOut(ctx context.Context, msg Message) int {
	payload := msg.Payload()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, name := range msg.Channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.send(ctx, name, payload)
			status := "sent"
			if err != nil {
				status = "failed"
				d.logger.Warn("notification delivery failed",
					"channel", name, "message_id", msg.ID, "attempts", msg.Attempts, "error", err)
			} else {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
			if d.metrics != nil {
				d.metrics.IncNotification(name, status)
			}
		}()
	}
	wg.Wait()
	return delivered
}

func (d *Dispatcher) send(ctx context.Context, name string, p Payload) (err error) {
	ch, ok := d.channels[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", name, r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return ch.Send(ctx, p)
}
