package notification

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/protocol"
)

// MessageSource is the consuming side of the notification topic.
// queue.Consumer implements it.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Sender delivers one notification to its recipient
type Sender interface {
	Send(ctx context.Context, n *protocol.AlertNotification) error
}

// Relay reads notifications from the transport and hands each to a
// Sender. An offset is committed only after the send succeeded or was
// given up on, so a crash redelivers the message.
type Relay struct {
	source      MessageSource
	sender      Sender
	maxAttempts int
	retryDelay  time.Duration
	log         zerolog.Logger
}

// NewRelay creates a relay that tries each send up to maxAttempts times
func NewRelay(source MessageSource, sender Sender, maxAttempts int, retryDelay time.Duration) *Relay {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Relay{
		source:      source,
		sender:      sender,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		log:         logger.WithComponent("relay"),
	}
}

// Run consumes until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info().Msg("notification relay started")
	defer r.log.Info().Msg("notification relay stopped")

	for {
		msg, err := r.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error().Err(err).Msg("failed to consume notification")
			if !sleepCtx(ctx, r.retryDelay) {
				return nil
			}
			continue
		}

		r.handle(ctx, msg)

		if err := r.source.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg kafka.Message) {
	n, err := protocol.DecodeAlertNotification(msg.Value)
	if err != nil {
		r.log.Error().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("skipping undecodable notification")
		return
	}

	log := r.log.With().Str("alert_id", n.AlertID).Str("type", string(n.Type)).Logger()
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = r.sender.Send(ctx, n)
		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("notification delivered")
			return
		}
		if errors.Is(err, context.Canceled) || attempt == r.maxAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("notification delivery failed, retrying")
		if !sleepCtx(ctx, r.retryDelay) {
			break
		}
	}
	log.Error().Err(err).Msg("giving up on notification")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
