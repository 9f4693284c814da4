package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"folio/media/internal/config"
)

type MessageHandler interface {
	Handle(ctx context.Context, msg redis.XMessage) error
}

// Consumer reads the work stream as one member of a consumer group. A
// message is acknowledged only after its handler succeeds; messages left
// pending longer than the visibility timeout are claimed by another member.
type Consumer struct {
	client   *redis.Client
	cfg      config.QueueConfig
	logger   zerolog.Logger
	handler  MessageHandler
	retryGap time.Duration
}

func NewConsumer(client *redis.Client, cfg config.QueueConfig, logger zerolog.Logger, handler MessageHandler) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Consumer{
		client:   client,
		cfg:      cfg,
		logger:   logger.With().Str("component", "consumer").Str("consumer", cfg.Consumer).Logger(),
		handler:  handler,
		retryGap: 2 * time.Second,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if err := EnsureGroup(ctx, c.client, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.read(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("stream read error")
				select {
				case <-ctx.Done():
				case <-time.After(c.retryGap):
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.claimStalled(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("claim stalled messages")
			}
		default:
		}
	}
}

func (c *Consumer) read(ctx context.Context) error {
	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    5 * time.Second,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, stream := range result {
		for _, msg := range stream.Messages {
			c.process(ctx, msg)
		}
	}
	return nil
}

func (c *Consumer) claimStalled(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range pending {
		if entry.Idle < c.cfg.VisibilityTimeout {
			continue
		}
		msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.VisibilityTimeout,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			c.logger.Error().Err(err).Str("message_id", entry.ID).Msg("claim error")
			continue
		}
		for _, msg := range msgs {
			c.logger.Info().Str("message_id", msg.ID).Int64("deliveries", entry.RetryCount+1).Msg("claimed stalled message")
			c.process(ctx, msg)
		}
	}
	return nil
}

// process runs the handler while periodically re-claiming the message for
// this consumer, which resets its idle time so long jobs are not stolen.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	log := c.logger.With().Str("message_id", msg.ID).Logger()

	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.keepAlive(hctx, msg.ID)
	}()
	err := c.handler.Handle(hctx, msg)
	cancel()
	<-done

	if err != nil {
		log.Error().Err(err).Msg("handle message failed")
		return
	}
	if err := c.client.XAck(context.WithoutCancel(ctx), c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func (c *Consumer) keepAlive(ctx context.Context, id string) {
	every := c.cfg.VisibilityTimeout / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   c.cfg.Stream,
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				Messages: []string{id},
			}).Err()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Str("message_id", id).Msg("refresh message idle time")
			}
		}
	}
}
