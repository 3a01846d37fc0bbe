package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/filingworks/presubmit/internal/platform/env"
	"github.com/nats-io/nats.go"
)

type ConsumerConfig struct {
	URL         string
	Subject     string
	Queue       string
	Durable     string
	ConnTimeout time.Duration
	AckWait     time.Duration
}

func ConsumerConfigFromEnv() (ConsumerConfig, error) {
	connTimeout, err := env.Duration("DISPATCH_NATS_CONN_TIMEOUT", 5*time.Second)
	if err != nil {
		return ConsumerConfig{}, err
	}
	ackWait, err := env.Duration("DISPATCH_NATS_ACK_WAIT", 30*time.Second)
	if err != nil {
		return ConsumerConfig{}, err
	}
	cfg := ConsumerConfig{
		URL:         env.String("DISPATCH_NATS_URL", nats.DefaultURL),
		Subject:     env.String("DISPATCH_NATS_SUBJECT", "submission.dispatch"),
		Queue:       env.String("DISPATCH_NATS_QUEUE", "presubmit"),
		Durable:     env.String("DISPATCH_NATS_DURABLE", "presubmit-dispatch"),
		ConnTimeout: connTimeout,
		AckWait:     ackWait,
	}
	if err := cfg.Validate(); err != nil {
		return ConsumerConfig{}, err
	}
	return cfg, nil
}

func (c ConsumerConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("DISPATCH_NATS_URL is required")
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("DISPATCH_NATS_SUBJECT is required")
	}
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("DISPATCH_NATS_QUEUE is required")
	}
	if strings.TrimSpace(c.Durable) == "" {
		return errors.New("DISPATCH_NATS_DURABLE is required")
	}
	if c.ConnTimeout <= 0 {
		return errors.New("DISPATCH_NATS_CONN_TIMEOUT must be positive")
	}
	if c.AckWait <= 0 {
		return errors.New("DISPATCH_NATS_ACK_WAIT must be positive")
	}
	return nil
}

// Consumer pulls dispatch messages off the shared queue group so each
// message is handled by exactly one pod.
type Consumer struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	handler *Handler
	logger  *slog.Logger
	cfg     ConsumerConfig
}

func NewConsumer(logger *slog.Logger, handler *Handler, cfg ConsumerConfig) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(
		cfg.URL,
		nats.Timeout(cfg.ConnTimeout),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Consumer{conn: conn, handler: handler, logger: logger, cfg: cfg}, nil
}

// Start subscribes and dispatches until ctx is done. Messages are
// acknowledged only after a successful append; a message with an
// unsupported or malformed schema is left unacknowledged for the
// queue's redelivery and dead-letter policy.
func (c *Consumer) Start(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return errors.New("consumer not initialized")
	}
	js, err := c.conn.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	sub, err := js.QueueSubscribe(
		c.cfg.Subject,
		c.cfg.Queue,
		func(msg *nats.Msg) { c.consume(ctx, msg) },
		nats.Durable(c.cfg.Durable),
		nats.ManualAck(),
		nats.AckWait(c.cfg.AckWait),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub
	c.logger.Info("dispatch consumer started", "subject", c.cfg.Subject, "queue", c.cfg.Queue)

	<-ctx.Done()
	return c.Close()
}

func (c *Consumer) consume(ctx context.Context, msg *nats.Msg) {
	err := c.handler.Handle(ctx, msg.Data)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Error("ack dispatch message", "error", ackErr)
		}
		return
	}
	if errors.Is(err, ErrUnsupportedVersion) {
		c.logger.Error("dispatch message rejected", "error", err)
		return
	}
	c.logger.Error("dispatch message failed", "error", err)
	if nakErr := msg.Nak(); nakErr != nil {
		c.logger.Error("nak dispatch message", "error", nakErr)
	}
}

func (c *Consumer) Close() error {
	if c == nil {
		return nil
	}
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("drain subscription: %w", err)
		}
		c.sub = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}
