package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/config"
	"github.com/relayforge/webhookd/internal/consumer"
	"github.com/relayforge/webhookd/internal/models"
	"github.com/relayforge/webhookd/internal/rabbitmq"
)

// Consumer drains the source event queue and hands each envelope to the
// fanout.
type Consumer struct {
	cfg         *config.DeliveryConfig
	conn        *rabbitmq.Connection
	fanout      *Fanout
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	consumerTag string
	started     bool
}

// NewConsumer creates a source-queue consumer with dependencies.
func NewConsumer(cfg *config.DeliveryConfig, conn *rabbitmq.Connection, fanout *Fanout, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:         cfg,
		conn:        conn,
		fanout:      fanout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		consumerTag: fmt.Sprintf("webhookd-fanout-%d", time.Now().Unix()),
	}
}

// Start begins consuming from the source queue. The queue is assumed to
// exist; Start fails if it does not.
func (c *Consumer) Start() error {
	if c.cfg.SourceQueue == "" {
		return fmt.Errorf("source queue is required")
	}
	if c.cfg.DeliveryRoutingKey == "" {
		return fmt.Errorf("delivery routing key is required")
	}

	if err := c.startConsuming(); err != nil {
		return err
	}

	c.started = true
	c.logger.Info("Fanout consumer started",
		zap.String("source_queue", c.cfg.SourceQueue),
		zap.String("consumer_tag", c.consumerTag),
	)
	return nil
}

func (c *Consumer) startConsuming() error {
	if err := c.conn.SetQoS(c.cfg.PrefetchCount); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.conn.ConsumeMessages(c.cfg.SourceQueue, c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming from queue %s: %w", c.cfg.SourceQueue, err)
	}

	go c.processMessages(messages)

	return nil
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping fanout consumer",
		zap.String("consumer_tag", c.consumerTag),
	)
	c.cancel()

	if ch := c.conn.GetChannel(); ch != nil {
		if err := ch.Cancel(c.consumerTag, false); err != nil {
			c.logger.Error("Failed to cancel consumer",
				zap.String("consumer_tag", c.consumerTag),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("Fanout consumer stopped")
	return nil
}

func (c *Consumer) processMessages(messages <-chan amqp.Delivery) {
	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info("Fanout consumer context cancelled, stopping message processing")
			return
		case msg, ok := <-messages:
			if !ok {
				c.logger.Warn("Message channel closed, waiting for reconnection...",
					zap.String("source_queue", c.cfg.SourceQueue),
				)
				for c.started {
					select {
					case <-c.ctx.Done():
						return
					default:
					}

					time.Sleep(2 * time.Second)

					if !c.conn.IsHealthy() {
						continue
					}

					if err := c.startConsuming(); err != nil {
						c.logger.Error("Failed to restart consuming after channel close, will retry",
							zap.String("source_queue", c.cfg.SourceQueue),
							zap.Error(err),
						)
						time.Sleep(5 * time.Second)
						continue
					}

					c.logger.Info("Successfully restarted consumer after channel close",
						zap.String("source_queue", c.cfg.SourceQueue),
					)
					return
				}
				return
			}
			consumer.ProcessMessage(c.logger, c.cfg.SourceQueue, msg, c)
		}
	}
}

// HandleEvent implements the consumer.EventHandler interface.
func (c *Consumer) HandleEvent(body []byte) error {
	var envelope models.EventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.logger.Error("Failed to unmarshal event envelope",
			zap.Error(err),
		)
		// ACK: a malformed envelope will never become parseable.
		return nil
	}

	// Fan out with the canonical form, so a mixed-case producer still
	// matches subscriptions registered under the canonical name.
	et, err := models.ParseEventType(string(envelope.EventType))
	if err != nil {
		c.logger.Error("Rejected event with unknown type",
			zap.String("event_type", string(envelope.EventType)),
		)
		return nil
	}
	envelope.EventType = et

	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now().UTC()
	}

	_, err = c.fanout.Fan(c.ctx, envelope)
	return err
}
