package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/config"
	"github.com/relayforge/webhookd/internal/consumer"
	"github.com/relayforge/webhookd/internal/models"
	"github.com/relayforge/webhookd/internal/rabbitmq"
)

// Worker consumes delivery messages and runs the executor for each.
type Worker struct {
	cfg         *config.DeliveryConfig
	conn        *rabbitmq.Connection
	executor    *Executor
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	consumerTag string
	started     bool
}

// NewWorker creates a new worker instance with dependencies
func NewWorker(cfg *config.DeliveryConfig, conn *rabbitmq.Connection, executor *Executor, logger *zap.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:         cfg,
		conn:        conn,
		executor:    executor,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		consumerTag: fmt.Sprintf("webhookd-worker-%d", time.Now().Unix()),
	}
}

// Start sets QoS and begins consuming from the delivery queue.
func (w *Worker) Start() error {
	if w.cfg.DeliveryQueue == "" {
		return fmt.Errorf("delivery queue is required")
	}

	if err := w.startConsuming(); err != nil {
		return err
	}

	w.started = true
	w.logger.Info("Worker started and consuming messages",
		zap.String("delivery_queue", w.cfg.DeliveryQueue),
		zap.String("consumer_tag", w.consumerTag),
	)
	return nil
}

func (w *Worker) startConsuming() error {
	if err := w.conn.SetQoS(w.cfg.PrefetchCount); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := w.conn.ConsumeMessages(w.cfg.DeliveryQueue, w.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming from queue %s: %w", w.cfg.DeliveryQueue, err)
	}

	go w.processMessages(messages)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() error {
	w.logger.Info("Stopping worker",
		zap.String("consumer_tag", w.consumerTag),
	)
	w.cancel()

	if ch := w.conn.GetChannel(); ch != nil {
		if err := ch.Cancel(w.consumerTag, false); err != nil {
			w.logger.Error("Failed to cancel consumer",
				zap.String("consumer_tag", w.consumerTag),
				zap.Error(err),
			)
		}
	}

	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) processMessages(messages <-chan amqp.Delivery) {
	for {
		select {
		case <-w.ctx.Done():
			w.logger.Info("Worker context cancelled, stopping message processing")
			return
		case msg, ok := <-messages:
			if !ok {
				w.logger.Warn("Message channel closed, attempting to restart consumer...",
					zap.String("delivery_queue", w.cfg.DeliveryQueue),
				)
				// Keep retrying until successful or the worker is stopped.
				for w.started {
					select {
					case <-w.ctx.Done():
						return
					default:
					}

					time.Sleep(2 * time.Second)

					if !w.conn.IsHealthy() {
						continue
					}

					if err := w.startConsuming(); err != nil {
						w.logger.Error("Failed to restart consuming after channel close, will retry",
							zap.String("delivery_queue", w.cfg.DeliveryQueue),
							zap.Error(err),
						)
						time.Sleep(5 * time.Second)
						continue
					}

					// A new processing goroutine took over.
					w.logger.Info("Successfully restarted consumer after channel close",
						zap.String("delivery_queue", w.cfg.DeliveryQueue),
					)
					return
				}
				return
			}
			consumer.ProcessMessage(w.logger, w.cfg.DeliveryQueue, msg, w)
		}
	}
}

// HandleEvent implements the consumer.EventHandler interface.
func (w *Worker) HandleEvent(body []byte) error {
	var deliveryMsg models.DeliveryMessage
	if err := json.Unmarshal(body, &deliveryMsg); err != nil {
		w.logger.Error("Failed to unmarshal delivery message",
			zap.Error(err),
		)
		// ACK: a malformed message will never become parseable.
		return nil
	}

	deliveryID, err := uuid.Parse(deliveryMsg.DeliveryID)
	if err != nil {
		w.logger.Error("Invalid delivery_id in delivery message",
			zap.String("delivery_id", deliveryMsg.DeliveryID),
			zap.Error(err),
		)
		return nil
	}

	return w.executor.HandleDelivery(w.ctx, deliveryID)
}
