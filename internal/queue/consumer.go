package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes one job message.
type MessageHandler interface {
	Handle(ctx context.Context, msg jobs.Message) error
}

// Consume runs concurrency consumers on queueName until ctx is done. Each
// consumer handles one message at a time and acknowledges it only after the
// handler returned. Failed messages go to the retry queue, and after
// maxRetries attempts to the dead-letter queue.
func Consume(ctx context.Context, ch *amqp.Channel, queueName string, concurrency int, handler MessageHandler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range concurrency {
		consumerTag := fmt.Sprintf("%s_consumer_%d", queueName, i)
		msgs, err := ch.Consume(
			queueName,
			consumerTag,
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
		}

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					logger.Info("[Queue] Stopping consumer", "consumer", consumerTag)
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return fmt.Errorf("message channel of %s closed", consumerTag)
					}
					handleDelivery(ctx, ch, msg, queueName, handler)
				}
			}
		})
	}
	return g.Wait()
}

func handleDelivery(ctx context.Context, ch channelPublisher, d amqp.Delivery, queueName string, handler MessageHandler) {
	start := time.Now()

	var msg jobs.Message
	processingErr := json.Unmarshal(d.Body, &msg)
	if processingErr == nil {
		logger.Debug("[Queue] Received message", "queue", queueName, "type", msg.Type, "job_id", msg.JobID, "batch_id", msg.BatchID)
		processingErr = handler.Handle(ctx, msg)
	}

	if processingErr != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the message to the broker.
			if err := d.Nack(false, true); err != nil {
				logger.Error("[Queue] Failed to requeue message", "err", err)
			}
			return
		}
		logger.Error("[Queue] Error processing message", "queue", queueName, "job_id", msg.JobID, "batch_id", msg.BatchID, "err", processingErr)
		handleProcessingError(ctx, ch, d, queueName)
		return
	}

	if err := d.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
	logger.Debug("[Queue] Message processed", "queue", queueName, "type", msg.Type, "duration", time.Since(start))
}

func retriesOf(headers amqp.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func handleProcessingError(ctx context.Context, ch channelPublisher, msg amqp.Delivery, queueName string) {
	retries := retriesOf(msg.Headers)

	if retries >= maxRetries {
		dlqName := queueName + "_dlq"
		logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries)
		pubErr := ch.PublishWithContext(
			ctx,
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType:  msg.ContentType,
				Body:         msg.Body,
				Headers:      msg.Headers,
				DeliveryMode: amqp.Persistent,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.PublishWithContext(
		ctx,
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
