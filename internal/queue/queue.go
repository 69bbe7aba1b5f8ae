package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// ExtractionQueue carries plan and batch messages. It is separate from
	// the ingestion queues so large jobs never starve regular uploads.
	ExtractionQueue = "extraction_queue"
	// EventsExchange is the topic exchange audit events are published to.
	EventsExchange = "extraction_events"

	retryDelayMs = 10000
	maxRetries   = 10
)

// Init connects to RabbitMQ. RABBITMQ_URL wins over the individual
// RABBITMQ_USER, RABBITMQ_PASSWORD, RABBITMQ_HOST and RABBITMQ_PORT settings.
func Init() *amqp091.Connection {
	connURL := util.GetEnv("RABBITMQ_URL")
	if connURL == "" {
		connURL = fmt.Sprintf(
			"amqp://%s:%s@%s:%s/",
			util.GetEnv("RABBITMQ_USER"),
			util.GetEnv("RABBITMQ_PASSWORD"),
			util.GetEnvString("RABBITMQ_HOST", "localhost"),
			util.GetEnvString("RABBITMQ_PORT", "5672"),
		)
	}

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares the events exchange and, for every queue, its retry
// queue (dead-lettering back after a delay) and its dead-letter queue.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	err := ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("exchange declare failed: %w", err)
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("queue declare %s failed: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("queue declare %s failed: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(retryDelayMs),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("queue declare %s failed: %w", retryName, err)
		}
	}

	return nil
}

// channelPublisher is the part of *amqp091.Channel used for publishing.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

func PublishFIFO(ctx context.Context, ch channelPublisher, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		publishing,
	)
}

func PublishTopic(ctx context.Context, ch channelPublisher, topic string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.PublishWithContext(
		ctx,
		EventsExchange,
		topic,
		false,
		false,
		publishing,
	)
}
