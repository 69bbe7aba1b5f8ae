package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"
)

// Publisher puts job messages on the extraction queue.
type Publisher struct {
	mu    sync.Mutex
	ch    channelPublisher
	queue string
}

func NewPublisher(ch channelPublisher) *Publisher {
	return &Publisher{ch: ch, queue: ExtractionQueue}
}

func (p *Publisher) Publish(ctx context.Context, msg jobs.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := PublishFIFO(ctx, p.ch, p.queue, data); err != nil {
		return fmt.Errorf("failed to publish %s message for job %s: %w", msg.Type, msg.JobID, err)
	}
	return nil
}

// EventPublisher publishes audit events to the events exchange. The routing
// key is the event kind, so consumers can bind to e.g. "document.*".
type EventPublisher struct {
	mu sync.Mutex
	ch channelPublisher
}

func NewEventPublisher(ch channelPublisher) *EventPublisher {
	return &EventPublisher{ch: ch}
}

func (p *EventPublisher) Emit(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return PublishTopic(ctx, p.ch, e.Kind, data)
}
