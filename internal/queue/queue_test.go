package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"

	amqp "github.com/rabbitmq/amqp091-go"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acks, nacks int
	requeued    bool
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.acks++
	return nil
}

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

type handlerFunc func(ctx context.Context, msg jobs.Message) error

func (f handlerFunc) Handle(ctx context.Context, msg jobs.Message) error { return f(ctx, msg) }

func delivery(t *testing.T, ack *fakeAck, msg jobs.Message, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: headers}
}

func TestPublisherWritesJobMessage(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch)

	msg := jobs.Message{Type: jobs.MessageBatch, JobID: "job-1", BatchID: "job-1:1"}
	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(ch.sent) != 1 || ch.sent[0].exchange != "" || ch.sent[0].key != ExtractionQueue {
		t.Fatalf("sent = %+v, want one message on %s", ch.sent, ExtractionQueue)
	}
	if ch.sent[0].msg.DeliveryMode != amqp.Persistent {
		t.Fatal("job messages must be persistent")
	}
	var got jobs.Message
	if err := json.Unmarshal(ch.sent[0].msg.Body, &got); err != nil || got != msg {
		t.Fatalf("body = %s (%v), want %+v", ch.sent[0].msg.Body, err, msg)
	}
}

func TestEventPublisherRoutesByKind(t *testing.T) {
	ch := &fakeChannel{}
	p := NewEventPublisher(ch)

	err := p.Emit(context.Background(), events.Event{Kind: events.KindDocumentFailed, JobID: "job-1", DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(ch.sent) != 1 || ch.sent[0].exchange != EventsExchange || ch.sent[0].key != events.KindDocumentFailed {
		t.Fatalf("sent = %+v, want one event on %s/%s", ch.sent, EventsExchange, events.KindDocumentFailed)
	}
}

func TestHandleDelivery(t *testing.T) {
	msg := jobs.Message{Type: jobs.MessagePlan, JobID: "job-1"}
	failing := handlerFunc(func(context.Context, jobs.Message) error { return errors.New("db down") })

	tests := []struct {
		name        string
		handler     MessageHandler
		headers     amqp.Table
		wantKey     string
		wantRetries int32
	}{
		{name: "success acks", handler: handlerFunc(func(context.Context, jobs.Message) error { return nil })},
		{name: "first failure retries", handler: failing, wantKey: ExtractionQueue + "_retry", wantRetries: 1},
		{name: "int64 header counts", handler: failing, headers: amqp.Table{"x-retries": int64(4)}, wantKey: ExtractionQueue + "_retry", wantRetries: 5},
		{name: "exhausted goes to dlq", handler: failing, headers: amqp.Table{"x-retries": int32(10)}, wantKey: ExtractionQueue + "_dlq", wantRetries: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{}
			ack := &fakeAck{}
			handleDelivery(context.Background(), ch, delivery(t, ack, msg, tt.headers), ExtractionQueue, tt.handler)

			if ack.acks != 1 || ack.nacks != 0 {
				t.Fatalf("acks = %d, nacks = %d, want one ack", ack.acks, ack.nacks)
			}
			if tt.wantKey == "" {
				if len(ch.sent) != 0 {
					t.Fatalf("sent = %+v, want nothing", ch.sent)
				}
				return
			}
			if len(ch.sent) != 1 || ch.sent[0].key != tt.wantKey {
				t.Fatalf("sent = %+v, want one message to %s", ch.sent, tt.wantKey)
			}
			if got := retriesOf(ch.sent[0].msg.Headers); got != int(tt.wantRetries) {
				t.Fatalf("x-retries = %d, want %d", got, tt.wantRetries)
			}
		})
	}
}

func TestHandleDeliveryNacksWhenRetryPublishFails(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	ack := &fakeAck{}
	failing := handlerFunc(func(context.Context, jobs.Message) error { return errors.New("boom") })

	handleDelivery(context.Background(), ch, delivery(t, ack, jobs.Message{Type: jobs.MessagePlan}, nil), ExtractionQueue, failing)
	if ack.nacks != 1 || !ack.requeued || ack.acks != 0 {
		t.Fatalf("ack = %+v, want one requeueing nack", ack)
	}
}

func TestHandleDeliveryRequeuesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &fakeChannel{}
	ack := &fakeAck{}
	h := handlerFunc(func(context.Context, jobs.Message) error {
		cancel()
		return context.Canceled
	})

	handleDelivery(ctx, ch, delivery(t, ack, jobs.Message{Type: jobs.MessageBatch}, nil), ExtractionQueue, h)
	if ack.nacks != 1 || !ack.requeued || len(ch.sent) != 0 {
		t.Fatalf("ack = %+v, sent = %d, want requeue without retry publish", ack, len(ch.sent))
	}
}

func TestHandleDeliveryRejectsGarbage(t *testing.T) {
	ch := &fakeChannel{}
	ack := &fakeAck{}
	called := false
	h := handlerFunc(func(context.Context, jobs.Message) error {
		called = true
		return nil
	})

	handleDelivery(context.Background(), ch, amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")}, ExtractionQueue, h)
	if called {
		t.Fatal("handler called for malformed body")
	}
	if len(ch.sent) != 1 || ch.sent[0].key != ExtractionQueue+"_retry" {
		t.Fatalf("sent = %+v, want retry", ch.sent)
	}
}
