package messaging

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/log"
)

// Sink is the subset of KafkaClient the publisher writes through
type Sink interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

type envelope struct {
	topic string
	key   string
	proto proto.Message
	json  []byte
}

// Publisher turns lifecycle callbacks into Kafka messages. Callbacks only
// enqueue; Run does the writing, so the import path never waits on Kafka.
type Publisher struct {
	sink    Sink
	queue   chan envelope
	timeout time.Duration
	logger  *log.Logger
	now     func() time.Time

	dropped atomic.Uint64
}

// NewPublisher creates a publisher with a queue of size buffer
func NewPublisher(sink Sink, buffer int, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		sink:    sink,
		queue:   make(chan envelope, buffer),
		timeout: 5 * time.Second,
		logger:  logger.WithComponent("publisher"),
		now:     time.Now,
	}
}

// Dropped returns how many events were discarded because the queue was full
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Publisher) enqueue(e envelope) {
	select {
	case p.queue <- e:
	default:
		p.dropped.Add(1)
		p.logger.Warn("event queue full, dropping event", "topic", e.topic, "key", e.key)
	}
}

func (p *Publisher) enqueueProto(topic, key string, msg any) {
	s, err := ToStruct(msg)
	if err != nil {
		p.logger.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	p.enqueue(envelope{topic: topic, key: key, proto: s})
}

func (p *Publisher) enqueueJSON(topic, key string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	p.enqueue(envelope{topic: topic, key: key, json: data})
}

// BlockImported publishes an imported block
func (p *Publisher) BlockImported(_ context.Context, jobID string, h *block.Header) {
	msg := NewBlockImportedMessage(jobID, h, p.now())
	p.enqueueProto(TopicBlockImported, msg.Hash, msg)
}

// CandidateRejected publishes a rejected candidate
func (p *Publisher) CandidateRejected(_ context.Context, jobID string, h *block.Header, reason error) {
	p.enqueueProto(TopicCandidateRejected, jobID, NewCandidateRejectedMessage(jobID, h, reason, p.now()))
}

// JobTransitioned publishes a registry transition
func (p *Publisher) JobTransitioned(job registry.Job, from registry.Status) {
	p.enqueueJSON(TopicJobTransitions, job.ID, NewJobTransitionMessage(job, from))
}

// Availability publishes a change in mining availability
func (p *Publisher) Availability(mining bool, strategy string) {
	p.enqueueJSON(TopicMinerAvailability, strategy, &MinerAvailabilityMessage{
		Mining:   mining,
		Strategy: strategy,
		At:       p.now(),
	})
}

// Run drains the queue until ctx is done, then flushes what is left with
// a short deadline.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case e := <-p.queue:
			p.publish(ctx, e)
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for {
		select {
		case e := <-p.queue:
			p.publish(ctx, e)
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, e envelope) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var err error
	if e.proto != nil {
		err = p.sink.PublishProto(ctx, e.topic, e.key, e.proto)
	} else {
		err = p.sink.PublishJSON(ctx, e.topic, e.key, e.json)
	}
	if err != nil {
		p.logger.LogError("failed to publish event", err, "topic", e.topic, "key", e.key)
	}
}
