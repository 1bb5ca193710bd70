// Package queue carries revalidate refresh jobs over watermill. The publisher
// side implements revalidate.JobQueue; the worker side consumes jobs, rebuilds
// their callbacks through a revalidate.Registry and runs the refresh.
//
// Any watermill transport works. The service uses NATS JetStream in
// production and the in-process gochannel for tests and single-node runs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/aiagentinc/revalidate"
)

// DefaultTopic is the topic refresh jobs are published to.
const DefaultTopic = "revalidate.refresh"

// Metadata keys set on every job message.
const (
	MetadataKind = "job_kind"
	MetadataKey  = "cache_key"
)

// ErrPublisherClosed is returned by Enqueue after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// Publisher publishes refresh jobs to a watermill topic.
type Publisher struct {
	publisher message.Publisher
	topic     string

	mu     sync.RWMutex
	closed bool
}

var _ revalidate.JobQueue = (*Publisher)(nil)

// NewPublisher publishes to topic (DefaultTopic when empty).
func NewPublisher(pub message.Publisher, topic string) (*Publisher, error) {
	if pub == nil {
		return nil, errors.New("watermill publisher is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{publisher: pub, topic: topic}, nil
}

// Enqueue implements revalidate.JobQueue. The message UUID is the job ID, so
// transports with deduplication drop a redelivered publish of the same job.
func (p *Publisher) Enqueue(ctx context.Context, job revalidate.RefreshJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	payload, err := revalidate.EncodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	msg := message.NewMessage(job.ID, payload)
	msg.Metadata.Set(MetadataKind, string(job.Kind))
	msg.Metadata.Set(MetadataKey, job.Key)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// Topic returns the topic jobs are published to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Close closes the underlying watermill publisher. Safe to call twice.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
