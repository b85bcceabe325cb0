package main

import (
	"context"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/ringorder-backend/pkg/outbox/registry"
)

type topicSource interface {
	Publisher(name string) *gcppubsub.Publisher
}

// sender delivers one message and waits for the server id.
type sender interface {
	Send(ctx context.Context, topic string, msg *gcppubsub.Message) (string, error)
}

// pubsubSender keeps one publisher per topic for the life of the process.
type pubsubSender struct {
	src topicSource

	mu     sync.Mutex
	topics map[string]*gcppubsub.Publisher
}

func newPubSubSender(src topicSource) *pubsubSender {
	return &pubsubSender{src: src, topics: make(map[string]*gcppubsub.Publisher)}
}

func (s *pubsubSender) publisher(topic string) *gcppubsub.Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.topics[topic]; ok {
		return p
	}
	p := s.src.Publisher(topic)
	if p != nil {
		s.topics[topic] = p
	}
	return p
}

func (s *pubsubSender) Send(ctx context.Context, topic string, msg *gcppubsub.Message) (string, error) {
	p := s.publisher(topic)
	if p == nil {
		return "", registry.Permanent(fmt.Errorf("no publisher for topic %q", topic))
	}
	return p.Publish(ctx, msg).Get(ctx)
}

// Stop flushes and releases every publisher.
func (s *pubsubSender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, p := range s.topics {
		p.Stop()
		delete(s.topics, name)
	}
}
