// Package pubsub implements a Google Cloud Pub/Sub publisher for
// batch completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher wraps a Pub/Sub client and topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New creates a Publisher bound to one topic.
func New(client *pubsub.Client, topicName string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicName == "" {
		return nil, fmt.Errorf("topic name is required")
	}
	return &Publisher{client: client, topic: client.Topic(topicName)}, nil
}

// Publish marshals the payload to JSON and publishes it. The topic
// argument is ignored; the publisher is bound at construction.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes and stops the topic.
func (p *Publisher) Close() {
	p.topic.Stop()
}
