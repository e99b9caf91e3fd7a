// Package pubsub implements a Google Cloud Pub/Sub page-saved event
// publisher. Downstream consumers (extraction backfills, scoring pipelines)
// key off these events instead of polling the store.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New creates a Publisher for the named topic.
func New(client *pubsub.Client, topicID string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("topic id is required")
	}
	return &Publisher{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// PublishPageSaved emits one page-saved event and waits for the server ack.
func (p *Publisher) PublishPageSaved(ctx context.Context, meta catalog.PageMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal page meta: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"target_id": meta.TargetID,
			"page_no":   strconv.Itoa(meta.PageNo),
			"strategy":  string(meta.Strategy),
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish page-saved event: %w", err)
	}
	return nil
}

// Close flushes the topic and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

var _ catalog.Publisher = (*Publisher)(nil)
