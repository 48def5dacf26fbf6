package webhooks

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"dispatchopt/internal/model"
)

// Publisher turns run events into signed deliveries, one per configured URL.
type Publisher struct {
	Queue  *Queue
	URLs   []string
	Secret string
}

func NewPublisher(q *Queue, urls []string, secret string) *Publisher {
	return &Publisher{Queue: q, URLs: urls, Secret: secret}
}

// Emit enqueues an event envelope for every URL. No-op without URLs.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	if len(p.URLs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("webhooks: marshal event=%s err=%v", eventType, err)
		return
	}
	for _, u := range p.URLs {
		p.Queue.Enqueue(eventType, u, p.Secret, body)
	}
}

// Publish satisfies the planner's event sink.
func (p *Publisher) Publish(ctx context.Context, ev model.RunEvent) {
	p.Emit(ctx, ev.Type, ev)
}
