package api

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type EventBroker interface {
	Subscribe(topic string) chan SSEEvent
	Unsubscribe(topic string, ch chan SSEEvent)
	Publish(topic string, evt SSEEvent)
}

// NewEventBroker returns a Redis broker when redisURL is set and reachable
// by URL parsing, otherwise the in-process broker.
func NewEventBroker(redisURL string) EventBroker {
	if redisURL == "" {
		return NewBroker()
	}
	rb, err := NewRedisBroker(redisURL)
	if err != nil {
		log.Printf("broker: redis unavailable, using in-memory: %v", err)
		return NewBroker()
	}
	return rb
}

// RedisBroker implements EventBroker over Redis Pub/Sub so every API replica
// sees runs committed by any other.
type RedisBroker struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt), subs: map[chan SSEEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(topic string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		log.Printf("broker: redis subscribe topic=%s err=%v", topic, err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the PubSub; the fan-out goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(topic string, ch chan SSEEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(topic string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
		log.Printf("broker: redis publish topic=%s err=%v", topic, err)
	}
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(topic string) string { return "dispatch:" + topic }
