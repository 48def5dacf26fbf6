package api

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"dispatchopt/internal/model"
)

// runsTopic carries optimization.completed events.
const runsTopic = "runs"

type SSEEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan SSEEvent]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

// Publish never blocks; slow subscribers miss events.
func (b *Broker) Publish(topic string, evt SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// BrokerSink publishes committed runs to stream subscribers.
type BrokerSink struct {
	Broker EventBroker
}

func NewBrokerSink(b EventBroker) *BrokerSink { return &BrokerSink{Broker: b} }

func (s *BrokerSink) Publish(ctx context.Context, ev model.RunEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("broker: marshal run_id=%s err=%v", ev.RunID, err)
		return
	}
	s.Broker.Publish(runsTopic, SSEEvent{Type: ev.Type, Data: data})
}
