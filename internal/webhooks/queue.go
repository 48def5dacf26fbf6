package webhooks

import (
	"slices"
	"strconv"
	"sync"
	"time"
)

// Delivery is one pending or finished notification POST.
type Delivery struct {
	ID            string
	EventType     string
	URL           string
	Secret        string
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
	Dead          bool
}

// Queue is the in-process delivery queue shared by Publisher and Worker.
type Queue struct {
	mu    sync.Mutex
	seq   int
	items []*Delivery
	dlq   []Delivery
	now   func() time.Time
}

func NewQueue() *Queue { return &Queue{now: time.Now} }

// Now is the queue's clock.
func (q *Queue) Now() time.Time { return q.now() }

func (q *Queue) Enqueue(eventType, url, secret string, payload []byte) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	d := &Delivery{
		ID:            "whd_" + strconv.Itoa(q.seq),
		EventType:     eventType,
		URL:           url,
		Secret:        secret,
		Payload:       payload,
		NextAttemptAt: q.now(),
	}
	q.items = append(q.items, d)
	return d.ID
}

// Due returns copies of up to limit deliveries whose next attempt time has passed.
func (q *Queue) Due(limit int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	out := []Delivery{}
	for _, d := range q.items {
		if len(out) == limit {
			break
		}
		if d.DeliveredAt == nil && !d.Dead && !d.NextAttemptAt.After(now) {
			out = append(out, *d)
		}
	}
	return out
}

// Mark records an attempt. Failed attempts are rescheduled at next.
func (q *Queue) Mark(id string, success bool, next time.Time, lastErr string, code, latencyMs int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.find(id)
	if d == nil {
		return
	}
	d.Attempts++
	d.ResponseCode = code
	d.LatencyMs = latencyMs
	d.LastError = lastErr
	if success {
		t := q.now()
		d.DeliveredAt = &t
		return
	}
	d.NextAttemptAt = next
}

// Fail dead-letters a delivery after its final attempt.
func (q *Queue) Fail(id string, lastErr string, code, latencyMs int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.find(id)
	if d == nil {
		return
	}
	d.Attempts++
	d.Dead = true
	d.LastError = lastErr
	d.ResponseCode = code
	d.LatencyMs = latencyMs
}

// Prune drops delivered entries and moves dead ones to the dead-letter list.
func (q *Queue) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = slices.DeleteFunc(q.items, func(d *Delivery) bool {
		if d.Dead {
			q.dlq = append(q.dlq, *d)
		}
		return d.DeliveredAt != nil || d.Dead
	})
}

func (q *Queue) DeadLetters() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dlq)
}

// Len is the number of deliveries still pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Get returns a copy of a delivery by id.
func (q *Queue) Get(id string) (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d := q.find(id); d != nil {
		return *d, true
	}
	return Delivery{}, false
}

func (q *Queue) find(id string) *Delivery {
	for _, d := range q.items {
		if d.ID == id {
			return d
		}
	}
	return nil
}
