package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"dispatchopt/internal/metrics"
)

type Worker struct {
	Queue       *Queue
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
	Interval    time.Duration
}

func NewWorker(q *Queue, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{Queue: q, HTTP: &http.Client{Timeout: 5 * time.Second}, Stop: make(chan struct{}), MaxAttempts: maxAttempts, Interval: time.Second}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items := w.Queue.Due(50)
	for _, it := range items {
		success := false
		next := w.Queue.Now().Add(nextBackoff(it.Attempts))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		if err != nil {
			w.Queue.Fail(it.ID, err.Error(), 0, 0)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", it.EventType)
		if it.Secret != "" {
			req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
		}
		start := time.Now()
		resp, err := w.HTTP.Do(req)
		latency := int(time.Since(start).Milliseconds())
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}
		lastErr := ""
		if !success {
			lastErr = "status " + strconv.Itoa(code)
			if err != nil {
				lastErr = err.Error()
			}
		}
		status := "ok"
		if !success {
			status = "error"
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
		metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
		if !success && it.Attempts+1 >= w.MaxAttempts {
			w.Queue.Fail(it.ID, lastErr, code, latency)
			continue
		}
		w.Queue.Mark(it.ID, success, next, lastErr, code, latency)
	}
	w.Queue.Prune()
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
