// Package obs carries request-scoped logging helpers.
package obs

import (
	"context"
	"log"
	"time"
)

type ctxKey string

const RequestIDKey ctxKey = "req_id"

// WithRequestID returns a context carrying id for Time and RequestID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// Time starts a timer for op. Call the returned func (usually deferred) with
// the address of the caller's error to log the outcome.
func Time(ctx context.Context, op string) func(errp *error) {
	start := time.Now()
	reqID := RequestID(ctx)

	return func(errp *error) {
		dur := time.Since(start)
		if errp != nil && *errp != nil {
			log.Printf("req_id=%s op=%s dur=%dms err=%v", reqID, op, dur.Milliseconds(), *errp)
			return
		}
		log.Printf("req_id=%s op=%s dur=%dms", reqID, op, dur.Milliseconds())
	}
}
