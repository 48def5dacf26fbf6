package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const wsIdle = 60 * time.Second

// RunWSHandler handles /runs/ws. Clients send connection_init, then subscribe
// with any id; every committed run is delivered as a "next" frame carrying the
// event JSON. "complete" ends the subscription.
func (s *Server) RunWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// gorilla connections allow one concurrent writer.
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	var (
		mu   sync.Mutex
		subs = map[string]chan SSEEvent{}
	)
	unsubscribe := func(id string) {
		mu.Lock()
		ch, ok := subs[id]
		delete(subs, id)
		mu.Unlock()
		if ok {
			s.Broker.Unsubscribe(runsTopic, ch)
		}
	}
	defer func() {
		mu.Lock()
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		mu.Unlock()
		for _, id := range ids {
			unsubscribe(id)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdle))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsIdle)) })

	stop := make(chan struct{})
	defer close(stop)

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdle))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			mu.Lock()
			_, dup := subs[msg.ID]
			mu.Unlock()
			if dup {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"subscription id already in use"}`)})
				continue
			}
			ch := s.Broker.Subscribe(runsTopic)
			mu.Lock()
			subs[msg.ID] = ch
			mu.Unlock()
			go func(id string, c chan SSEEvent) {
				for evt := range c {
					payload, _ := json.Marshal(map[string]any{"type": evt.Type, "data": evt.Data})
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			unsubscribe(msg.ID)
		}
	}
}
