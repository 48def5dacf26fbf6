// Package main runs a demo WebSocket client for optimization run events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/runs/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1"}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			if m.Type == "next" {
				return
			}
		}
	}()

	// Trigger a run with default inputs.
	time.Sleep(500 * time.Millisecond)
	resp, err := http.Post(base+"/assign_orders", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		log.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	log.Printf("POST /assign_orders -> %d %s", resp.StatusCode, bytes.TrimSpace(body))

	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
}
