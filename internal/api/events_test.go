package api

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

func TestNewEventHubAllowsAnyOrigin(t *testing.T) {
	h := newEventHub()
	if h.upgrader.CheckOrigin == nil || !h.upgrader.CheckOrigin(nil) {
		t.Error("expected CheckOrigin to allow all origins")
	}
	if h.clients == nil {
		t.Error("expected clients map initialized")
	}
}

func TestEventHubPublishFansOutToAllClients(t *testing.T) {
	h := newEventHub()
	a := make(chan []byte, 4)
	b := make(chan []byte, 4)

	h.mu.Lock()
	h.clients[new(websocket.Conn)] = a
	h.clients[new(websocket.Conn)] = b
	h.mu.Unlock()

	h.Publish(Event{Type: "usage_bucket", Provider: "codex", Status: "complete"})

	select {
	case msg := <-a:
		assertEventFields(t, msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client a to receive event")
	}
	select {
	case msg := <-b:
		assertEventFields(t, msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client b to receive event")
	}
}

func assertEventFields(t *testing.T, msg []byte) {
	t.Helper()
	if gjson.GetBytes(msg, "type").String() != "usage_bucket" {
		t.Errorf("type = %q", gjson.GetBytes(msg, "type").String())
	}
	if gjson.GetBytes(msg, "provider").String() != "codex" {
		t.Errorf("provider = %q", gjson.GetBytes(msg, "provider").String())
	}
	if gjson.GetBytes(msg, "emittedAt").String() == "" {
		t.Error("expected emittedAt to be stamped")
	}
}
