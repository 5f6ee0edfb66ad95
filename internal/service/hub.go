package service

import (
	"context"
	"time"

	"flagsync/internal/metrics"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/logger"

	"go.uber.org/zap"
)

const MessageTypePing = "ping"

// Client is one stream subscriber. EnvironmentID 0 subscribes to every
// environment.
type Client struct {
	Send          chan v1.Message
	EnvironmentID uint64
}

func (c *Client) wants(msg v1.Message) bool {
	return c.EnvironmentID == 0 || msg.Type == MessageTypePing || c.EnvironmentID == msg.EnvironmentID
}

// Hub fans replica messages out to stream clients. A client whose buffer is
// full is disconnected rather than allowed to stall the others.
type Hub struct {
	clients    map[*Client]struct{}
	Broadcast  chan v1.Message
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}
	observer   metrics.HubObserver
	heartbeat  time.Duration
}

func NewHub(observer metrics.HubObserver, heartbeat time.Duration, bufferSize int) *Hub {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		Broadcast:  make(chan v1.Message, bufferSize),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		observer:   observer,
		heartbeat:  heartbeat,
	}
}

// Subscribe registers c unless the hub has stopped.
func (h *Hub) Subscribe(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unsubscribe(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// Publish queues msg for every interested client.
func (h *Hub) Publish(msg v1.Message) {
	select {
	case h.Broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.Register:
			h.clients[c] = struct{}{}
			h.observer.IncOnline()
		case c := <-h.Unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
		case msg := <-h.Broadcast:
			start := time.Now()
			h.fanOut(msg)
			h.observer.RecordPush()
			h.observer.ObservePushLatency(time.Since(start).Seconds())
			h.observer.UpdateEventLag(len(h.Broadcast))
		case <-tick:
			h.fanOut(v1.Message{Type: MessageTypePing})
		}
	}
}

func (h *Hub) fanOut(msg v1.Message) {
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.Send <- msg:
		default:
			logger.Warn("stream client too slow, disconnecting", zap.Uint64("environment_id", c.EnvironmentID))
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.Send)
	h.observer.DecOnline()
}
