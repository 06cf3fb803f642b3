package ws

import (
	"context"
	"encoding/json"
	"sync"

	"roadside/internal/dispatch-service/core/domain/dto"
	"roadside/internal/dispatch-service/core/domain/model"
	"roadside/internal/dispatch-service/core/services"

	"github.com/gorilla/websocket"
)

const readLimit = 4096

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is one websocket session. Its subscriptions feed the egress
// channel; the write pump drains it onto the wire.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	hub    *Hub
	actor  model.Actor
	egress chan dto.LiveEvent

	mu     sync.Mutex
	subs   []*services.Subscription
	closed bool
}

func NewClient(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, hub *Hub, actor model.Actor) *Client {
	return &Client{
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		hub:    hub,
		actor:  actor,
		egress: make(chan dto.LiveEvent, 32),
	}
}

// attach forwards a subscription into the egress channel until the
// session ends.
func (c *Client) attach(sub *services.Subscription) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case c.egress <- ev:
				case <-c.ctx.Done():
					return
				}
			}
		}
	}()
}

func (c *Client) ReadPump() {
	defer c.Close()
	c.conn.SetReadLimit(readLimit)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read error", "principal", c.actor.ID)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type != "subscribe" {
			continue
		}

		var sub dto.SubscribeDto
		if err := json.Unmarshal(msg.Data, &sub); err != nil || sub.RequestID == "" {
			continue
		}
		roomSub, err := c.hub.router.SubscribeRoom(c.ctx, sub.RequestID, sub.LastSeq)
		if err != nil {
			c.hub.log.Warn("room subscribe failed", "request_id", sub.RequestID, "principal", c.actor.ID)
			continue
		}
		c.attach(roomSub)
	}
}

func (c *Client) WritePump() {
	defer c.Close()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.egress:
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.Close()
	}
	c.conn.Close()
	c.hub.remove(c)
}
