package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonlog "realtime_server/server/common/log"
	"realtime_server/server/realtime/domain"
)

type ClientOptions struct {
	SendBuffer         int
	ReadLimit          int64
	PongWait           time.Duration
	PingPeriod         time.Duration
	WriteWait          time.Duration
	MaxEventsPerSecond int
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		SendBuffer:         256,
		ReadLimit:          512 << 10,
		PongWait:           60 * time.Second,
		PingPeriod:         54 * time.Second,
		WriteWait:          10 * time.Second,
		MaxEventsPerSecond: 20,
	}
}

// Client is one authenticated websocket connection. Writes to the socket only
// happen on the write pump goroutine; everything else enqueues on send.
type Client struct {
	Identity domain.Identity

	conn      *websocket.Conn
	opts      ClientOptions
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rateLimiter

	// guarded by ConnectionManager.mu
	rooms map[string]struct{}
}

func NewClient(identity domain.Identity, conn *websocket.Conn, opts ClientOptions) *Client {
	if identity.ConnectionID == "" {
		identity.ConnectionID = uuid.NewString()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultClientOptions().SendBuffer
	}
	return &Client{
		Identity: identity,
		conn:     conn,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		limiter:  newRateLimiter(opts.MaxEventsPerSecond, time.Second),
		rooms:    map[string]struct{}{},
	}
}

func (c *Client) ID() string {
	return c.Identity.ConnectionID
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue hands payload to the write pump without blocking. It returns false
// when the client is closed or its queue is full.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close stops the pumps and closes the socket. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readPump(handle func(raw []byte)) error {
	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		handle(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				commonlog.Warnf("event=realtime_client action=write status=failed connection_id=%s user_id=%s error=%v", c.ID(), c.Identity.UserID, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				commonlog.Debugf("event=realtime_client action=ping status=failed connection_id=%s error=%v", c.ID(), err)
				return
			}
		}
	}
}

// Serve registers client, runs its pumps until the socket ends, and then removes
// it from every index. It blocks for the lifetime of the connection.
func (m *ConnectionManager) Serve(ctx context.Context, client *Client) {
	if !m.Register(client) {
		client.Close()
		return
	}
	defer func() {
		m.Unregister(client)
		client.Close()
	}()

	go client.writePump()
	err := client.readPump(func(raw []byte) {
		if err := m.HandleEvent(ctx, client, raw); err != nil {
			commonlog.Warnf("event=realtime_event action=handle status=failed connection_id=%s user_id=%s error=%v", client.ID(), client.Identity.UserID, err)
			m.replyError(client, err.Error())
		}
	})
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		commonlog.Warnf("event=realtime_client action=read status=failed connection_id=%s user_id=%s error=%v", client.ID(), client.Identity.UserID, err)
	}
}
