package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned by Do after the connection has gone.
var ErrClientClosed = errors.New("bridge connection closed")

// Client is a connection to a remote bridge.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan Message
	err     error

	msgs chan Message
	done chan struct{}
}

// Dial connects to a bridge WebSocket URL such as ws://host:8150/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize * 8)

	c := &Client{
		conn:    conn,
		waiters: make(map[string]chan Message),
		msgs:    make(chan Message, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages delivers state and protection messages. When the consumer falls
// behind, new messages are discarded. The channel closes with the connection.
func (c *Client) Messages() <-chan Message { return c.msgs }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Do sends a command and waits for its result. A result carrying an error
// is returned along with that error.
func (c *Client) Do(ctx context.Context, m Message) (Message, error) {
	m.Type = TypeCommand
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Message{}, ErrClientClosed
	}
	c.waiters[m.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, m.ID)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return Message{}, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return res, fmt.Errorf("bridge: %s", res.Error)
		}
		return res, nil
	case <-c.done:
		return Message{}, ErrClientClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.mu.Lock()
		if cause == nil {
			cause = ErrClientClosed
		}
		c.err = cause
		c.mu.Unlock()
		close(c.msgs)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				cause = err
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}

		if m.Type == TypeResult {
			c.mu.Lock()
			ch, ok := c.waiters[m.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- m:
				default:
				}
			}
			continue
		}

		select {
		case c.msgs <- m:
		default:
		}
	}
}
