package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/goatkit/peard/pkg/plugin"
)

// Client is a UI endpoint connected to a Bridge. Values cross the wire as
// JSON, so numbers arrive as float64 and structs as maps.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan frame
	// events runs listeners off the read loop, so a listener may Invoke.
	events *dispatcher

	done chan struct{}
}

var _ plugin.UIIPC = (*Client)(nil)

// Dial connects to a bridge at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ipc bridge: %w", err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan frame),
		events:  newDispatcher(logger.With("direction", "bridge->ui")),
		done:    make(chan struct{}),
	}
	go c.events.run()
	go c.readLoop()
	return c, nil
}

// Close disconnects from the bridge.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *Client) Send(event string, args ...any) error {
	return c.write(frame{Type: frameSend, Event: event, Args: args})
}

func (c *Client) Invoke(ctx context.Context, event string, args ...any) (any, error) {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{Type: frameInvoke, ID: id, Event: event, Args: args}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, errors.New(f.Error)
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) On(event string, l plugin.Listener) { c.events.on(event, l) }

func (c *Client) RemoveAllListeners(event string) { c.events.off(event) }

// readLoop routes replies to waiting invokes and queues events. Queued events
// are still delivered after the connection drops.
func (c *Client) readLoop() {
	defer c.events.close()
	defer close(c.done)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.logger.Debug("ipc client disconnected", "error", err)
			return
		}
		switch f.Type {
		case frameReply:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case frameEvent:
			_ = c.events.post(message{event: f.Event, args: f.Args})
		default:
			c.logger.Warn("ipc client: unknown frame", "type", f.Type)
		}
	}
}
