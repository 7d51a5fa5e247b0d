package ipc

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is the JSON message exchanged over the bridge.
//
//	send   UI -> host  fire-and-forget
//	invoke UI -> host  request, answered by a reply with the same ID
//	reply  host -> UI
//	event  host -> UI  fire-and-forget
type frame struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Event  string `json:"event,omitempty"`
	Args   []any  `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	frameSend   = "send"
	frameInvoke = "invoke"
	frameReply  = "reply"
	frameEvent  = "event"
)

// Bridge serves the UI side of a Bus to WebSocket clients. Every message the
// host sends towards the UI is forwarded to all connected clients.
type Bridge struct {
	// WriteTimeout bounds each write to a client. A client that does not
	// keep up is disconnected.
	WriteTimeout time.Duration

	bus      *Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*bridgeConn]struct{}
	untap   func()
}

type bridgeConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	writeMu sync.Mutex
}

func (c *bridgeConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteJSON(f)
}

// NewBridge attaches a bridge to bus. Cross-origin upgrades are refused.
func NewBridge(bus *Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	br := &Bridge{
		WriteTimeout: 10 * time.Second,
		bus:          bus,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: SameOrigin,
		},
		clients: make(map[*bridgeConn]struct{}),
	}
	br.untap = bus.tapUI(br.forward)
	return br
}

// Close detaches the bridge from the bus and disconnects all clients.
func (br *Bridge) Close() {
	br.untap()
	br.mu.Lock()
	defer br.mu.Unlock()
	for c := range br.clients {
		c.conn.Close()
	}
	br.clients = make(map[*bridgeConn]struct{})
}

// ClientCount returns the number of connected UI clients.
func (br *Bridge) ClientCount() int {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return len(br.clients)
}

func (br *Bridge) forward(event string, args []any) {
	var failed []*bridgeConn
	br.mu.RLock()
	for c := range br.clients {
		if err := c.write(frame{Type: frameEvent, Event: event, Args: args}); err != nil {
			br.logger.Warn("ipc bridge write failed, dropping client", "event", event, "error", err)
			failed = append(failed, c)
		}
	}
	br.mu.RUnlock()

	if len(failed) == 0 {
		return
	}
	br.mu.Lock()
	for _, c := range failed {
		delete(br.clients, c)
		c.conn.Close()
	}
	br.mu.Unlock()
}

// SameOrigin reports whether r carries no Origin header or one whose host
// matches the request host.
func SameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP upgrades the request and serves one UI client until it disconnects.
func (br *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := br.upgrader.Upgrade(w, r, nil)
	if err != nil {
		br.logger.Warn("ipc bridge upgrade failed", "error", err)
		return
	}
	c := &bridgeConn{conn: conn, timeout: br.WriteTimeout}

	br.mu.Lock()
	br.clients[c] = struct{}{}
	br.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		br.mu.Lock()
		delete(br.clients, c)
		br.mu.Unlock()
		conn.Close()
	}()

	ui := br.bus.UI()
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameSend:
			if err := ui.Send(f.Event, f.Args...); err != nil {
				br.logger.Warn("ipc bridge send failed", "event", f.Event, "error", err)
			}
		case frameInvoke:
			go func(f frame) {
				reply := frame{Type: frameReply, ID: f.ID}
				res, err := ui.Invoke(ctx, f.Event, f.Args...)
				if err != nil {
					reply.Error = err.Error()
				} else {
					reply.Result = res
				}
				if err := c.write(reply); err != nil {
					br.logger.Warn("ipc bridge reply failed", "event", f.Event, "error", err)
				}
			}(f)
		default:
			br.logger.Warn("ipc bridge: unknown frame", "type", f.Type)
		}
	}
}
