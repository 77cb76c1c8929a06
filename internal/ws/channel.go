package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reliefnet/fieldagent/internal/events"
	"go.uber.org/zap"
)

var (
	ErrChannelClosed = errors.New("ws: channel closed")
	ErrQueueFull     = errors.New("ws: send queue full")
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Chat history may carry inline media.
	maxMessageSize = 16 << 20
)

// ConnState receives connect and disconnect transitions of the channel.
type ConnState interface {
	Set(online bool)
}

type ChannelOptions struct {
	Header     http.Header
	QueueSize  int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	State      ConnState
}

// Channel is the client side of the backend event channel. It keeps one
// WebSocket open, reconnecting with backoff, and fans inbound events out to
// subscribers in arrival order.
type Channel struct {
	url    string
	opts   ChannelOptions
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	send chan []byte

	mu        sync.Mutex
	closed    bool
	connected bool
	nextID    int
	subs   map[int]func(events.Inbound)
	onConn map[int]func()
}

func NewChannel(url string, logger *zap.SugaredLogger, opts ChannelOptions) *Channel {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Channel{
		url:    url,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		logger: logger,
		send:   make(chan []byte, opts.QueueSize),
		subs:   make(map[int]func(events.Inbound)),
		onConn: make(map[int]func()),
	}
}

// Emit queues ev for delivery and never blocks. Events queued while
// disconnected go out after the next successful connect.
func (c *Channel) Emit(ev events.Outbound) error {
	b, err := events.Encode(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe registers fn for every inbound event and returns a func that
// removes it. fn runs on the read goroutine and must not block.
func (c *Channel) Subscribe(fn func(events.Inbound)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// OnConnect registers fn to run after every later successful (re)connect.
// connected reports whether a connection was already up at registration; fn
// does not run for that connection.
func (c *Channel) OnConnect(fn func()) (unsubscribe func(), connected bool) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.onConn[id] = fn
	connected = c.connected
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.onConn, id)
		c.mu.Unlock()
	}, connected
}

// Run keeps the channel connected until ctx is done. After Run returns Emit
// fails with ErrChannelClosed.
func (c *Channel) Run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}()

	backoff := c.opts.MinBackoff
	for ctx.Err() == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warnw("Event channel dial failed", "url", c.url, "error", err, "retry_in", backoff)
		} else {
			backoff = c.opts.MinBackoff
			c.setState(true)
			c.serve(ctx, conn)
			c.setState(false)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warnw("Event channel disconnected", "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Channel) setState(online bool) {
	if c.opts.State != nil {
		c.opts.State.Set(online)
	}
}

// serve runs one connection until it fails or ctx is done.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(connCtx, conn)
	}()

	c.logger.Infow("Event channel connected", "url", c.url)
	c.mu.Lock()
	c.connected = true
	hooks := make([]func(), 0, len(c.onConn))
	for _, fn := range c.onConn {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	c.readPump(conn)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	cancel()
	<-writerDone
}

func (c *Channel) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("Event channel read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := events.Decode(message)
		if errors.Is(err, events.ErrUnknownEvent) {
			c.logger.Debugw("Dropping unknown event", "error", err)
			continue
		}
		if err != nil {
			c.logger.Warnw("Dropping malformed event", "error", err)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev events.Inbound) {
	c.mu.Lock()
	fns := make([]func(events.Inbound), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warnw("Event channel write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
