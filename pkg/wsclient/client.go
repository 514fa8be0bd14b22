// Package wsclient - клиент сокета реального времени для сервисов и тестов.
// Переподключается с экспоненциальной паузой и заново входит в каналы.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat_realtime/pkg/logger"
)

var (
	ErrUnauthorized    = errors.New("wsclient: unauthorized")
	ErrClosedByServer  = errors.New("wsclient: connection closed by server")
	ErrReconnectFailed = errors.New("wsclient: reconnect attempts exhausted")
	ErrNotConnected    = errors.New("wsclient: not connected")
)

// Event - кадр протокола {"event": "...", "data": {...}}
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Option func(*Client)

func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

type Client struct {
	url    string
	token  string
	dialer *websocket.Dialer
	policy Policy
	log    logger.Logger

	events chan Event

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	// каналы, в которые клиент вошел; повторяются после переподключения
	channels map[uuid.UUID]struct{}
	dials    int
}

func New(url, token string, opts ...Option) *Client {
	c := &Client{
		url:      url,
		token:    token,
		dialer:   websocket.DefaultDialer,
		policy:   DefaultPolicy(),
		log:      logger.NewNop(),
		events:   make(chan Event, 256),
		channels: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events - входящие события; канал закрывается, когда Run завершается
func (c *Client) Events() <-chan Event { return c.events }

// Dials - сколько раз клиент устанавливал соединение
func (c *Client) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("wsclient: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.dials++
	c.mu.Unlock()
	return conn, nil
}

// setConn ставит новое соединение и закрывает предыдущее
func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close()
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Run читает события до отмены ctx, Close или закрытия со стороны сервера.
// Обрыв сети ведет к переподключению по Policy.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	stop := context.AfterFunc(ctx, func() {
		if conn := c.current(); conn != nil {
			conn.Close()
		}
	})
	defer stop()

	for {
		conn := c.current()
		if conn == nil {
			return ErrNotConnected
		}

		err := c.readLoop(ctx, conn)
		conn.Close()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case c.isClosed():
			return nil
		case !ShouldReconnect(err):
			c.log.Info("Connection closed by server", "error", err)
			return fmt.Errorf("%w: %v", ErrClosedByServer, err)
		}

		c.log.Warn("Connection lost, reconnecting", "error", err)
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			c.log.Debug("Dropping malformed frame", "error", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		delay, ok := c.policy.Delay(attempt)
		if !ok {
			return ErrReconnectFailed
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if err != nil {
			c.log.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.setConn(conn)
		if c.isClosed() {
			conn.Close()
			return nil
		}
		c.resubscribe()
		c.log.Info("Reconnected", "attempt", attempt)
		return nil
	}
}

func (c *Client) resubscribe() {
	for _, channelID := range c.Channels() {
		if err := c.Send("join_channel", map[string]uuid.UUID{"channelId": channelID}); err != nil {
			c.log.Warn("Failed to rejoin channel", "channel_id", channelID, "error", err)
		}
	}
}

func (c *Client) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsclient: marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Event{Name: event, Data: data})
	if err != nil {
		return fmt.Errorf("wsclient: marshal %s: %w", event, err)
	}

	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) JoinChannel(channelID uuid.UUID) error {
	c.mu.Lock()
	c.channels[channelID] = struct{}{}
	c.mu.Unlock()
	return c.Send("join_channel", map[string]uuid.UUID{"channelId": channelID})
}

func (c *Client) LeaveChannel(channelID uuid.UUID) error {
	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
	return c.Send("leave_channel", map[string]uuid.UUID{"channelId": channelID})
}

func (c *Client) Channels() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Close закрывает соединение штатно; Run после этого возвращает nil
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
