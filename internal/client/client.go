// Package client клиент шлюза с переподключением, очередью кадров и измерением задержки.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stream-gateway/internal/types"
)

// State состояние соединения клиента
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateClosing      State = "closing"
)

// CloseManual код закрытия при ручном отключении клиентом
const CloseManual = 4000

// Интервалы heartbeat
const (
	DefaultHeartbeatInterval = 30 * time.Second
	PeerHeartbeatInterval    = 5 * time.Second

	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrReconnectExhausted исчерпаны попытки переподключения
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNotConnected нет открытого соединения
	ErrNotConnected = errors.New("client is not connected")
)

// Frame кадр для отправки
type Frame struct {
	Data         []byte
	Format       string
	Timestamp    int64
	Width        int32
	Height       int32
	CameraFacing string
	Quality      string
	Metadata     map[string]string
}

// Options настройки клиента
type Options struct {
	URL    string
	Header http.Header

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	QueueSize         int

	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	MaxMessageSize int64

	// OnMessage получает каждое входящее сообщение
	OnMessage func(types.Message)
	// OnError получает ошибки переподключения и ErrReconnectExhausted
	OnError func(error)
	// OnStateChange вызывается при смене состояния
	OnStateChange func(State)

	Logger *zap.Logger
}

// Client одно логическое соединение со шлюзом
type Client struct {
	opts   Options
	logger *zap.Logger
	dialer websocket.Dialer

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	connDone  chan struct{}
	sessionID string
	manual    bool
	// flushing пока очередь отправляется, новые кадры тоже идут в очередь
	flushing  bool
	backoff   *Backoff
	timer     *time.Timer

	writeMu sync.Mutex
	queue   *FrameQueue
	latency atomic.Int64
}

// New создает клиента. Соединение открывается в Connect.
func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 16 * 1024 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		dialer:  websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		state:   StateDisconnected,
		backoff: NewBackoff(opts.BackoffBase, opts.BackoffMax, opts.MaxAttempts),
		queue:   NewFrameQueue(opts.QueueSize),
	}
}

// State текущее состояние
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID идентификатор сессии из connection_established
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Latency последняя измеренная задержка ping/pong
func (c *Client) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// QueueLen число кадров, ожидающих отправки
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// Connect открывает соединение. После успешного подключения счетчик попыток
// сбрасывается, а накопленные кадры отправляются от старых к новым.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(c.opts.MaxMessageSize)

	c.mu.Lock()
	if c.manual {
		// Disconnect во время подключения
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	done := make(chan struct{})
	c.conn = conn
	c.connDone = done
	c.backoff.Reset()
	c.flushing = true
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("Connected to gateway", zap.String("url", c.opts.URL))

	go c.readLoop(conn, done)
	go c.heartbeatLoop(conn, done)

	c.flush(conn)
	return nil
}

// SendFrame отправляет кадр. Без соединения кадр ставится в очередь.
func (c *Client) SendFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	if c.state != StateConnected || conn == nil || c.flushing {
		c.enqueue(f)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.writeFrame(conn, f); err != nil {
		c.enqueue(f)
		return err
	}
	return nil
}

func (c *Client) enqueue(f Frame) {
	if c.queue.Push(f) {
		c.logger.Debug("Frame queue full, oldest frame dropped")
	}
}

// flush отправляет очередь от старых кадров к новым, включая кадры, пришедшие во время отправки.
// При ошибке неотправленные кадры возвращаются в очередь перед более новыми.
func (c *Client) flush(conn *websocket.Conn) {
	for {
		frames := c.queue.Drain()
		if len(frames) == 0 {
			c.mu.Lock()
			if c.queue.Len() == 0 {
				c.flushing = false
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			continue
		}

		for i, f := range frames {
			if err := c.writeFrame(conn, f); err != nil {
				c.mu.Lock()
				rest := append(frames[i:], c.queue.Drain()...)
				for _, r := range rest {
					c.queue.Push(r)
				}
				c.flushing = false
				c.mu.Unlock()
				c.logger.Debug("Queue flush interrupted", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f Frame) error {
	payload, err := json.Marshal(base64.StdEncoding.EncodeToString(f.Data))
	if err != nil {
		return err
	}
	timestamp := f.Timestamp
	if timestamp == 0 {
		timestamp = types.NowMillis()
	}
	return c.write(conn, types.TypeVideoFrame, types.VideoFrameData{
		FrameData:    payload,
		Format:       f.Format,
		Timestamp:    timestamp,
		Width:        f.Width,
		Height:       f.Height,
		CameraFacing: f.CameraFacing,
		Quality:      f.Quality,
		Metadata:     f.Metadata,
	})
}

func (c *Client) write(conn *websocket.Conn, t types.MessageType, data interface{}) error {
	msg, err := types.Encode(t, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			c.handleClose(conn, done, code, err)
			return
		}

		msg, kind, err := types.Decode(data)
		if err != nil {
			c.logger.Debug("Failed to decode message", zap.String("type", string(kind)), zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *types.ConnectionEstablishedMessage:
			c.mu.Lock()
			c.sessionID = m.Data.SessionID
			c.mu.Unlock()
		case *types.PongMessage:
			if m.Data.ClientTimestamp > 0 {
				rtt := time.Duration(types.NowMillis()-m.Data.ClientTimestamp) * time.Millisecond
				c.latency.Store(int64(rtt))
			}
		}

		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(conn, types.TypePing, types.PingData{Timestamp: types.NowMillis()}); err != nil {
				c.logger.Debug("Heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// handleClose обрабатывает закрытие соединения и при необходимости планирует переподключение
func (c *Client) handleClose(conn *websocket.Conn, done chan struct{}, code int, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	close(done)

	if c.manual || code == websocket.CloseNormalClosure || code == CloseManual {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.logger.Info("Connection closed", zap.Int("code", code))
		return
	}

	c.setStateLocked(StateError)
	c.mu.Unlock()

	c.logger.Warn("Connection lost", zap.Int("code", code), zap.Error(cause))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}

	delay, ok := c.backoff.Next()
	if !ok {
		attempts := c.backoff.Attempt()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()

		c.logger.Error("Reconnect attempts exhausted", zap.Int("attempts", attempts))
		c.reportError(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts))
		return
	}

	attempt := c.backoff.Attempt()
	c.setStateLocked(StateDisconnected)
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.timer = nil
	manual := c.manual
	c.mu.Unlock()
	if manual {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	if err := c.connect(ctx); err != nil {
		c.reportError(err)
		c.scheduleReconnect()
	}
}

// Disconnect закрывает соединение кодом 4000 без переподключения
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.manual = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	if conn == nil {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseManual, "client disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	// readLoop получит ответный close frame или ошибку и переведет клиента в disconnected
	select {
	case <-c.doneFor(conn):
	case <-time.After(2 * time.Second):
		_ = conn.Close()
	}
	return nil
}

func (c *Client) doneFor(conn *websocket.Conn) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || c.connDone == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.connDone
}

func (c *Client) reportError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// setStateLocked меняет состояние. Вызывается под c.mu.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnStateChange != nil {
		go c.opts.OnStateChange(s)
	}
}
