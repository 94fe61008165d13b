package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientManager хранит открытые WebSocket соединения. Нужен при остановке,
// чтобы закрыть и те соединения, для которых сессия еще не создана.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

// ClientInfo информация о подключении
type ClientInfo struct {
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id,omitempty"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	ConnectedAt  time.Time `json:"connected_at"`
}

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*wsClient),
	}
}

// Add регистрирует соединение
func (cm *ClientManager) Add(c *wsClient) {
	cm.mu.Lock()
	cm.clients[c.info.ConnectionID] = c
	cm.mu.Unlock()
}

// Remove удаляет соединение
func (cm *ClientManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.clients, connID)
	cm.mu.Unlock()
}

// All возвращает все соединения
func (cm *ClientManager) All() []*wsClient {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	clients := make([]*wsClient, 0, len(cm.clients))
	for _, c := range cm.clients {
		clients = append(clients, c)
	}
	return clients
}

// Infos информация о всех соединениях
func (cm *ClientManager) Infos() []ClientInfo {
	clients := cm.All()
	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, c.Info())
	}
	return infos
}

// Count количество соединений
func (cm *ClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// wsClient одно WebSocket соединение с единственным писателем
type wsClient struct {
	conn *websocket.Conn
	info ClientInfo

	mu        sync.Mutex
	sessionID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeSent atomic.Bool

	writeTimeout time.Duration
}

func newWSClient(conn *websocket.Conn, ip, userAgent string, sendBuffer int, writeTimeout time.Duration) *wsClient {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &wsClient{
		conn: conn,
		info: ClientInfo{
			ConnectionID: uuid.NewString(),
			IPAddress:    ip,
			UserAgent:    userAgent,
			ConnectedAt:  time.Now(),
		},
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *wsClient) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Info снимок информации о соединении
func (c *wsClient) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	info.SessionID = c.sessionID
	return info
}

// enqueue ставит сообщение в очередь писателя. При переполнении сообщение отбрасывается.
func (c *wsClient) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// writePump единственный писатель в соединение
func (c *wsClient) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			// Ping для поддержания соединения
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// closeWith отправляет close frame с кодом. Повторные вызовы ничего не отправляют.
func (c *wsClient) closeWith(code int, reason string) {
	if !c.closeSent.CompareAndSwap(false, true) {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// Close закрывает соединение. Вызывается реестром сессий после закрытия потока.
func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closeWith(websocket.CloseNormalClosure, "session closed")
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
