package relayserver

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
}

// Connection 一条WebSocket连接，写操作串行化
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Stats *ConnectionStats

	writeTimeout time.Duration
	stopChan     chan struct{}
	closeOnce    sync.Once
	mu           sync.Mutex
}

func newConnection(id string, wsConn *websocket.Conn, cfg *Config) *Connection {
	conn := &Connection{
		ID:           id,
		Conn:         wsConn,
		Stats:        &ConnectionStats{ConnectedAt: time.Now()},
		writeTimeout: cfg.WriteTimeout,
		stopChan:     make(chan struct{}),
	}
	conn.touch()

	wsConn.SetReadLimit(cfg.MaxMessageSize)
	if cfg.IdleTimeout > 0 {
		wsConn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		wsConn.SetPongHandler(func(string) error {
			conn.touch()
			return wsConn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		})
	}
	return conn
}

func (c *Connection) touch() {
	c.Stats.LastActivity.Store(time.Now().UnixNano())
}

// received 记录一条入站消息
func (c *Connection) received(n int) {
	c.Stats.MessagesReceived.Add(1)
	c.Stats.BytesReceived.Add(uint64(n))
	c.touch()
}

// holdReadDeadline 处理消息期间不会调用ReadMessage，pong无法续期，先取消读超时
// 只能在读协程中调用
func (c *Connection) holdReadDeadline() {
	c.Conn.SetReadDeadline(time.Time{})
}

// armReadDeadline 重新开始空闲计时，只能在读协程中调用
func (c *Connection) armReadDeadline(idle time.Duration) {
	if idle > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(idle))
	}
}

// write 发送一条消息
func (c *Connection) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := c.Conn.WriteMessage(messageType, data)
	if err == nil {
		c.Stats.MessagesSent.Add(1)
		c.Stats.BytesSent.Add(uint64(len(data)))
	}
	return err
}

// writeJSON 发送JSON文本消息
func (c *Connection) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// pingLoop 定期发送ping，直到连接关闭
func (c *Connection) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// close 发送关闭帧并关闭底层连接，可重复调用
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.stopChan)

		c.mu.Lock()
		c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.Conn.Close()
		c.mu.Unlock()
	})
}

// isNormalClose 对端是否正常关闭通道
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
