package logger

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 日志级别
const (
	LevelInfo    = "INFO"
	LevelSuccess = "SUCCESS"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger WebSocket日志广播器，/logs 上的订阅者实时收到中继日志
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run 启动广播循环，Stop后返回
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case <-wsl.done:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.Close()
				delete(wsl.clients, client)
			}
			wsl.mu.Unlock()
			return

		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("日志订阅者已连接，当前连接数: %d", count)

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("日志订阅者已断开，当前连接数: %d", count)

		case message := <-wsl.broadcast:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					delete(wsl.clients, client)
					client.Close()
				}
			}
			wsl.mu.Unlock()
		}
	}
}

// Stop 停止广播循环并断开所有订阅者
func (wsl *WebSocketLogger) Stop() {
	wsl.stopOnce.Do(func() { close(wsl.done) })
}

// ClientCount 当前订阅者数量
func (wsl *WebSocketLogger) ClientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

// emit 输出到控制台并广播，通道满时丢弃
func (wsl *WebSocketLogger) emit(level, module, message, sessionID string) {
	printConsole(level, module, message, sessionID)

	select {
	case wsl.broadcast <- LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}:
	default:
	}
}

func printConsole(level, module, message, sessionID string) {
	if sessionID != "" {
		log.Output(4, fmt.Sprintf("[%s] [%s] %s: %s", level, sessionID, module, message))
	} else {
		log.Output(4, fmt.Sprintf("[%s] %s: %s", level, module, message))
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message, sessionID string) {
	wsl.emit(LevelInfo, module, message, sessionID)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message, sessionID string) {
	wsl.emit(LevelError, module, message, sessionID)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message, sessionID string) {
	wsl.emit(LevelSuccess, module, message, sessionID)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message, sessionID string) {
	wsl.emit(LevelWarning, module, message, sessionID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理 /logs 订阅连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("日志流升级失败: %v", err)
		return
	}

	// 先发欢迎消息再注册，避免与广播并发写
	conn.WriteJSON(LogMessage{
		Level:     LevelInfo,
		Message:   "已连接到面试中继日志流",
		Module:    "LogStream",
		Timestamp: time.Now(),
	})

	select {
	case wsl.register <- conn:
	case <-wsl.done:
		conn.Close()
		return
	}

	defer func() {
		select {
		case wsl.unregister <- conn:
		case <-wsl.done:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("日志流连接错误: %v", err)
			}
			return
		}
	}
}

// GlobalLogger 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

// 便捷函数，未初始化全局日志器时只输出到控制台

func LogInfo(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogInfo(module, message, sessionID)
		return
	}
	printConsole(LevelInfo, module, message, sessionID)
}

func LogError(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogError(module, message, sessionID)
		return
	}
	printConsole(LevelError, module, message, sessionID)
}

func LogSuccess(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogSuccess(module, message, sessionID)
		return
	}
	printConsole(LevelSuccess, module, message, sessionID)
}

func LogWarning(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogWarning(module, message, sessionID)
		return
	}
	printConsole(LevelWarning, module, message, sessionID)
}
