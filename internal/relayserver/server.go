// Package relayserver 双工通道：客户端控制通道 /ws 与电话媒体流 /voice
package relayserver

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"VoiceInterviewRelay/internal/audio"
	"VoiceInterviewRelay/internal/coordinator"
)

// Handler 通道依赖的协调器能力
type Handler interface {
	HandleStart(ctx context.Context, sink coordinator.Sink, req coordinator.StartRequest) (string, error)
	HandleVoiceFrame(ctx context.Context, sink coordinator.Sink, frame coordinator.VoiceFrame) error
	Release(ctx context.Context, id string, normal bool) error
	Detach(id string)
}

// Config 通道服务配置
type Config struct {
	MaxConnections    int
	MaxMessageSize    int64         // 单条消息上限
	WriteTimeout      time.Duration // 单次写超时
	PingInterval      time.Duration // 服务端ping间隔
	IdleTimeout       time.Duration // 超过该时间未收到任何数据（含pong）则断开
	ReleaseTimeout    time.Duration // 通道关闭后释放会话的超时
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	ReplyChunkSize    int // 回放给电话的μ-law分片大小
	VAD               audio.VADConfig
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    1000,
		MaxMessageSize:    4 * 1024 * 1024,
		WriteTimeout:      5 * time.Second,
		PingInterval:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
		ReleaseTimeout:    10 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: false,
		ReplyChunkSize:    3200, // 400ms
		VAD:               audio.DefaultVADConfig(),
	}
}

// Stats 通道统计
type Stats struct {
	Running            bool    `json:"running"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	CurrentConnections int32   `json:"current_connections"`
	TotalConnections   uint64  `json:"total_connections"`
	TotalMessages      uint64  `json:"total_messages"`
	MediaStreams       int32   `json:"media_streams"`
	Utterances         uint64  `json:"utterances"`
	UtterancesDropped  uint64  `json:"utterances_dropped"`
}

// Server 双工通道服务
type Server struct {
	config   *Config
	handler  Handler
	upgrader websocket.Upgrader
	vad      atomic.Pointer[audio.VADConfig]

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	mediaCount atomic.Int32

	ownedMu sync.Mutex
	owners  map[string]int // 会话ID -> 持有该会话的客户端通道数

	totalConnections  atomic.Uint64
	totalMessages     atomic.Uint64
	utterances        atomic.Uint64
	utterancesDropped atomic.Uint64
	isRunning         atomic.Bool
	startTime         time.Time
}

// New 创建通道服务
func New(config *Config, handler Handler) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Server{
		config:  config,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		owners:    make(map[string]int),
		startTime: time.Now(),
	}
	s.SetVADConfig(config.VAD)
	s.isRunning.Store(true)
	return s
}

// SetVADConfig 更新静音检测参数，对之后开始的媒体流生效
func (s *Server) SetVADConfig(cfg audio.VADConfig) {
	s.vad.Store(&cfg)
}

func (s *Server) vadConfig() audio.VADConfig {
	return *s.vad.Load()
}

// upgrade 校验连接数并升级为WebSocket
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*Connection, bool) {
	if !s.isRunning.Load() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return nil, false
	}
	if s.config.MaxConnections > 0 && s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return nil, false
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return nil, false
	}

	conn := newConnection(fmt.Sprintf("conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1)), wsConn, s.config)
	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)
	return conn, true
}

// Shutdown 关闭所有通道并等待处理结束
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	s.connections.Range(func(key, value interface{}) bool {
		value.(*Connection).close(websocket.CloseGoingAway, "Server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removeConnection 从连接表中移除
func (s *Server) removeConnection(conn *Connection) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); loaded {
		s.connCount.Add(-1)
	}
}

// GetStats 获取统计信息
func (s *Server) GetStats() Stats {
	return Stats{
		Running:            s.isRunning.Load(),
		UptimeSeconds:      time.Since(s.startTime).Seconds(),
		CurrentConnections: s.connCount.Load(),
		TotalConnections:   s.totalConnections.Load(),
		TotalMessages:      s.totalMessages.Load(),
		MediaStreams:       s.mediaCount.Load(),
		Utterances:         s.utterances.Load(),
		UtterancesDropped:  s.utterancesDropped.Load(),
	}
}

// claim 客户端通道发起会话后登记持有
func (s *Server) claim(id string) {
	s.ownedMu.Lock()
	s.owners[id]++
	s.ownedMu.Unlock()
}

// disown 客户端通道释放会话后取消登记
func (s *Server) disown(id string) {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	if s.owners[id] <= 1 {
		delete(s.owners, id)
		return
	}
	s.owners[id]--
}

func (s *Server) owned(id string) bool {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	return s.owners[id] > 0
}
