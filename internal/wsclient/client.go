// Package wsclient 客户端通道的WebSocket客户端，支持自动重连
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"VoiceInterviewRelay/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotConnected 客户端未连接
var ErrNotConnected = errors.New("client is not connected")

// Event 服务端下发的一条消息，文本帧和二进制帧统一为此结构
type Event struct {
	Event       string         `json:"event"`
	InterviewID string         `json:"interviewId,omitempty"`
	CallSID     string         `json:"callSid,omitempty"`
	Message     string         `json:"message,omitempty"`
	Text        string         `json:"text,omitempty"`
	Audio       protocol.Audio `json:"audio,omitempty"`
	Format      string         `json:"format,omitempty"`
	Binary      bool           `json:"-"`
}

// EventHandler 消息处理器
type EventHandler func(Event)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		UserAgent:         "VoiceInterviewRelay-client/1.0",
	}
}

// Client 客户端通道连接
// 服务端在通道关闭时结束该通道发起的会话，重连后不会恢复
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	onEvent       EventHandler
	onStateChange StateChangeHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex
	stopChan      chan struct{}
	reconnectChan chan struct{}

	reconnectCount atomic.Int32
	reconnects     atomic.Int32
	sent           atomic.Int64
	received       atomic.Int64
}

// New 创建客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
	client.setState(StateDisconnected)
	return client
}

// SetEventHandler 设置消息处理器，需在Connect前调用
func (c *Client) SetEventHandler(handler EventHandler) {
	c.onEvent = handler
}

// SetStateChangeHandler 设置状态变化处理器，需在Connect前调用
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// Connect 连接到服务器
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	go c.readLoop(conn)
	go c.reconnectLoop()

	return nil
}

// dial 建立连接并替换当前连接
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return conn, nil
}

// Close 正常关闭连接，服务端据此将进行中的会话标记为completed
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil
	}

	close(c.stopChan)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()

	return conn.Close()
}

// StartInterview 发送start_interview
func (c *Client) StartInterview(phoneNumber, topic string) error {
	return c.sendJSON(protocol.Inbound{
		Event:       protocol.EventStartInterview,
		PhoneNumber: phoneNumber,
		Topic:       topic,
	})
}

// SendVoice 以JSON文本帧发送voice_data，interviewID为空时服务端使用通道最近的会话
func (c *Client) SendVoice(interviewID, topic string, audio []byte, format string) error {
	return c.sendJSON(protocol.Inbound{
		Event:       protocol.EventVoiceData,
		InterviewID: interviewID,
		Topic:       topic,
		Audio:       audio,
		Format:      format,
	})
}

// SendVoiceFrame 以二进制帧发送语音，回复同样为二进制帧
func (c *Client) SendVoiceFrame(meta protocol.VoiceMeta, audio []byte) error {
	frame, err := protocol.EncodeVoiceFrame(meta, audio)
	if err != nil {
		return err
	}
	return c.write(websocket.BinaryMessage, frame)
}

func (c *Client) sendJSON(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

// write 串行写入当前连接
func (c *Client) write(messageType int, data []byte) error {
	if c.getState() != StateConnected {
		return ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		c.triggerReconnect()
		return err
	}
	c.sent.Add(1)
	return nil
}

// readLoop 读取一条连接直到出错，出错后触发重连
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.getState() == StateClosed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Read message failed: %v", err)
			}
			c.triggerReconnect()
			return
		}

		event, err := DecodeEvent(messageType, data)
		if err != nil {
			log.Printf("Drop undecodable message: %v", err)
			continue
		}

		c.received.Add(1)
		if c.onEvent != nil {
			c.onEvent(*event)
		}
	}
}

// DecodeEvent 解析服务端消息
func DecodeEvent(messageType int, data []byte) (*Event, error) {
	switch messageType {
	case websocket.TextMessage:
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("invalid text message: %w", err)
		}
		return &event, nil

	case websocket.BinaryMessage:
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			return nil, err
		}
		switch frame.Opcode {
		case protocol.OpAIResponse:
			var meta protocol.ResponseMeta
			audio, err := protocol.DecodeMedia(frame.Body, &meta)
			if err != nil {
				return nil, err
			}
			return &Event{
				Event:  protocol.EventAIResponse,
				Text:   meta.Text,
				Audio:  audio,
				Format: meta.Format,
				Binary: true,
			}, nil
		case protocol.OpError:
			var event Event
			if err := json.Unmarshal(frame.Body, &event); err != nil {
				return nil, fmt.Errorf("invalid error frame: %w", err)
			}
			event.Binary = true
			return &event, nil
		default:
			return nil, fmt.Errorf("unexpected opcode: %s(%d)", protocol.OpcodeToString(frame.Opcode), frame.Opcode)
		}

	default:
		return nil, fmt.Errorf("unexpected message type: %d", messageType)
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.compareAndSwapState(StateConnected, StateReconnecting) {
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 指数退避重连
func (c *Client) doReconnect() {
	count := c.reconnectCount.Add(1)
	if count > int32(c.config.MaxReconnectTries) {
		log.Printf("Max reconnect tries exceeded, giving up")
		c.setState(StateDisconnected)
		return
	}

	log.Printf("Reconnecting... (attempt %d/%d)", count, c.config.MaxReconnectTries)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = time.Duration(c.config.MaxReconnectTries) * c.config.ReconnectInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = c.dial(ctx)
		return dialErr
	}, backoff.WithContext(backOff, ctx))

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		if c.getState() != StateClosed {
			c.setState(StateDisconnected)
		}
		return
	}

	if !c.compareAndSwapState(StateReconnecting, StateConnected) {
		conn.Close()
		return
	}
	log.Printf("Reconnected successfully")
	c.reconnectCount.Store(0)
	c.reconnects.Add(1)
	go c.readLoop(conn)
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":           c.getState().String(),
		"reconnect_count": c.reconnectCount.Load(),
		"reconnects":      c.reconnects.Load(),
		"messages_sent":   c.sent.Load(),
		"messages_recv":   c.received.Load(),
	}
}
