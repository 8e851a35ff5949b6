package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"VoiceInterviewRelay/internal/coordinator"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/protocol"
)

const clientModule = "ClientChannel"

const msgInvalidMessage = "invalid message"

// clientChannel 客户端控制通道，消息按到达顺序逐条处理
type clientChannel struct {
	server *Server
	conn   *Connection

	mu       sync.Mutex
	sessions []string // 本通道发起的会话，最后一个为当前会话
}

func (ch *clientChannel) track(id string) {
	ch.mu.Lock()
	ch.sessions = append(ch.sessions, id)
	ch.mu.Unlock()
	ch.server.claim(id)
}

func (ch *clientChannel) current() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sessions) == 0 {
		return ""
	}
	return ch.sessions[len(ch.sessions)-1]
}

func (ch *clientChannel) tracked() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.sessions...)
}

// channelSink 回复格式跟随触发消息：二进制帧的语音得到二进制回复
type channelSink struct {
	conn   *Connection
	binary bool
}

// Emit 实现coordinator.Sink
func (s channelSink) Emit(msg interface{}) error {
	if !s.binary {
		return s.conn.writeJSON(msg)
	}

	switch m := msg.(type) {
	case *protocol.AIResponse:
		frame, err := protocol.EncodeAIResponseFrame(protocol.ResponseMeta{Text: m.Text, Format: m.Format}, m.Audio)
		if err != nil {
			return err
		}
		return s.conn.write(websocket.BinaryMessage, frame)
	default:
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return s.conn.write(websocket.BinaryMessage, protocol.EncodeFrame(protocol.OpError, body))
	}
}

// HandleClient 处理 /ws 客户端通道
func (s *Server) HandleClient(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.connWg.Add(1)
	defer s.connWg.Done()

	log.Printf("New client channel: %s from %s", conn.ID, r.RemoteAddr)

	ch := &clientChannel{server: s, conn: conn}
	go conn.pingLoop(s.config.PingInterval)

	normal := ch.readLoop()

	s.removeConnection(conn)
	conn.close(websocket.CloseNormalClosure, "Connection ended")
	ch.release(normal)

	log.Printf("Client channel closed: %s (normal=%t)", conn.ID, normal)
}

// readLoop 读取并处理消息，返回对端是否正常关闭
func (ch *clientChannel) readLoop() bool {
	conn := ch.conn
	for {
		messageType, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Client channel %s read error: %v", conn.ID, err)
			}
			return isNormalClose(err)
		}

		conn.received(len(data))
		ch.server.totalMessages.Add(1)

		// 外部调用可能比空闲超时更久，处理期间不计空闲
		conn.holdReadDeadline()

		// 与请求无关的上下文：关闭通道不取消进行中的外部调用
		ctx := context.Background()
		switch messageType {
		case websocket.TextMessage:
			ch.handleText(ctx, data)
		case websocket.BinaryMessage:
			ch.handleBinary(ctx, data)
		}

		conn.armReadDeadline(ch.server.config.IdleTimeout)
	}
}

// handleText 处理JSON控制消息
func (ch *clientChannel) handleText(ctx context.Context, data []byte) {
	sink := channelSink{conn: ch.conn}

	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		logger.LogWarning(clientModule, fmt.Sprintf("无法解析的消息: %v", err), ch.current())
		sink.Emit(protocol.NewError(msgInvalidMessage))
		return
	}

	switch msg.Event {
	case protocol.EventStartInterview:
		id, err := ch.server.handler.HandleStart(ctx, sink, coordinator.StartRequest{
			PhoneNumber: msg.PhoneNumber,
			Topic:       msg.Topic,
		})
		if err == nil {
			ch.track(id)
		}

	case protocol.EventVoiceData:
		ch.voice(ctx, sink, coordinator.VoiceFrame{
			SessionID: msg.InterviewID,
			Topic:     msg.Topic,
			Audio:     msg.Audio,
			Format:    msg.Format,
		})

	default:
		// 未知事件：不改变状态，不回复
	}
}

// handleBinary 处理二进制帧
func (ch *clientChannel) handleBinary(ctx context.Context, data []byte) {
	sink := channelSink{conn: ch.conn, binary: true}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		logger.LogWarning(clientModule, fmt.Sprintf("无法解析的二进制帧: %v", err), ch.current())
		sink.Emit(protocol.NewError(msgInvalidMessage))
		return
	}

	switch frame.Opcode {
	case protocol.OpVoiceData:
		var meta protocol.VoiceMeta
		audioData, err := protocol.DecodeMedia(frame.Body, &meta)
		if err != nil {
			logger.LogWarning(clientModule, fmt.Sprintf("无法解析的语音帧: %v", err), ch.current())
			sink.Emit(protocol.NewError(msgInvalidMessage))
			return
		}
		ch.voice(ctx, sink, coordinator.VoiceFrame{
			SessionID: meta.InterviewID,
			Topic:     meta.Topic,
			Audio:     audioData,
			Format:    meta.Format,
		})

	default:
		// 未知操作码与未知事件一样忽略
	}
}

// voice 语音帧失败只记录日志，不回复error
func (ch *clientChannel) voice(ctx context.Context, sink coordinator.Sink, frame coordinator.VoiceFrame) {
	if frame.SessionID == "" {
		frame.SessionID = ch.current()
	}
	ch.server.handler.HandleVoiceFrame(ctx, sink, frame)
}

// release 通道关闭后释放本通道发起的会话
func (ch *clientChannel) release(normal bool) {
	for _, id := range ch.tracked() {
		ctx, cancel := context.WithCancel(context.Background())
		if timeout := ch.server.config.ReleaseTimeout; timeout > 0 {
			cancel()
			ctx, cancel = context.WithTimeout(context.Background(), timeout)
		}
		if err := ch.server.handler.Release(ctx, id, normal); err != nil {
			logger.LogError(clientModule, fmt.Sprintf("释放会话失败: %v", err), id)
		}
		cancel()
		ch.server.disown(id)
	}
}
