package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"VoiceInterviewRelay/internal/audio"
	"VoiceInterviewRelay/internal/coordinator"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/protocol"
	"VoiceInterviewRelay/internal/telephony"
)

const mediaModule = "MediaStream"

// mediaStream 一路电话媒体流：切句后交给协调器，回复音频转μ-law写回电话
type mediaStream struct {
	server *Server
	conn   *Connection

	mu          sync.Mutex
	streamSID   string
	callSID     string
	interviewID string
	topic       string
	markSeq     int

	segmenter  *audio.Segmenter
	utterances chan []byte
	workerDone chan struct{}
}

// HandleMediaStream 处理 /voice 电话媒体流
func (s *Server) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.connWg.Add(1)
	defer s.connWg.Done()

	s.mediaCount.Add(1)
	defer s.mediaCount.Add(-1)

	ms := &mediaStream{
		server:     s,
		conn:       conn,
		segmenter:  audio.NewSegmenter(s.vadConfig()),
		utterances: make(chan []byte, 8),
		workerDone: make(chan struct{}),
	}
	go ms.worker()

	ms.readLoop()

	if tail := ms.segmenter.Flush(); tail != nil {
		ms.enqueue(tail)
	}
	close(ms.utterances)
	<-ms.workerDone

	// 会话只由媒体流载入内存时，流结束即释放内存副本
	if id := ms.sessionID(); id != "" && !s.owned(id) {
		s.handler.Detach(id)
	}

	s.removeConnection(conn)
	conn.close(websocket.CloseNormalClosure, "Stream ended")
	logger.LogInfo(mediaModule, fmt.Sprintf("媒体流结束 %s", conn.ID), ms.sessionID())
}

func (ms *mediaStream) sessionID() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.interviewID
}

// readLoop 读取媒体流消息，收到stop或连接断开时返回
func (ms *mediaStream) readLoop() {
	conn := ms.conn
	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Media stream %s read error: %v", conn.ID, err)
			}
			return
		}
		conn.received(len(data))
		conn.armReadDeadline(ms.server.config.IdleTimeout)
		ms.server.totalMessages.Add(1)

		msg, err := telephony.ParseMediaMessage(data)
		if err != nil {
			log.Printf("Media stream %s: %v", conn.ID, err)
			continue
		}

		switch msg.Event {
		case telephony.MediaEventConnected:
			log.Printf("Media stream connected: %s", conn.ID)

		case telephony.MediaEventStart:
			ms.start(msg)

		case telephony.MediaEventMedia:
			if msg.Media != nil && msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			payload, err := msg.Audio()
			if err != nil {
				log.Printf("Media stream %s: bad payload: %v", conn.ID, err)
				continue
			}
			for _, u := range ms.segmenter.Write(payload) {
				ms.enqueue(u)
			}

		case telephony.MediaEventMark:
			if msg.Mark != nil {
				log.Printf("Media stream %s played %s", conn.ID, msg.Mark.Name)
			}

		case telephony.MediaEventStop:
			return
		}
	}
}

func (ms *mediaStream) start(msg *telephony.MediaMessage) {
	if msg.Start == nil {
		return
	}
	ms.mu.Lock()
	ms.streamSID = msg.Start.StreamSID
	if ms.streamSID == "" {
		ms.streamSID = msg.StreamSID
	}
	ms.callSID = msg.Start.CallSID
	ms.interviewID = msg.Start.CustomParameters["interviewId"]
	ms.topic = msg.Start.CustomParameters["topic"]
	ms.mu.Unlock()

	logger.LogInfo(mediaModule, fmt.Sprintf("媒体流开始 stream=%s call=%s", msg.Start.StreamSID, msg.Start.CallSID), ms.interviewID)
}

// enqueue 队列满时丢弃最新语句，避免阻塞读循环
func (ms *mediaStream) enqueue(u []byte) {
	select {
	case ms.utterances <- u:
		ms.server.utterances.Add(1)
	default:
		ms.server.utterancesDropped.Add(1)
		logger.LogWarning(mediaModule, "语句队列已满，丢弃一段语音", ms.sessionID())
	}
}

// worker 按顺序处理切好的语句
func (ms *mediaStream) worker() {
	defer close(ms.workerDone)

	for u := range ms.utterances {
		ms.mu.Lock()
		frame := coordinator.VoiceFrame{
			SessionID: ms.interviewID,
			Topic:     ms.topic,
			Audio:     audio.UtteranceWAV(u),
			Format:    "wav",
		}
		ms.mu.Unlock()

		ms.server.handler.HandleVoiceFrame(context.Background(), ms, frame)
	}
}

// Emit 实现coordinator.Sink：把ai_response转为电话音频写回
func (ms *mediaStream) Emit(msg interface{}) error {
	resp, ok := msg.(*protocol.AIResponse)
	if !ok {
		return nil
	}

	mulaw, err := audio.ToTelephony(resp.Audio)
	if err != nil {
		return fmt.Errorf("convert reply audio: %w", err)
	}

	ms.mu.Lock()
	streamSID := ms.streamSID
	ms.markSeq++
	mark := fmt.Sprintf("reply-%d", ms.markSeq)
	ms.mu.Unlock()

	chunk := ms.server.config.ReplyChunkSize
	if chunk <= 0 {
		chunk = len(mulaw)
	}
	for off := 0; off < len(mulaw); off += chunk {
		end := off + chunk
		if end > len(mulaw) {
			end = len(mulaw)
		}
		if err := ms.send(telephony.NewOutboundMedia(streamSID, mulaw[off:end])); err != nil {
			return err
		}
	}
	return ms.send(telephony.NewOutboundMark(streamSID, mark))
}

func (ms *mediaStream) send(msg *telephony.MediaMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ms.conn.write(websocket.TextMessage, data)
}
