package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// 媒体流事件
const (
	MediaEventConnected = "connected"
	MediaEventStart     = "start"
	MediaEventMedia     = "media"
	MediaEventMark      = "mark"
	MediaEventStop      = "stop"
	MediaEventDTMF      = "dtmf"
	MediaEventClear     = "clear"
)

// MediaMessage Twilio媒体流消息
type MediaMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *MediaStart   `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MediaMark    `json:"mark,omitempty"`
	Stop           *MediaStop    `json:"stop,omitempty"`
}

// MediaStart start事件
type MediaStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat 音频格式，Twilio固定为mulaw/8000/1
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload media事件
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64编码的音频
}

// MediaMark mark事件
type MediaMark struct {
	Name string `json:"name"`
}

// MediaStop stop事件
type MediaStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// ParseMediaMessage 解析媒体流消息
func ParseMediaMessage(data []byte) (*MediaMessage, error) {
	var msg MediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse media message failed: %w", err)
	}
	return &msg, nil
}

// Audio 解码media事件中的音频
func (m *MediaMessage) Audio() ([]byte, error) {
	if m.Media == nil || m.Media.Payload == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(m.Media.Payload)
}

// NewOutboundMedia 构造发往通话的音频消息
func NewOutboundMedia(streamSID string, mulaw []byte) *MediaMessage {
	return &MediaMessage{
		Event:     MediaEventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
}

// NewOutboundMark 构造mark消息，播放到该位置时Twilio回传同名mark
func NewOutboundMark(streamSID, name string) *MediaMessage {
	return &MediaMessage{
		Event:     MediaEventMark,
		StreamSID: streamSID,
		Mark:      &MediaMark{Name: name},
	}
}

// NewOutboundClear 构造clear消息，清空通话侧待播音频
func NewOutboundClear(streamSID string) *MediaMessage {
	return &MediaMessage{Event: MediaEventClear, StreamSID: streamSID}
}
