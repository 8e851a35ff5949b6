package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// 文本帧事件名
const (
	EventStartInterview = "start_interview"
	EventVoiceData      = "voice_data"

	EventCallInitiated = "call_initiated"
	EventError         = "error"
	EventAIResponse    = "ai_response"
)

// DecodeError 入站消息无法解析
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Audio 音频负载
// JSON中既接受base64字符串，也接受字节数组（[12, 34, ...]），编码时输出base64
type Audio []byte

// UnmarshalJSON 实现json.Unmarshaler
func (a *Audio) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}

	if len(data) > 0 && data[0] == '[' {
		var raw []int
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		buf := make([]byte, len(raw))
		for i, v := range raw {
			if v < 0 || v > 255 {
				return fmt.Errorf("audio byte out of range at %d: %d", i, v)
			}
			buf[i] = byte(v)
		}
		*a = buf
		return nil
	}

	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// MarshalJSON 实现json.Marshaler
func (a Audio) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(a))
}

// Inbound 入站控制消息，event字段为判别字段
type Inbound struct {
	Event       string `json:"event"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Topic       string `json:"topic,omitempty"`
	InterviewID string `json:"interviewId,omitempty"`
	Audio       Audio  `json:"audio,omitempty"`
	Format      string `json:"format,omitempty"`
}

// DecodeInbound 解析文本帧
func DecodeInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Message: "invalid message payload", Err: err}
	}
	msg.Event = strings.TrimSpace(msg.Event)
	if msg.Event == "" {
		return nil, &DecodeError{Message: "missing event field"}
	}
	return &msg, nil
}

// CallInitiated 会话已创建，呼叫已发起
type CallInitiated struct {
	Event       string `json:"event"`
	InterviewID string `json:"interviewId"`
	CallSID     string `json:"callSid"`
}

// NewCallInitiated 创建call_initiated消息
func NewCallInitiated(interviewID, callSID string) *CallInitiated {
	return &CallInitiated{Event: EventCallInitiated, InterviewID: interviewID, CallSID: callSID}
}

// ErrorMessage 最近一条入站消息处理失败
type ErrorMessage struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// NewError 创建error消息
func NewError(message string) *ErrorMessage {
	return &ErrorMessage{Event: EventError, Message: message}
}

// AIResponse 合成后的AI回复
type AIResponse struct {
	Event  string `json:"event"`
	Audio  Audio  `json:"audio"`
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// NewAIResponse 创建ai_response消息
func NewAIResponse(text string, audio []byte, format string) *AIResponse {
	return &AIResponse{Event: EventAIResponse, Audio: audio, Text: text, Format: format}
}
