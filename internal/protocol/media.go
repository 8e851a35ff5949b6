package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// 媒体信封：二进制帧的body
// | metaLen(4字节) | meta(JSON) | audio(变长) |
const mediaMetaHeaderSize = 4

// VoiceMeta OpVoiceData帧的元数据
type VoiceMeta struct {
	Topic       string `json:"topic,omitempty"`
	InterviewID string `json:"interviewId,omitempty"`
	Format      string `json:"format,omitempty"`
}

// ResponseMeta OpAIResponse帧的元数据
type ResponseMeta struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// EncodeMedia 编码媒体信封
func EncodeMedia(meta interface{}, audio []byte) ([]byte, error) {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal media meta failed: %w", err)
	}

	buf := make([]byte, mediaMetaHeaderSize+len(metaBytes)+len(audio))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(metaBytes)))
	copy(buf[mediaMetaHeaderSize:], metaBytes)
	copy(buf[mediaMetaHeaderSize+len(metaBytes):], audio)
	return buf, nil
}

// DecodeMedia 解码媒体信封，meta解析到out
func DecodeMedia(body []byte, out interface{}) ([]byte, error) {
	if len(body) < mediaMetaHeaderSize {
		return nil, fmt.Errorf("%w: media envelope too small", ErrInvalidFrame)
	}

	metaLen := int(binary.BigEndian.Uint32(body[0:4]))
	if metaLen > len(body)-mediaMetaHeaderSize {
		return nil, fmt.Errorf("%w: media meta length %d exceeds body", ErrInvalidFrame, metaLen)
	}

	meta := body[mediaMetaHeaderSize : mediaMetaHeaderSize+metaLen]
	if metaLen > 0 && out != nil {
		if err := json.Unmarshal(meta, out); err != nil {
			return nil, &DecodeError{Message: "invalid media meta", Err: err}
		}
	}

	audio := make([]byte, len(body)-mediaMetaHeaderSize-metaLen)
	copy(audio, body[mediaMetaHeaderSize+metaLen:])
	return audio, nil
}

// EncodeVoiceFrame 编码一帧语音数据
func EncodeVoiceFrame(meta VoiceMeta, audio []byte) ([]byte, error) {
	body, err := EncodeMedia(meta, audio)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(OpVoiceData, body), nil
}

// EncodeAIResponseFrame 编码一帧AI回复
func EncodeAIResponseFrame(meta ResponseMeta, audio []byte) ([]byte, error) {
	body, err := EncodeMedia(meta, audio)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(OpAIResponse, body), nil
}
