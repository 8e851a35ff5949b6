package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrNotWAV 不是PCM WAV数据
var ErrNotWAV = errors.New("not a pcm wav stream")

// EncodeWAV 将单声道16位PCM封装为WAV
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	dataSize := uint32(len(pcm) * 2)
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)*2))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	binary.Write(buf, binary.LittleEndian, pcm)

	return buf.Bytes()
}

// DecodeWAV 解析16位PCM WAV，多声道取平均
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		channels   int
		sampleRate int
		bits       int
		format     uint16
		payload    []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, ErrNotWAV
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
		case "data":
			payload = data[body : body+size]
		}
		off = body + size + size%2
	}

	if format != 1 || bits != 16 || channels < 1 || payload == nil {
		return nil, 0, ErrNotWAV
	}

	frames := len(payload) / (2 * channels)
	pcm := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			p := (i*channels + c) * 2
			sum += int(int16(binary.LittleEndian.Uint16(payload[p:])))
		}
		pcm[i] = int16(sum / channels)
	}
	return pcm, sampleRate, nil
}

// LooksLikeWAV 检查RIFF/WAVE头
func LooksLikeWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// LooksLikeMP3 检查ID3标签或MPEG帧同步
func LooksLikeMP3(b []byte) bool {
	if len(b) >= 3 && string(b[0:3]) == "ID3" {
		return true
	}
	return len(b) >= 2 && b[0] == 0xFF && (b[1]&0xE0) == 0xE0
}
