package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeMP3 解码MP3为单声道16位PCM
func DecodeMP3(data []byte) ([]int16, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decoder: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}

	// go-mp3 输出固定为双声道16位小端
	frames := len(raw) / 4
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		l := int(int16(binary.LittleEndian.Uint16(raw[i*4:])))
		r := int(int16(binary.LittleEndian.Uint16(raw[i*4+2:])))
		mono[i] = int16((l + r) / 2)
	}
	return mono, dec.SampleRate(), nil
}

// ToTelephony 将合成语音(MP3或WAV)转换为8kHz μ-law
func ToTelephony(speech []byte) ([]byte, error) {
	var (
		pcm  []int16
		rate int
		err  error
	)
	switch {
	case LooksLikeWAV(speech):
		pcm, rate, err = DecodeWAV(speech)
	case LooksLikeMP3(speech):
		pcm, rate, err = DecodeMP3(speech)
	default:
		return nil, fmt.Errorf("unsupported speech format (%d bytes)", len(speech))
	}
	if err != nil {
		return nil, err
	}
	return EncodeULaw(Resample(pcm, rate, TelephonyRate)), nil
}
