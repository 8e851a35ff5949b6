// Package audio 电话音频处理：G.711 μ-law编解码、WAV封装、MP3解码、重采样与静音检测
package audio

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ULawToLinear μ-law样本解码为16位线性PCM
func ULawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToULaw 16位线性PCM编码为μ-law
func LinearToULaw(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exp := byte(7)
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// DecodeULaw 解码μ-law字节流
func DecodeULaw(data []byte) []int16 {
	pcm := make([]int16, len(data))
	for i, b := range data {
		pcm[i] = ULawToLinear(b)
	}
	return pcm
}

// EncodeULaw 编码为μ-law字节流
func EncodeULaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToULaw(s)
	}
	return out
}
