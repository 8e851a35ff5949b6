package audio

import (
	"math"
	"time"
)

// 20ms一帧
const frameSamples = TelephonyRate / 50

// VADConfig 静音检测参数
type VADConfig struct {
	Threshold    float64       // RMS阈值，低于视为静音
	Hangover     time.Duration // 语音后持续静音多久切句
	MinSpeech    time.Duration // 少于该时长的语音丢弃
	MaxUtterance time.Duration // 单句上限，到达后强制切句
}

// DefaultVADConfig 默认静音检测参数
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Threshold:    600,
		Hangover:     700 * time.Millisecond,
		MinSpeech:    200 * time.Millisecond,
		MaxUtterance: 15 * time.Second,
	}
}

// Segmenter 按静音把8kHz μ-law流切分为语句
// 非并发安全，每路媒体流一个
type Segmenter struct {
	cfg           VADConfig
	pending       []byte
	utterance     []byte
	speechFrames  int
	silenceFrames int
}

// NewSegmenter 创建切句器
func NewSegmenter(cfg VADConfig) *Segmenter {
	def := DefaultVADConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = def.Hangover
	}
	if cfg.MinSpeech <= 0 {
		cfg.MinSpeech = def.MinSpeech
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = def.MaxUtterance
	}
	return &Segmenter{cfg: cfg}
}

func framesFor(d time.Duration) int {
	n := int(d / (20 * time.Millisecond))
	if n < 1 {
		n = 1
	}
	return n
}

// Write 追加μ-law数据，返回本次完成的语句(μ-law)
func (s *Segmenter) Write(mulaw []byte) [][]byte {
	s.pending = append(s.pending, mulaw...)

	var done [][]byte
	for len(s.pending) >= frameSamples {
		frame := s.pending[:frameSamples]
		s.pending = s.pending[frameSamples:]
		if u := s.feed(frame); u != nil {
			done = append(done, u)
		}
	}
	return done
}

// Flush 结束流，返回未完成的语句
func (s *Segmenter) Flush() []byte {
	s.pending = nil
	return s.cut()
}

func (s *Segmenter) feed(frame []byte) []byte {
	if RMS(DecodeULaw(frame)) < s.cfg.Threshold {
		if s.speechFrames == 0 {
			return nil
		}
		s.utterance = append(s.utterance, frame...)
		s.silenceFrames++
		if s.silenceFrames >= framesFor(s.cfg.Hangover) {
			return s.cut()
		}
		return nil
	}

	s.utterance = append(s.utterance, frame...)
	s.speechFrames++
	s.silenceFrames = 0
	if s.speechFrames+s.silenceFrames >= framesFor(s.cfg.MaxUtterance) {
		return s.cut()
	}
	return nil
}

func (s *Segmenter) cut() []byte {
	out := s.utterance
	speech := s.speechFrames
	s.utterance = nil
	s.speechFrames = 0
	s.silenceFrames = 0

	if speech < framesFor(s.cfg.MinSpeech) {
		return nil
	}
	return out
}

// RMS 均方根能量
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// UtteranceWAV 将μ-law语句转为8kHz WAV，供转写接口使用
func UtteranceWAV(mulaw []byte) []byte {
	return EncodeWAV(DecodeULaw(mulaw), TelephonyRate)
}
