// Package engine 对话引擎：语音转写、生成回复、语音合成
package engine

import (
	"context"
	"fmt"

	"VoiceInterviewRelay/internal/session"
)

// Audio 待转写的音频
type Audio struct {
	Data   []byte
	Format string // 文件扩展名，如 wav、webm、mp3
}

// Speech 合成结果
type Speech struct {
	Data   []byte
	Format string
}

// Engine 对话引擎
type Engine interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
	Respond(ctx context.Context, systemPrompt string, history []session.Turn) (string, error)
	Synthesize(ctx context.Context, text string) (Speech, error)
}

// SystemPrompt 按面试主题生成系统提示词
func SystemPrompt(topic string) string {
	return fmt.Sprintf("You are conducting an interview about %s. Ask relevant questions and provide appropriate responses.", topic)
}
