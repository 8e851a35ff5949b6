package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"VoiceInterviewRelay/internal/session"
)

// OpenAI默认参数
const (
	DefaultOpenAIBaseURL      = "https://api.openai.com/v1"
	DefaultTranscriptionModel = "whisper-1"
	DefaultChatModel          = "gpt-4"
	DefaultSpeechModel        = "tts-1"
	DefaultVoice              = "alloy"
	DefaultSpeechFormat       = "mp3"
)

// ErrEmptyResponse 接口返回了空结果
var ErrEmptyResponse = errors.New("empty response from engine")

// OpenAIConfig OpenAI客户端配置
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	ChatModel          string
	SpeechModel        string
	Voice              string
	SpeechFormat       string
	HTTPClient         *http.Client
}

// APIError OpenAI接口错误
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("openai %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("openai %d: %s", e.StatusCode, e.Message)
}

// OpenAIEngine 基于OpenAI HTTP接口的对话引擎
type OpenAIEngine struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

var _ Engine = (*OpenAIEngine)(nil)

// NewOpenAIEngine 创建OpenAI引擎
func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = DefaultSpeechModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.SpeechFormat == "" {
		cfg.SpeechFormat = DefaultSpeechFormat
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIEngine{cfg: cfg, httpClient: httpClient}, nil
}

// Transcribe 语音转文字
func (e *OpenAIEngine) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", errors.New("no audio to transcribe")
	}
	format := audio.Format
	if format == "" {
		format = "wav"
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return "", err
	}
	if err := w.WriteField("model", e.cfg.TranscriptionModel); err != nil {
		return "", err
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	raw, err := e.do(ctx, "/audio/transcriptions", w.FormDataContentType(), &body)
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", fmt.Errorf("transcription failed: %w", ErrEmptyResponse)
	}
	return text, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Respond 根据系统提示词和完整对话历史生成回复
func (e *OpenAIEngine) Respond(ctx context.Context, systemPrompt string, history []session.Turn) (string, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: string(session.RoleSystem), Content: systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}

	payload, err := json.Marshal(chatRequest{Model: e.cfg.ChatModel, Messages: messages})
	if err != nil {
		return "", err
	}

	raw, err := e.do(ctx, "/chat/completions", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("chat completion failed: %w", ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize 文字转语音
func (e *OpenAIEngine) Synthesize(ctx context.Context, text string) (Speech, error) {
	payload, err := json.Marshal(map[string]string{
		"model":           e.cfg.SpeechModel,
		"voice":           e.cfg.Voice,
		"input":           text,
		"response_format": e.cfg.SpeechFormat,
	})
	if err != nil {
		return Speech{}, err
	}

	raw, err := e.do(ctx, "/audio/speech", "application/json", bytes.NewReader(payload))
	if err != nil {
		return Speech{}, fmt.Errorf("speech synthesis failed: %w", err)
	}
	if len(raw) == 0 {
		return Speech{}, fmt.Errorf("speech synthesis failed: %w", ErrEmptyResponse)
	}
	return Speech{Data: raw, Format: e.cfg.SpeechFormat}, nil
}

// do 发送请求，非2xx返回APIError
func (e *OpenAIEngine) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Type = envelope.Error.Type
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = truncate(strings.TrimSpace(string(raw)), 400)
		}
		return nil, apiErr
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
