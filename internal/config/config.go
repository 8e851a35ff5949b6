// Package config 中继配置：YAML文件 + 环境变量，支持调参项热更新
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"VoiceInterviewRelay/internal/audio"
	"VoiceInterviewRelay/internal/coordinator"
	"VoiceInterviewRelay/internal/database"
	"VoiceInterviewRelay/internal/engine"
	"VoiceInterviewRelay/internal/relayserver"
	"VoiceInterviewRelay/internal/telephony"
)

// ConfigName 配置文件名（不含扩展名）
const ConfigName = "relay-config"

// EnvPrefix 环境变量前缀，RELAY_SERVER_PORT对应server.port
const EnvPrefix = "RELAY"

// RelayConfig 完整配置
type RelayConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Relay    ChannelConfig  `mapstructure:"relay"`
	VAD      VADConfig      `mapstructure:"vad"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
}

// ServerConfig HTTP入口配置
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	BaseURL         string        `mapstructure:"base_url"` // 公网地址，拼接Twilio回调
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HangupMessage   string        `mapstructure:"hangup_message"`
}

// DatabaseConfig 会话存储配置，URL为空时使用内存存储
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ConnectRetryFor time.Duration `mapstructure:"connect_retry_for"`
	Migrate         bool          `mapstructure:"migrate"`
}

// TwilioConfig 电话网关配置
type TwilioConfig struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	PhoneNumber string `mapstructure:"phone_number"`
	BaseURL     string `mapstructure:"base_url"`
}

// OpenAIConfig 对话引擎配置
type OpenAIConfig struct {
	APIKey             string `mapstructure:"api_key"`
	BaseURL            string `mapstructure:"base_url"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	ChatModel          string `mapstructure:"chat_model"`
	SpeechModel        string `mapstructure:"speech_model"`
	Voice              string `mapstructure:"voice"`
	SpeechFormat       string `mapstructure:"speech_format"`
}

// TimeoutsConfig 外部调用超时，可热更新
type TimeoutsConfig struct {
	Store      time.Duration `mapstructure:"store"`
	Gateway    time.Duration `mapstructure:"gateway"`
	Transcribe time.Duration `mapstructure:"transcribe"`
	Respond    time.Duration `mapstructure:"respond"`
	Synthesize time.Duration `mapstructure:"synthesize"`
}

// ChannelConfig WebSocket通道配置
type ChannelConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReleaseTimeout time.Duration `mapstructure:"release_timeout"`
	ReplyChunkSize int           `mapstructure:"reply_chunk_size"`
}

// VADConfig 电话语音切句参数，可热更新
type VADConfig struct {
	Threshold    float64       `mapstructure:"threshold"`
	Hangover     time.Duration `mapstructure:"hangover"`
	MinSpeech    time.Duration `mapstructure:"min_speech"`
	MaxUtterance time.Duration `mapstructure:"max_utterance"`
}

// GRPCConfig 管理接口配置，Addr为空时不启动
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// 原有部署使用的无前缀环境变量
var envBindings = map[string]string{
	"database.url":        "DATABASE_URL",
	"openai.api_key":      "OPENAI_API_KEY",
	"twilio.account_sid":  "TWILIO_ACCOUNT_SID",
	"twilio.auth_token":   "TWILIO_AUTH_TOKEN",
	"twilio.phone_number": "TWILIO_PHONE_NUMBER",
	"server.base_url":     "BASE_URL",
	"server.port":         "PORT",
}

// newViper 创建viper实例，path为空时在./configs和当前目录查找relay-config.yaml
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	setDefaultValues(v)
	return v
}

// setDefaultValues 设置默认值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.hangup_message", "Sorry, this interview is no longer available. Goodbye.")

	db := database.DefaultConfig()
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", db.MaxConns)
	v.SetDefault("database.min_conns", db.MinConns)
	v.SetDefault("database.connect_timeout", db.ConnectTimeout)
	v.SetDefault("database.connect_retry_for", db.ConnectRetryFor)
	v.SetDefault("database.migrate", true)

	v.SetDefault("twilio.account_sid", "")
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.phone_number", "")
	v.SetDefault("twilio.base_url", telephony.DefaultTwilioBaseURL)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", engine.DefaultOpenAIBaseURL)
	v.SetDefault("openai.transcription_model", engine.DefaultTranscriptionModel)
	v.SetDefault("openai.chat_model", engine.DefaultChatModel)
	v.SetDefault("openai.speech_model", engine.DefaultSpeechModel)
	v.SetDefault("openai.voice", engine.DefaultVoice)
	v.SetDefault("openai.speech_format", engine.DefaultSpeechFormat)

	t := coordinator.DefaultTimeouts()
	v.SetDefault("timeouts.store", t.Store)
	v.SetDefault("timeouts.gateway", t.Gateway)
	v.SetDefault("timeouts.transcribe", t.Transcribe)
	v.SetDefault("timeouts.respond", t.Respond)
	v.SetDefault("timeouts.synthesize", t.Synthesize)

	r := relayserver.DefaultConfig()
	v.SetDefault("relay.max_connections", r.MaxConnections)
	v.SetDefault("relay.max_message_size", r.MaxMessageSize)
	v.SetDefault("relay.write_timeout", r.WriteTimeout)
	v.SetDefault("relay.ping_interval", r.PingInterval)
	v.SetDefault("relay.idle_timeout", r.IdleTimeout)
	v.SetDefault("relay.release_timeout", r.ReleaseTimeout)
	v.SetDefault("relay.reply_chunk_size", r.ReplyChunkSize)

	vad := audio.DefaultVADConfig()
	v.SetDefault("vad.threshold", vad.Threshold)
	v.SetDefault("vad.hangover", vad.Hangover)
	v.SetDefault("vad.min_speech", vad.MinSpeech)
	v.SetDefault("vad.max_utterance", vad.MaxUtterance)

	v.SetDefault("grpc.addr", "")
}

// Load 加载配置，配置文件不存在时只使用默认值和环境变量
func Load(path string) (*RelayConfig, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*RelayConfig, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func unmarshal(v *viper.Viper) (*RelayConfig, error) {
	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.Server.BaseURL = strings.TrimRight(cfg.Server.BaseURL, "/")
	return &cfg, nil
}

// Validate 校验启动必需项
func (c *RelayConfig) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url (BASE_URL) is required"))
	} else if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("server.base_url must be an absolute http(s) url: %q", c.Server.BaseURL))
	}

	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.PhoneNumber == "" {
		errs = append(errs, errors.New("twilio account_sid, auth_token and phone_number are required"))
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key (OPENAI_API_KEY) is required"))
	}

	if err := c.validateTunables(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// validateTunables 校验可热更新的参数
func (c *RelayConfig) validateTunables() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"timeouts.store":      c.Timeouts.Store,
		"timeouts.gateway":    c.Timeouts.Gateway,
		"timeouts.transcribe": c.Timeouts.Transcribe,
		"timeouts.respond":    c.Timeouts.Respond,
		"timeouts.synthesize": c.Timeouts.Synthesize,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.VAD.Threshold <= 0 {
		errs = append(errs, errors.New("vad.threshold must be positive"))
	}
	if c.VAD.Hangover <= 0 || c.VAD.MaxUtterance <= 0 {
		errs = append(errs, errors.New("vad.hangover and vad.max_utterance must be positive"))
	}
	return errors.Join(errs...)
}

// CoordinatorTimeouts 转换为协调器超时
func (c *RelayConfig) CoordinatorTimeouts() coordinator.Timeouts {
	return coordinator.Timeouts{
		Store:      c.Timeouts.Store,
		Gateway:    c.Timeouts.Gateway,
		Transcribe: c.Timeouts.Transcribe,
		Respond:    c.Timeouts.Respond,
		Synthesize: c.Timeouts.Synthesize,
	}
}

// AudioVAD 转换为切句参数
func (c *RelayConfig) AudioVAD() audio.VADConfig {
	return audio.VADConfig{
		Threshold:    c.VAD.Threshold,
		Hangover:     c.VAD.Hangover,
		MinSpeech:    c.VAD.MinSpeech,
		MaxUtterance: c.VAD.MaxUtterance,
	}
}

// DatabaseSettings 转换为连接池配置
func (c *RelayConfig) DatabaseSettings() *database.Config {
	db := database.DefaultConfig()
	db.URL = c.Database.URL
	db.MaxConns = c.Database.MaxConns
	db.MinConns = c.Database.MinConns
	db.ConnectTimeout = c.Database.ConnectTimeout
	db.ConnectRetryFor = c.Database.ConnectRetryFor
	return db
}

// RelaySettings 转换为通道服务配置
func (c *RelayConfig) RelaySettings() *relayserver.Config {
	r := relayserver.DefaultConfig()
	r.MaxConnections = c.Relay.MaxConnections
	r.MaxMessageSize = c.Relay.MaxMessageSize
	r.WriteTimeout = c.Relay.WriteTimeout
	r.PingInterval = c.Relay.PingInterval
	r.IdleTimeout = c.Relay.IdleTimeout
	r.ReleaseTimeout = c.Relay.ReleaseTimeout
	r.ReplyChunkSize = c.Relay.ReplyChunkSize
	r.VAD = c.AudioVAD()
	return r
}

// TwilioSettings 转换为网关配置
func (c *RelayConfig) TwilioSettings() telephony.TwilioConfig {
	return telephony.TwilioConfig{
		AccountSID: c.Twilio.AccountSID,
		AuthToken:  c.Twilio.AuthToken,
		FromNumber: c.Twilio.PhoneNumber,
		BaseURL:    c.Twilio.BaseURL,
	}
}

// OpenAISettings 转换为引擎配置
func (c *RelayConfig) OpenAISettings() engine.OpenAIConfig {
	return engine.OpenAIConfig{
		APIKey:             c.OpenAI.APIKey,
		BaseURL:            c.OpenAI.BaseURL,
		TranscriptionModel: c.OpenAI.TranscriptionModel,
		ChatModel:          c.OpenAI.ChatModel,
		SpeechModel:        c.OpenAI.SpeechModel,
		Voice:              c.OpenAI.Voice,
		SpeechFormat:       c.OpenAI.SpeechFormat,
	}
}

// Addr HTTP监听地址
func (c *RelayConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
