package protocol

// 二进制帧操作码
const (
	// 语音数据（客户端 -> 服务端）
	OpVoiceData uint16 = 2001
	// AI回复音频（服务端 -> 客户端）
	OpAIResponse uint16 = 2002

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpVoiceData:
		return "VOICE_DATA"
	case OpAIResponse:
		return "AI_RESPONSE"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpVoiceData, OpAIResponse, OpError:
		return true
	default:
		return false
	}
}
