// Package telephony 电话网关：发起外呼、生成通话控制文档、解析媒体流消息
package telephony

import (
	"context"
)

// CallRequest 外呼请求
type CallRequest struct {
	To                string
	CallbackURL       string // 通话接通时网关回调，返回TwiML
	StatusCallbackURL string // 通话状态变化回调，可为空
}

// Call 网关返回的通话信息
type Call struct {
	SID    string
	Status string
	To     string
	From   string
}

// Gateway 电话网关
type Gateway interface {
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)
}

// Twilio通话状态
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// CallOutcome 状态回调的归类
type CallOutcome int

const (
	OutcomePending CallOutcome = iota // 仍在进行中
	OutcomeAnswered
	OutcomeEnded
	OutcomeFailed
)

// String 实现字符串接口
func (o CallOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAnswered:
		return "answered"
	case OutcomeEnded:
		return "ended"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MapCallStatus 将Twilio状态映射为通话结果
func MapCallStatus(status string) CallOutcome {
	switch status {
	case CallStatusInProgress:
		return OutcomeAnswered
	case CallStatusCompleted:
		return OutcomeEnded
	case CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
