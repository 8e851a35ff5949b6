package coordinator

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind int

const (
	KindValidation  Kind = iota + 1 // 入站消息不合法
	KindPersistence                 // 存储不可用或写入被拒绝
	KindGateway                     // 电话网关拒绝外呼
	KindEngine                      // 转写/回复/合成任一步失败
)

// String 实现字符串接口
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindGateway:
		return "gateway"
	case KindEngine:
		return "engine"
	default:
		return "unknown"
	}
}

var (
	// ErrMissingFields start_interview缺少必填字段
	ErrMissingFields = errors.New("phoneNumber and topic are required")
	// ErrNotEligible 会话当前状态不允许该操作
	ErrNotEligible = errors.New("interview not eligible")
	// ErrSessionClosed 会话已结束
	ErrSessionClosed = errors.New("interview already ended")
)

// Error 协调器错误，Kind决定对客户端的可见行为
type Error struct {
	Kind      Kind
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Kind, e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 取出错误分类，非协调器错误返回0
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

func newError(kind Kind, op, sessionID string, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Err: err}
}
