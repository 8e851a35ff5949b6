package session

import (
	"errors"
	"fmt"
	"time"
)

// Status 会话状态
type Status string

const (
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// String 实现字符串接口
func (s Status) String() string {
	return string(s)
}

// IsValid 检查状态是否有效
func (s Status) IsValid() bool {
	switch s {
	case StatusStarting, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 是否为终止状态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Role 发言角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid 检查角色是否有效
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRole       = errors.New("invalid turn role")
)

// Turn 对话中的一次发言，追加后不可修改
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn 创建一次发言
func NewTurn(role Role, content string, at time.Time) (Turn, error) {
	if !role.IsValid() {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return Turn{Role: role, Content: content, Timestamp: at}, nil
}

// Session 一次面试通话的完整记录
type Session struct {
	ID          string     `json:"id"`
	PhoneNumber string     `json:"phoneNumber"`
	Topic       string     `json:"topic"`
	Status      Status     `json:"status"`
	CallSID     string     `json:"callSid,omitempty"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Transcript  []Turn     `json:"transcript"`
}

// New 创建处于starting状态的会话
func New(id, phoneNumber, topic string, now time.Time) *Session {
	return &Session{
		ID:          id,
		PhoneNumber: phoneNumber,
		Topic:       topic,
		Status:      StatusStarting,
		StartTime:   now,
		Transcript:  []Turn{},
	}
}

// transitions 合法的状态迁移表
var transitions = map[Status][]Status{
	StatusStarting:   {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 迁移会话状态，进入终止状态时设置EndTime（仅一次）
func (s *Session) Transition(to Status, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	s.Status = to
	if to.IsTerminal() && s.EndTime == nil {
		end := at
		s.EndTime = &end
	}
	return nil
}

// Append 追加发言
func (s *Session) Append(turns ...Turn) {
	s.Transcript = append(s.Transcript, turns...)
}

// History 返回发言历史的副本，调用方修改不会影响会话
func (s *Session) History() []Turn {
	history := make([]Turn, len(s.Transcript))
	copy(history, s.Transcript)
	return history
}

// Clone 深拷贝会话
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	clone := *s
	clone.Transcript = s.History()
	if s.EndTime != nil {
		end := *s.EndTime
		clone.EndTime = &end
	}
	return &clone
}

// Duration 会话时长，未结束时以now计算
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}
