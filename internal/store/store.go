package store

import (
	"context"
	"errors"
	"time"

	"VoiceInterviewRelay/internal/session"
)

var (
	// ErrNotFound 会话不存在
	ErrNotFound = errors.New("interview not found")
	// ErrConflict 状态比较失败或迁移非法
	ErrConflict = errors.New("interview status conflict")
)

// DefaultListLimit 列表查询默认条数
const DefaultListLimit = 50

// Store 会话持久化存储，进程内共享，并发控制依赖存储自身
type Store interface {
	// Create 持久化新会话
	Create(ctx context.Context, s *session.Session) error
	// Get 读取会话（含完整发言记录）
	Get(ctx context.Context, id string) (*session.Session, error)
	// List 按开始时间倒序列出会话
	List(ctx context.Context, limit int) ([]*session.Session, error)
	// Transition 仅当当前状态为from时迁移到to；进入终止状态时写入结束时间
	Transition(ctx context.Context, id string, from, to session.Status, at time.Time) error
	// SetCallSID 记录通话引用
	SetCallSID(ctx context.Context, id, callSID string) error
	// AppendTurns 原子地按顺序追加发言
	AppendTurns(ctx context.Context, id string, turns ...session.Turn) error
	// Ping 健康检查
	Ping(ctx context.Context) error
}

// normalizeLimit 规范化列表条数
func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}
