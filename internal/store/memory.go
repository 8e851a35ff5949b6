package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"VoiceInterviewRelay/internal/session"
)

// MemoryStore 内存实现，用于本地开发和测试
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	// FailCreate 非nil时Create返回该错误（测试注入）
	FailCreate error
	// FailAppend 非nil时AppendTurns返回该错误（测试注入）
	FailAppend error
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Session),
	}
}

// Create 持久化新会话
func (m *MemoryStore) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrConflict, s.ID)
	}

	m.sessions[s.ID] = s.Clone()
	return nil
}

// Get 读取会话
func (m *MemoryStore) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// List 按开始时间倒序列出会话
func (m *MemoryStore) List(ctx context.Context, limit int) ([]*session.Session, error) {
	m.mu.RLock()
	list := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].StartTime.After(list[j].StartTime)
	})

	if limit = normalizeLimit(limit); len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Transition 比较并迁移状态
func (m *MemoryStore) Transition(ctx context.Context, id string, from, to session.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != from {
		return fmt.Errorf("%w: expected %s, got %s", ErrConflict, from, s.Status)
	}
	if err := s.Transition(to, at); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return nil
}

// SetCallSID 记录通话引用
func (m *MemoryStore) SetCallSID(ctx context.Context, id, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.CallSID = callSID
	return nil
}

// AppendTurns 按顺序追加发言
func (m *MemoryStore) AppendTurns(ctx context.Context, id string, turns ...session.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend != nil {
		return m.FailAppend
	}

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: interview is %s", ErrConflict, s.Status)
	}
	s.Append(turns...)
	return nil
}

// Ping 健康检查
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len 当前会话数量
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
