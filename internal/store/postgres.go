package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"VoiceInterviewRelay/internal/session"
)

// PostgresStore 基于pgx连接池的会话存储
// 每个会话一行，发言记录以JSONB数组内嵌保存
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建PostgreSQL存储
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectInterviewColumns = `id, phone_number, topic, status, call_sid, start_time, end_time, transcript`

// Create 持久化新会话
func (p *PostgresStore) Create(ctx context.Context, s *session.Session) error {
	transcript, err := json.Marshal(nonNilTurns(s.Transcript))
	if err != nil {
		return fmt.Errorf("marshal transcript failed: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO interviews (id, phone_number, topic, status, call_sid, start_time, end_time, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
		s.ID, s.PhoneNumber, s.Topic, string(s.Status), s.CallSID, s.StartTime, s.EndTime, transcript,
	)
	if err != nil {
		return fmt.Errorf("insert interview failed: %w", err)
	}
	return nil
}

// Get 读取会话
func (p *PostgresStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectInterviewColumns+` FROM interviews WHERE id = $1`, id)

	s, err := scanInterview(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query interview failed: %w", err)
	}
	return s, nil
}

// List 按开始时间倒序列出会话
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*session.Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+selectInterviewColumns+` FROM interviews ORDER BY start_time DESC LIMIT $1`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query interviews failed: %w", err)
	}
	defer rows.Close()

	var list []*session.Session
	for rows.Next() {
		s, err := scanInterview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interview failed: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interviews failed: %w", err)
	}
	return list, nil
}

// Transition 比较并迁移状态，end_time只在首次进入终止状态时写入
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to session.Status, at time.Time) error {
	if !session.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE interviews
		SET status = $3,
		    end_time = CASE WHEN $4::boolean AND end_time IS NULL THEN $5 ELSE end_time END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), to.IsTerminal(), at,
	)
	if err != nil {
		return fmt.Errorf("update interview status failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = p.pool.QueryRow(ctx, `SELECT status FROM interviews WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query interview status failed: %w", err)
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrConflict, from, current)
}

// SetCallSID 记录通话引用
func (p *PostgresStore) SetCallSID(ctx context.Context, id, callSID string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE interviews SET call_sid = $2 WHERE id = $1`, id, callSID)
	if err != nil {
		return fmt.Errorf("update call sid failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurns 单条语句追加发言，保证顺序与原子性
func (p *PostgresStore) AppendTurns(ctx context.Context, id string, turns ...session.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	payload, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal turns failed: %w", err)
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE interviews SET transcript = transcript || $2::jsonb
		WHERE id = $1 AND status NOT IN ($3, $4)`,
		id, payload, string(session.StatusCompleted), string(session.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("append turns failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = p.pool.QueryRow(ctx, `SELECT status FROM interviews WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query interview status failed: %w", err)
	}
	return fmt.Errorf("%w: interview is %s", ErrConflict, current)
}

// Ping 健康检查
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// scanInterview 从一行结果解析会话
func scanInterview(row pgx.Row) (*session.Session, error) {
	var (
		s          session.Session
		status     string
		transcript []byte
	)

	err := row.Scan(&s.ID, &s.PhoneNumber, &s.Topic, &status, &s.CallSID, &s.StartTime, &s.EndTime, &transcript)
	if err != nil {
		return nil, err
	}

	s.Status = session.Status(status)
	s.Transcript = []session.Turn{}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &s.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript failed: %w", err)
		}
	}
	return &s, nil
}

func nonNilTurns(turns []session.Turn) []session.Turn {
	if turns == nil {
		return []session.Turn{}
	}
	return turns
}
