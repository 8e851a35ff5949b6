package database

import (
	"context"
	"embed"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config 数据库配置
type Config struct {
	URL             string // 完整连接串，优先于下面的分项配置
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	ConnectTimeout  time.Duration // 单次连接+Ping超时
	ConnectRetryFor time.Duration // 启动时重试总时长
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		DBName:          "interviews",
		SSLMode:         "disable",
		MaxConns:        25,
		MinConns:        2,
		ConnectTimeout:  5 * time.Second,
		ConnectRetryFor: 30 * time.Second,
	}
}

// DSN 生成连接串
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Connect 创建连接池，启动阶段数据库未就绪时指数退避重试
func Connect(ctx context.Context, config *Config) (*pgxpool.Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 设置连接池参数
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	var pool *pgxpool.Pool
	attempt := 0
	operation := func() error {
		attempt++
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			// 配置错误重试无意义
			return backoff.Permanent(fmt.Errorf("failed to create connection pool: %w", err))
		}

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			log.Printf("Database ping failed (attempt %d): %v", attempt, err)
			return fmt.Errorf("failed to ping database: %w", err)
		}

		pool = p
		return nil
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxElapsedTime = config.ConnectRetryFor

	if err := backoff.Retry(operation, backoff.WithContext(backOff, ctx)); err != nil {
		return nil, err
	}

	log.Println("✅ PostgreSQL连接池创建成功")
	return pool, nil
}

// Migrate 使用goose执行内嵌的迁移脚本
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect failed: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations failed: %w", err)
	}

	log.Println("✅ 数据库迁移完成")
	return nil
}

// Close 关闭连接池
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
		log.Println("✅ PostgreSQL连接池已关闭")
	}
}

// PoolStats 连接池统计信息
func PoolStats(pool *pgxpool.Pool) map[string]interface{} {
	if pool == nil {
		return nil
	}

	stat := pool.Stat()
	return map[string]interface{}{
		"total_conns":    stat.TotalConns(),
		"idle_conns":     stat.IdleConns(),
		"acquired_conns": stat.AcquiredConns(),
		"max_conns":      stat.MaxConns(),
	}
}
