package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReloadFunc 配置文件变化且校验通过后回调
type ReloadFunc func(cfg *RelayConfig)

// Manager 持有当前配置并监控配置文件
// 热更新只对超时和切句参数生效，其余项需要重启
type Manager struct {
	mu       sync.RWMutex
	current  *RelayConfig
	viper    *viper.Viper
	path     string
	onReload []ReloadFunc
	reloads  int
	rejected int
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 指定配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// WithReloadHook 注册热更新回调
func WithReloadHook(fn ReloadFunc) ManagerOption {
	return func(m *Manager) {
		m.onReload = append(m.onReload, fn)
	}
}

// NewManager 加载配置并创建管理器
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}

	cfg, v, err := load(m.path)
	if err != nil {
		return nil, err
	}
	m.current = cfg
	m.viper = v
	return m, nil
}

// Config 当前配置
func (m *Manager) Config() *RelayConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ConfigFile 实际使用的配置文件，未找到时为空
func (m *Manager) ConfigFile() string {
	return m.viper.ConfigFileUsed()
}

// OnReload 注册热更新回调
func (m *Manager) OnReload(fn ReloadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Watch 开始监控配置文件，没有配置文件时返回false
func (m *Manager) Watch() bool {
	if m.viper.ConfigFileUsed() == "" {
		return false
	}

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.Reload(); err != nil {
			log.Printf("配置热更新被拒绝 (%s): %v", e.Name, err)
			return
		}
		log.Printf("配置已热更新: %s", e.Name)
	})
	m.viper.WatchConfig()
	return true
}

// Reload 用viper中最新的内容更新可热更新项
func (m *Manager) Reload() error {
	next, err := unmarshal(m.viper)
	if err != nil {
		m.markRejected()
		return err
	}
	if err := next.validateTunables(); err != nil {
		m.markRejected()
		return fmt.Errorf("invalid tunables: %w", err)
	}

	m.mu.Lock()
	merged := *m.current
	merged.Timeouts = next.Timeouts
	merged.VAD = next.VAD
	m.current = &merged
	m.reloads++
	hooks := append([]ReloadFunc(nil), m.onReload...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(&merged)
	}
	return nil
}

func (m *Manager) markRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

// GetConfigSummary 配置摘要，不含密钥
func (m *Manager) GetConfigSummary() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := m.current
	return map[string]interface{}{
		"config_file":    m.viper.ConfigFileUsed(),
		"port":           cfg.Server.Port,
		"base_url":       cfg.Server.BaseURL,
		"database":       cfg.Database.URL != "",
		"grpc_addr":      cfg.GRPC.Addr,
		"reloads":        m.reloads,
		"reload_rejects": m.rejected,
	}
}
