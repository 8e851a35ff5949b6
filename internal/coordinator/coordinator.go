// Package coordinator 会话协调器：把入站控制消息转换为会话状态迁移，
// 并按顺序调用电话网关与对话引擎，把结果写回通道和存储
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"VoiceInterviewRelay/internal/engine"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/protocol"
	"VoiceInterviewRelay/internal/session"
	"VoiceInterviewRelay/internal/store"
	"VoiceInterviewRelay/internal/telephony"
)

const logModule = "Coordinator"

// 返回给客户端的错误文案
const (
	msgStartFailed = "Failed to start interview"
)

// Sink 出站消息通道
type Sink interface {
	Emit(msg interface{}) error
}

// SinkFunc 函数适配器
type SinkFunc func(msg interface{}) error

// Emit 实现Sink
func (f SinkFunc) Emit(msg interface{}) error {
	return f(msg)
}

// Timeouts 外部调用超时，0表示不限
type Timeouts struct {
	Store      time.Duration
	Gateway    time.Duration
	Transcribe time.Duration
	Respond    time.Duration
	Synthesize time.Duration
}

// DefaultTimeouts 默认超时
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Store:      5 * time.Second,
		Gateway:    15 * time.Second,
		Transcribe: 20 * time.Second,
		Respond:    30 * time.Second,
		Synthesize: 20 * time.Second,
	}
}

// Options 协调器依赖
type Options struct {
	Store    store.Store
	Gateway  telephony.Gateway
	Engine   engine.Engine
	BaseURL  string // 网关回调使用的公网地址
	Timeouts Timeouts
	Now      func() time.Time
	NewID    func() string
}

// StartRequest start_interview请求
type StartRequest struct {
	PhoneNumber string
	Topic       string
}

// VoiceFrame 一段待处理的语音
type VoiceFrame struct {
	SessionID string
	Topic     string
	Audio     []byte
	Format    string
}

// Stats 协调器计数
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	StartsAccepted int64 `json:"starts_accepted"`
	StartsFailed   int64 `json:"starts_failed"`
	CallsConnected int64 `json:"calls_connected"`
	VoiceProcessed int64 `json:"voice_processed"`
	VoiceDropped   int64 `json:"voice_dropped"`
	SessionsEnded  int64 `json:"sessions_ended"`
	SessionsFailed int64 `json:"sessions_failed"`
}

// activeSession 协调器持有的会话内存副本
type activeSession struct {
	pipeline sync.Mutex // 串行处理同一会话的语音帧
	mu       sync.Mutex
	sess     *session.Session
}

func (a *activeSession) snapshot() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess.Clone()
}

// Coordinator 会话协调器
type Coordinator struct {
	store    store.Store
	gateway  telephony.Gateway
	engine   engine.Engine
	baseURL  string
	now      func() time.Time
	newID    func() string
	timeouts atomic.Pointer[Timeouts]

	mu     sync.RWMutex
	active map[string]*activeSession

	startsAccepted atomic.Int64
	startsFailed   atomic.Int64
	callsConnected atomic.Int64
	voiceProcessed atomic.Int64
	voiceDropped   atomic.Int64
	sessionsEnded  atomic.Int64
	sessionsFailed atomic.Int64
}

// New 创建协调器
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("telephony gateway is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("conversation engine is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("callback base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid callback base url: %w", err)
	}

	c := &Coordinator{
		store:   opts.Store,
		gateway: opts.Gateway,
		engine:  opts.Engine,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     opts.Now,
		newID:   opts.NewID,
		active:  make(map[string]*activeSession),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	c.SetTimeouts(opts.Timeouts)
	return c, nil
}

// SetTimeouts 更新外部调用超时，配置热更新时调用
func (c *Coordinator) SetTimeouts(t Timeouts) {
	c.timeouts.Store(&t)
}

// Timeouts 当前超时配置
func (c *Coordinator) Timeouts() Timeouts {
	return *c.timeouts.Load()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// HandleStart 创建会话并发起外呼，返回会话ID
// 失败时向sink发送error事件；外呼失败的会话被标记为failed
func (c *Coordinator) HandleStart(ctx context.Context, sink Sink, req StartRequest) (string, error) {
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.Topic = strings.TrimSpace(req.Topic)
	if req.PhoneNumber == "" || req.Topic == "" {
		c.startsFailed.Add(1)
		c.emit(sink, protocol.NewError(ErrMissingFields.Error()), "")
		return "", newError(KindValidation, "start", "", ErrMissingFields)
	}

	timeouts := c.Timeouts()
	sess := session.New(c.newID(), req.PhoneNumber, req.Topic, c.now())

	storeCtx, cancel := withTimeout(ctx, timeouts.Store)
	err := c.store.Create(storeCtx, sess)
	cancel()
	if err != nil {
		c.startsFailed.Add(1)
		logger.LogError(logModule, fmt.Sprintf("持久化会话失败: %v", err), sess.ID)
		c.emit(sink, protocol.NewError(msgStartFailed), sess.ID)
		return "", newError(KindPersistence, "start", sess.ID, err)
	}

	// 先登记再外呼，网关回调可能早于外呼返回
	c.register(sess)

	gwCtx, cancel := withTimeout(ctx, timeouts.Gateway)
	call, err := c.gateway.PlaceCall(gwCtx, telephony.CallRequest{
		To:                sess.PhoneNumber,
		CallbackURL:       c.callbackURL("/twiml", sess.ID),
		StatusCallbackURL: c.callbackURL("/twilio/status", sess.ID),
	})
	cancel()
	if err != nil {
		c.startsFailed.Add(1)
		logger.LogError(logModule, fmt.Sprintf("外呼失败: %v", err), sess.ID)
		if terr := c.transition(ctx, sess.ID, session.StatusStarting, session.StatusFailed); terr != nil {
			logger.LogError(logModule, fmt.Sprintf("标记会话失败状态出错: %v", terr), sess.ID)
		}
		c.emit(sink, protocol.NewError(msgStartFailed), sess.ID)
		return sess.ID, newError(KindGateway, "start", sess.ID, err)
	}

	storeCtx, cancel = withTimeout(ctx, timeouts.Store)
	err = c.store.SetCallSID(storeCtx, sess.ID, call.SID)
	cancel()
	if err != nil {
		// 通话已发起，记录通话引用失败不影响会话
		logger.LogWarning(logModule, fmt.Sprintf("记录通话引用失败: %v", err), sess.ID)
	}
	if a := c.lookup(sess.ID); a != nil {
		a.mu.Lock()
		a.sess.CallSID = call.SID
		a.mu.Unlock()
	}

	c.startsAccepted.Add(1)
	logger.LogSuccess(logModule, fmt.Sprintf("已向 %s 发起面试呼叫 (%s), 主题: %s", sess.PhoneNumber, call.SID, sess.Topic), sess.ID)
	c.emit(sink, protocol.NewCallInitiated(sess.ID, call.SID), sess.ID)
	return sess.ID, nil
}

// ConfirmConnected 网关确认通话接通，starting -> in_progress
// 已处于in_progress时视为重复回调，直接返回
func (c *Coordinator) ConfirmConnected(ctx context.Context, id string) error {
	current, err := c.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	switch current {
	case session.StatusInProgress:
		return nil
	case session.StatusStarting:
	default:
		return newError(KindValidation, "confirm", id, fmt.Errorf("%w: status %s", ErrNotEligible, current))
	}

	if err := c.transition(ctx, id, session.StatusStarting, session.StatusInProgress); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if status, serr := c.currentStatus(ctx, id); serr == nil && status == session.StatusInProgress {
				return nil
			}
			return newError(KindValidation, "confirm", id, fmt.Errorf("%w: %v", ErrNotEligible, err))
		}
		return err
	}

	c.callsConnected.Add(1)
	logger.LogInfo(logModule, "通话已接通", id)
	return nil
}

// HandleCallStatus 处理网关状态回调
func (c *Coordinator) HandleCallStatus(ctx context.Context, id, callStatus string) error {
	outcome := telephony.MapCallStatus(callStatus)
	if outcome == telephony.OutcomePending {
		return nil
	}
	if outcome == telephony.OutcomeAnswered {
		return c.ConfirmConnected(ctx, id)
	}

	current, err := c.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if current.IsTerminal() {
		return nil
	}

	target := session.StatusFailed
	if outcome == telephony.OutcomeEnded && current == session.StatusInProgress {
		target = session.StatusCompleted
	}

	if err := c.transition(ctx, id, current, target); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	logger.LogInfo(logModule, fmt.Sprintf("通话状态 %s, 会话 -> %s", callStatus, target), id)
	return nil
}

// Release 客户端通道关闭时调用：in_progress按关闭方式完成或失败，starting标记失败
// 之后丢弃内存中的会话
func (c *Coordinator) Release(ctx context.Context, id string, normal bool) error {
	defer c.unregister(id)

	current, err := c.currentStatus(ctx, id)
	if err != nil {
		return err
	}

	var target session.Status
	switch current {
	case session.StatusInProgress:
		target = session.StatusFailed
		if normal {
			target = session.StatusCompleted
		}
	case session.StatusStarting:
		target = session.StatusFailed
	default:
		return nil
	}

	if err := c.transition(ctx, id, current, target); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	logger.LogInfo(logModule, fmt.Sprintf("通道关闭, 会话 -> %s", target), id)
	return nil
}

// Detach 丢弃会话的内存副本，不改变其存储状态
// 媒体流结束且没有客户端通道持有该会话时调用，之后的语音帧会重新从存储加载
func (c *Coordinator) Detach(id string) {
	c.unregister(id)
}

// Session 读取会话，优先返回内存副本
func (c *Coordinator) Session(ctx context.Context, id string) (*session.Session, error) {
	if a := c.lookup(id); a != nil {
		return a.snapshot(), nil
	}
	storeCtx, cancel := withTimeout(ctx, c.Timeouts().Store)
	defer cancel()
	return c.store.Get(storeCtx, id)
}

// Stats 返回协调器计数
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	active := len(c.active)
	c.mu.RUnlock()

	return Stats{
		ActiveSessions: active,
		StartsAccepted: c.startsAccepted.Load(),
		StartsFailed:   c.startsFailed.Load(),
		CallsConnected: c.callsConnected.Load(),
		VoiceProcessed: c.voiceProcessed.Load(),
		VoiceDropped:   c.voiceDropped.Load(),
		SessionsEnded:  c.sessionsEnded.Load(),
		SessionsFailed: c.sessionsFailed.Load(),
	}
}

func (c *Coordinator) callbackURL(path, id string) string {
	return c.baseURL + path + "?interviewId=" + url.QueryEscape(id)
}

func (c *Coordinator) emit(sink Sink, msg interface{}, id string) {
	if sink == nil {
		return
	}
	if err := sink.Emit(msg); err != nil {
		logger.LogWarning(logModule, fmt.Sprintf("发送消息失败: %v", err), id)
	}
}

// currentStatus 读取会话状态，内存优先
func (c *Coordinator) currentStatus(ctx context.Context, id string) (session.Status, error) {
	if a := c.lookup(id); a != nil {
		a.mu.Lock()
		status := a.sess.Status
		a.mu.Unlock()
		return status, nil
	}

	storeCtx, cancel := withTimeout(ctx, c.Timeouts().Store)
	defer cancel()
	sess, err := c.store.Get(storeCtx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", newError(KindValidation, "lookup", id, err)
		}
		return "", newError(KindPersistence, "lookup", id, err)
	}
	return sess.Status, nil
}

// transition 在存储上做比较并迁移，成功后同步内存副本；进入终止状态后丢弃内存副本
func (c *Coordinator) transition(ctx context.Context, id string, from, to session.Status) error {
	at := c.now()
	storeCtx, cancel := withTimeout(ctx, c.Timeouts().Store)
	err := c.store.Transition(storeCtx, id, from, to, at)
	cancel()
	if err != nil {
		return newError(KindPersistence, "transition", id, err)
	}

	if a := c.lookup(id); a != nil {
		a.mu.Lock()
		if err := a.sess.Transition(to, at); err != nil {
			logger.LogWarning(logModule, fmt.Sprintf("内存状态不同步: %v", err), id)
			a.sess.Status = to
		}
		a.mu.Unlock()
	}

	switch to {
	case session.StatusCompleted:
		c.sessionsEnded.Add(1)
		c.unregister(id)
	case session.StatusFailed:
		c.sessionsFailed.Add(1)
		c.unregister(id)
	}
	return nil
}

func (c *Coordinator) register(sess *session.Session) *activeSession {
	a := &activeSession{sess: sess.Clone()}
	c.mu.Lock()
	c.active[sess.ID] = a
	c.mu.Unlock()
	return a
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func (c *Coordinator) lookup(id string) *activeSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[id]
}
