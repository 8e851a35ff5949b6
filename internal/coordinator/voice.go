package coordinator

import (
	"context"
	"errors"
	"fmt"

	"VoiceInterviewRelay/internal/engine"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/protocol"
	"VoiceInterviewRelay/internal/session"
	"VoiceInterviewRelay/internal/store"
)

// HandleVoiceFrame 处理一段语音：转写 -> 回复 -> 合成 -> 发送ai_response
// 任何一步失败都只记录日志并丢弃该帧，不向客户端发送error
// 用户与助手两条发言在回复成功后一次性追加，失败的帧不会留下半轮对话
func (c *Coordinator) HandleVoiceFrame(ctx context.Context, sink Sink, frame VoiceFrame) error {
	err := c.processVoice(ctx, sink, frame)
	if err != nil {
		c.voiceDropped.Add(1)
		logger.LogError(logModule, fmt.Sprintf("语音帧已丢弃: %v", err), frame.SessionID)
		return err
	}
	c.voiceProcessed.Add(1)
	return nil
}

func (c *Coordinator) processVoice(ctx context.Context, sink Sink, frame VoiceFrame) error {
	if len(frame.Audio) == 0 {
		return newError(KindValidation, "voice", frame.SessionID, errors.New("empty audio"))
	}

	var a *activeSession
	if frame.SessionID != "" {
		var err error
		if a, err = c.attach(ctx, frame.SessionID); err != nil {
			return err
		}
		a.pipeline.Lock()
		defer a.pipeline.Unlock()
	}

	var history []session.Turn
	topic := frame.Topic
	if a != nil {
		a.mu.Lock()
		status := a.sess.Status
		history = a.sess.History()
		if topic == "" {
			topic = a.sess.Topic
		}
		a.mu.Unlock()
		if status.IsTerminal() {
			return newError(KindValidation, "voice", frame.SessionID, ErrSessionClosed)
		}
	}
	timeouts := c.Timeouts()

	tctx, cancel := withTimeout(ctx, timeouts.Transcribe)
	text, err := c.engine.Transcribe(tctx, engine.Audio{Data: frame.Audio, Format: frame.Format})
	cancel()
	if err != nil {
		return newError(KindEngine, "transcribe", frame.SessionID, err)
	}

	userTurn, _ := session.NewTurn(session.RoleUser, text, c.now())
	history = append(history, userTurn)

	rctx, cancel := withTimeout(ctx, timeouts.Respond)
	reply, err := c.engine.Respond(rctx, engine.SystemPrompt(topic), history)
	cancel()
	if err != nil {
		return newError(KindEngine, "respond", frame.SessionID, err)
	}
	assistantTurn, _ := session.NewTurn(session.RoleAssistant, reply, c.now())

	if a != nil {
		sctx, cancel := withTimeout(ctx, timeouts.Store)
		err := c.store.AppendTurns(sctx, frame.SessionID, userTurn, assistantTurn)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
				c.unregister(frame.SessionID)
			}
			if errors.Is(err, store.ErrConflict) {
				return newError(KindValidation, "append", frame.SessionID, ErrSessionClosed)
			}
			return newError(KindPersistence, "append", frame.SessionID, err)
		}
		a.mu.Lock()
		a.sess.Append(userTurn, assistantTurn)
		a.mu.Unlock()
	}

	sctx, cancel := withTimeout(ctx, timeouts.Synthesize)
	speech, err := c.engine.Synthesize(sctx, reply)
	cancel()
	if err != nil {
		return newError(KindEngine, "synthesize", frame.SessionID, err)
	}

	c.emit(sink, protocol.NewAIResponse(reply, speech.Data, speech.Format), frame.SessionID)
	return nil
}

// attach 取得会话的内存副本，不在内存中时从存储加载（例如媒体流先于客户端通道到达）
func (c *Coordinator) attach(ctx context.Context, id string) (*activeSession, error) {
	if a := c.lookup(id); a != nil {
		return a, nil
	}

	storeCtx, cancel := withTimeout(ctx, c.Timeouts().Store)
	sess, err := c.store.Get(storeCtx, id)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindValidation, "voice", id, err)
		}
		return nil, newError(KindPersistence, "voice", id, err)
	}
	if sess.Status.IsTerminal() {
		return nil, newError(KindValidation, "voice", id, ErrSessionClosed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.active[id]; ok {
		return a, nil
	}
	a := &activeSession{sess: sess}
	c.active[id] = a
	return a, nil
}
