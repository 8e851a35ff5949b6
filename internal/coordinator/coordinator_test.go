package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceInterviewRelay/internal/engine"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/protocol"
	"VoiceInterviewRelay/internal/session"
	"VoiceInterviewRelay/internal/store"
)

type harness struct {
	coord   *Coordinator
	store   *store.MemoryStore
	gateway *fakeGateway
	engine  *fakeEngine
	sink    *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger.SetOutput(io.Discard)

	h := &harness{
		store:   store.NewMemoryStore(),
		gateway: &fakeGateway{},
		engine:  &fakeEngine{},
		sink:    &recordingSink{},
	}
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	coord, err := New(Options{
		Store:    h.store,
		Gateway:  h.gateway,
		Engine:   h.engine,
		BaseURL:  "https://relay.example.com/",
		Timeouts: DefaultTimeouts(),
		Now:      clock.Now,
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	id, err := h.coord.HandleStart(context.Background(), h.sink, StartRequest{PhoneNumber: "+15551234567", Topic: "system design"})
	require.NoError(t, err)
	return id
}

func (h *harness) get(t *testing.T, id string) *session.Session {
	t.Helper()
	sess, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func TestHandleStartEmitsCallInitiated(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)

	require.NotEmpty(t, id)
	msgs := h.sink.messages()
	require.Len(t, msgs, 1)
	initiated, ok := msgs[0].(*protocol.CallInitiated)
	require.True(t, ok)
	assert.Equal(t, protocol.EventCallInitiated, initiated.Event)
	assert.Equal(t, id, initiated.InterviewID)
	assert.Equal(t, "CA0001", initiated.CallSID)

	sess := h.get(t, id)
	assert.Equal(t, session.StatusStarting, sess.Status)
	assert.Equal(t, "system design", sess.Topic)
	assert.Equal(t, "+15551234567", sess.PhoneNumber)
	assert.Equal(t, "CA0001", sess.CallSID)
	assert.Nil(t, sess.EndTime)
	assert.Equal(t, 1, h.store.Len())

	req := h.gateway.lastRequest()
	assert.Equal(t, "+15551234567", req.To)
	assert.Equal(t, "https://relay.example.com/twiml?interviewId="+id, req.CallbackURL)
	assert.Equal(t, "https://relay.example.com/twilio/status?interviewId="+id, req.StatusCallbackURL)
}

func TestHandleStartValidation(t *testing.T) {
	h := newHarness(t)

	for _, req := range []StartRequest{{Topic: "go"}, {PhoneNumber: "+1555"}, {PhoneNumber: "  ", Topic: " "}} {
		_, err := h.coord.HandleStart(context.Background(), h.sink, req)
		assert.Equal(t, KindValidation, KindOf(err))
		assert.ErrorIs(t, err, ErrMissingFields)
	}

	assert.Equal(t, 0, h.store.Len())
	for _, msg := range h.sink.messages() {
		assert.IsType(t, &protocol.ErrorMessage{}, msg)
	}
	assert.Len(t, h.sink.messages(), 3)
}

func TestHandleStartGatewayFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errBoom

	id, err := h.coord.HandleStart(context.Background(), h.sink, StartRequest{PhoneNumber: "+15551234567", Topic: "go"})
	require.Error(t, err)
	assert.Equal(t, KindGateway, KindOf(err))
	assert.ErrorIs(t, err, errBoom)

	sess := h.get(t, id)
	assert.Equal(t, session.StatusFailed, sess.Status)
	require.NotNil(t, sess.EndTime)

	msgs := h.sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.NewError("Failed to start interview"), msgs[0])
	assert.Equal(t, 0, h.coord.Stats().ActiveSessions)
}

func TestHandleStartPersistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.store.FailCreate = errBoom

	_, err := h.coord.HandleStart(context.Background(), h.sink, StartRequest{PhoneNumber: "+15551234567", Topic: "go"})
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.Equal(t, 0, h.store.Len())
	assert.Empty(t, h.gateway.requests)
	require.Len(t, h.sink.messages(), 1)
	assert.IsType(t, &protocol.ErrorMessage{}, h.sink.messages()[0])
}

func TestLifecycleConfirmAndRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)

	require.NoError(t, h.coord.ConfirmConnected(ctx, id))
	assert.Equal(t, session.StatusInProgress, h.get(t, id).Status)
	// 重复回调
	require.NoError(t, h.coord.ConfirmConnected(ctx, id))

	require.NoError(t, h.coord.Release(ctx, id, true))
	sess := h.get(t, id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	require.NotNil(t, sess.EndTime)
	endTime := *sess.EndTime

	// 终止状态不可再迁移，EndTime不变
	err := h.coord.ConfirmConnected(ctx, id)
	assert.ErrorIs(t, err, ErrNotEligible)
	require.NoError(t, h.coord.Release(ctx, id, false))
	require.NoError(t, h.coord.HandleCallStatus(ctx, id, "failed"))
	sess = h.get(t, id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, endTime, *sess.EndTime)
	assert.Equal(t, 0, h.coord.Stats().ActiveSessions)
}

func TestReleaseAbnormalAndUnconfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	abnormal := h.start(t)
	require.NoError(t, h.coord.ConfirmConnected(ctx, abnormal))
	require.NoError(t, h.coord.Release(ctx, abnormal, false))
	assert.Equal(t, session.StatusFailed, h.get(t, abnormal).Status)

	unconfirmed := h.start(t)
	require.NoError(t, h.coord.Release(ctx, unconfirmed, true))
	assert.Equal(t, session.StatusFailed, h.get(t, unconfirmed).Status)
	assert.NotNil(t, h.get(t, unconfirmed).EndTime)
}

func TestHandleCallStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	busy := h.start(t)
	require.NoError(t, h.coord.HandleCallStatus(ctx, busy, "ringing"))
	assert.Equal(t, session.StatusStarting, h.get(t, busy).Status)
	require.NoError(t, h.coord.HandleCallStatus(ctx, busy, "busy"))
	assert.Equal(t, session.StatusFailed, h.get(t, busy).Status)

	done := h.start(t)
	require.NoError(t, h.coord.HandleCallStatus(ctx, done, "in-progress"))
	assert.Equal(t, session.StatusInProgress, h.get(t, done).Status)
	require.NoError(t, h.coord.HandleCallStatus(ctx, done, "completed"))
	assert.Equal(t, session.StatusCompleted, h.get(t, done).Status)

	err := h.coord.HandleCallStatus(ctx, "missing", "completed")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVoiceFrameAppendsTwoTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	require.NoError(t, h.coord.ConfirmConnected(ctx, id))
	require.Empty(t, h.get(t, id).Transcript)

	err := h.coord.HandleVoiceFrame(ctx, h.sink, VoiceFrame{SessionID: id, Topic: "system design", Audio: []byte{1, 2, 3}})
	require.NoError(t, err)

	transcript := h.get(t, id).Transcript
	require.Len(t, transcript, 2)
	assert.Equal(t, session.RoleUser, transcript[0].Role)
	assert.Equal(t, "answer 1", transcript[0].Content)
	assert.Equal(t, session.RoleAssistant, transcript[1].Role)
	assert.Equal(t, "Follow-up to answer 1", transcript[1].Content)
	assert.True(t, transcript[0].Timestamp.Before(transcript[1].Timestamp))

	responses := h.sink.aiResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "Follow-up to answer 1", responses[0].Text)
	assert.Equal(t, protocol.Audio("mp3:Follow-up to answer 1"), responses[0].Audio)

	assert.Equal(t, []string{engine.SystemPrompt("system design")}, h.engine.prompts)
	assert.Equal(t, session.StatusInProgress, h.get(t, id).Status)
}

func TestVoiceFrameSendsFullHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.coord.HandleVoiceFrame(ctx, h.sink, VoiceFrame{SessionID: id, Audio: []byte{1}}))
	}

	require.Len(t, h.engine.histories, 3)
	assert.Len(t, h.engine.histories[0], 1)
	assert.Len(t, h.engine.histories[1], 3)
	last := h.engine.histories[2]
	require.Len(t, last, 5)
	assert.Equal(t, session.RoleUser, last[0].Role)
	assert.Equal(t, session.RoleAssistant, last[1].Role)
	assert.Equal(t, "answer 3", last[4].Content)
	// 未携带主题时使用会话主题
	assert.Equal(t, engine.SystemPrompt("system design"), h.engine.prompts[2])
	assert.Len(t, h.get(t, id).Transcript, 6)
}

func TestVoiceFrameFailuresAreSilent(t *testing.T) {
	cases := []struct {
		name      string
		setup     func(h *harness)
		wantTurns int
		kind      Kind
	}{
		{"transcribe", func(h *harness) { h.engine.transcribeErr = errBoom }, 0, KindEngine},
		{"respond", func(h *harness) { h.engine.respondErr = errBoom }, 0, KindEngine},
		{"append", func(h *harness) { h.store.FailAppend = errBoom }, 0, KindPersistence},
		{"synthesize", func(h *harness) { h.engine.synthErr = errBoom }, 2, KindEngine},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			id := h.start(t)
			require.NoError(t, h.coord.ConfirmConnected(ctx, id))
			before := len(h.sink.messages())

			tc.setup(h)
			err := h.coord.HandleVoiceFrame(ctx, h.sink, VoiceFrame{SessionID: id, Audio: []byte{9}})
			assert.Equal(t, tc.kind, KindOf(err))

			assert.Len(t, h.get(t, id).Transcript, tc.wantTurns)
			assert.Len(t, h.sink.messages(), before, "no outbound message on voice failure")
			assert.Equal(t, session.StatusInProgress, h.get(t, id).Status)
			assert.Equal(t, int64(1), h.coord.Stats().VoiceDropped)
		})
	}
}

func TestVoiceFrameRejectedAfterTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	require.NoError(t, h.coord.Release(ctx, id, true))

	err := h.coord.HandleVoiceFrame(ctx, h.sink, VoiceFrame{SessionID: id, Audio: []byte{1}})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Empty(t, h.sink.aiResponses())
	assert.Equal(t, int32(0), h.engine.calls.Load())
}

func TestVoiceFrameAfterStoreTerminated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	require.NoError(t, h.coord.ConfirmConnected(ctx, id))

	// 另一个实例已结束会话，本地副本仍为in_progress
	require.NoError(t, h.store.Transition(ctx, id, session.StatusInProgress, session.StatusCompleted, time.Now()))

	err := h.coord.HandleVoiceFrame(ctx, h.sink, VoiceFrame{SessionID: id, Audio: []byte{1}})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Empty(t, h.sink.aiResponses())

	sess := h.get(t, id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Empty(t, sess.Transcript)
	assert.Equal(t, 0, h.coord.Stats().ActiveSessions)
}

func TestDetachDropsActiveCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	require.NoError(t, h.coord.ConfirmConnected(ctx, id))
	require.Equal(t, 1, h.coord.Stats().ActiveSessions)

	h.coord.Detach(id)
	assert.Equal(t, 0, h.coord.Stats().ActiveSessions)
	assert.Equal(t, session.StatusInProgress, h.get(t, id).Status)

	// 再次到达的语音帧从存储重新加载
	require.NoError(t, h.coord.HandleVoiceFrame(ctx, h.sink, VoiceFrame{SessionID: id, Audio: []byte{1}}))
	assert.Len(t, h.get(t, id).Transcript, 2)
	assert.Equal(t, 1, h.coord.Stats().ActiveSessions)

	h.coord.Detach("missing")
}

func TestVoiceFrameWithoutSession(t *testing.T) {
	h := newHarness(t)

	err := h.coord.HandleVoiceFrame(context.Background(), h.sink, VoiceFrame{Topic: "databases", Audio: []byte{1}})
	require.NoError(t, err)
	require.Len(t, h.sink.aiResponses(), 1)
	assert.Equal(t, engine.SystemPrompt("databases"), h.engine.prompts[0])
	assert.Equal(t, 0, h.store.Len())

	err = h.coord.HandleVoiceFrame(context.Background(), h.sink, VoiceFrame{SessionID: "nope", Audio: []byte{1}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = h.coord.HandleVoiceFrame(context.Background(), h.sink, VoiceFrame{Topic: "x"})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestVoiceFramesSerializedPerSession(t *testing.T) {
	h := newHarness(t)
	h.engine.delay = 10 * time.Millisecond
	id := h.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.coord.HandleVoiceFrame(context.Background(), h.sink, VoiceFrame{SessionID: id, Audio: []byte{1}})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.engine.maxInFlight.Load())
	transcript := h.get(t, id).Transcript
	require.Len(t, transcript, 10)
	for i, turn := range transcript {
		if i%2 == 0 {
			assert.Equal(t, session.RoleUser, turn.Role)
		} else {
			assert.Equal(t, session.RoleAssistant, turn.Role)
			assert.Equal(t, "Follow-up to "+transcript[i-1].Content, turn.Content)
		}
	}
}

func TestVoiceFrameTimeout(t *testing.T) {
	h := newHarness(t)
	timeouts := DefaultTimeouts()
	timeouts.Transcribe = 20 * time.Millisecond
	h.coord.SetTimeouts(timeouts)
	h.engine.block = true
	id := h.start(t)

	err := h.coord.HandleVoiceFrame(context.Background(), h.sink, VoiceFrame{SessionID: id, Audio: []byte{1}})
	assert.Equal(t, KindEngine, KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, h.get(t, id).Transcript)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Store: store.NewMemoryStore(), Gateway: &fakeGateway{}, Engine: &fakeEngine{}})
	assert.Error(t, err, "base url required")
}

func TestStatsCounters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.start(t)
	require.NoError(t, h.coord.ConfirmConnected(ctx, id))
	require.NoError(t, h.coord.HandleVoiceFrame(ctx, h.sink, VoiceFrame{SessionID: id, Audio: []byte{1}}))

	stats := h.coord.Stats()
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, int64(1), stats.StartsAccepted)
	assert.Equal(t, int64(1), stats.CallsConnected)
	assert.Equal(t, int64(1), stats.VoiceProcessed)

	require.NoError(t, h.coord.Release(ctx, id, true))
	stats = h.coord.Stats()
	assert.Equal(t, 0, stats.ActiveSessions)
	assert.Equal(t, int64(1), stats.SessionsEnded)
}
