package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"VoiceInterviewRelay/internal/engine"
	"VoiceInterviewRelay/internal/protocol"
	"VoiceInterviewRelay/internal/session"
	"VoiceInterviewRelay/internal/telephony"
)

var errBoom = errors.New("boom")

type fakeGateway struct {
	mu       sync.Mutex
	requests []telephony.CallRequest
	err      error
	seq      int
}

func (g *fakeGateway) PlaceCall(ctx context.Context, req telephony.CallRequest) (*telephony.Call, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	g.seq++
	return &telephony.Call{SID: fmt.Sprintf("CA%04d", g.seq), Status: "queued", To: req.To}, nil
}

func (g *fakeGateway) lastRequest() telephony.CallRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type fakeEngine struct {
	mu        sync.Mutex
	prompts   []string
	histories [][]session.Turn

	transcribeErr error
	respondErr    error
	synthErr      error
	block         bool // 阻塞直到ctx结束
	delay         time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (e *fakeEngine) enter() func() {
	n := e.inFlight.Add(1)
	for {
		m := e.maxInFlight.Load()
		if n <= m || e.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { e.inFlight.Add(-1) }
}

func (e *fakeEngine) Transcribe(ctx context.Context, audio engine.Audio) (string, error) {
	defer e.enter()()
	if e.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.transcribeErr != nil {
		return "", e.transcribeErr
	}
	n := e.calls.Add(1)
	return fmt.Sprintf("answer %d", n), nil
}

func (e *fakeEngine) Respond(ctx context.Context, systemPrompt string, history []session.Turn) (string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, systemPrompt)
	e.histories = append(e.histories, append([]session.Turn(nil), history...))
	e.mu.Unlock()
	if e.respondErr != nil {
		return "", e.respondErr
	}
	return "Follow-up to " + history[len(history)-1].Content, nil
}

func (e *fakeEngine) Synthesize(ctx context.Context, text string) (engine.Speech, error) {
	if e.synthErr != nil {
		return engine.Speech{}, e.synthErr
	}
	return engine.Speech{Data: []byte("mp3:" + text), Format: "mp3"}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (s *recordingSink) Emit(msg interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) messages() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interface{}(nil), s.msgs...)
}

func (s *recordingSink) aiResponses() []*protocol.AIResponse {
	var out []*protocol.AIResponse
	for _, m := range s.messages() {
		if r, ok := m.(*protocol.AIResponse); ok {
			out = append(out, r)
		}
	}
	return out
}

// stepClock 每次调用前进一秒
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
