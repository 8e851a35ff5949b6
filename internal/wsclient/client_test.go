package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceInterviewRelay/internal/protocol"
)

// scriptedServer 按消息类型应答的最小通道服务端
func scriptedServer(t *testing.T, dropFirst bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var accepted atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if accepted.Add(1) == 1 && dropFirst {
			return
		}

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				frame, err := protocol.DecodeFrame(data)
				if err != nil {
					return
				}
				var meta protocol.VoiceMeta
				audio, err := protocol.DecodeMedia(frame.Body, &meta)
				if err != nil {
					return
				}
				reply, _ := protocol.EncodeAIResponseFrame(protocol.ResponseMeta{Text: "heard " + meta.Topic, Format: "wav"}, audio)
				conn.WriteMessage(websocket.BinaryMessage, reply)
				continue
			}

			msg, err := protocol.DecodeInbound(data)
			if err != nil {
				return
			}
			switch msg.Event {
			case protocol.EventStartInterview:
				conn.WriteJSON(protocol.NewCallInitiated("iv-1", "CA1"))
			case protocol.EventVoiceData:
				conn.WriteJSON(protocol.NewAIResponse("reply", msg.Audio, "mp3"))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &accepted
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url string) (*Client, chan Event) {
	t.Helper()
	cfg := DefaultClientConfig(url)
	cfg.ReconnectInterval = 20 * time.Millisecond
	client := New(cfg)
	events := make(chan Event, 8)
	client.SetEventHandler(func(e Event) { events <- e })
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client, events
}

func next(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestStartAndVoice(t *testing.T) {
	srv, _ := scriptedServer(t, false)
	client, events := connect(t, wsURL(srv))

	require.NoError(t, client.StartInterview("+15551234567", "go"))
	e := next(t, events)
	assert.Equal(t, protocol.EventCallInitiated, e.Event)
	assert.Equal(t, "iv-1", e.InterviewID)
	assert.Equal(t, "CA1", e.CallSID)

	require.NoError(t, client.SendVoice("iv-1", "", []byte{1, 2, 3}, "wav"))
	e = next(t, events)
	assert.Equal(t, protocol.EventAIResponse, e.Event)
	assert.Equal(t, []byte{1, 2, 3}, []byte(e.Audio))
	assert.False(t, e.Binary)

	require.NoError(t, client.SendVoiceFrame(protocol.VoiceMeta{Topic: "go"}, []byte{9}))
	e = next(t, events)
	assert.Equal(t, "heard go", e.Text)
	assert.Equal(t, []byte{9}, []byte(e.Audio))
	assert.True(t, e.Binary)

	stats := client.GetStats()
	assert.Equal(t, int64(3), stats["messages_sent"])
	assert.Equal(t, int64(3), stats["messages_recv"])
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv, accepted := scriptedServer(t, true)
	client, events := connect(t, wsURL(srv))

	require.Eventually(t, func() bool {
		return client.Reconnects() == 1 && client.State() == StateConnected
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), accepted.Load())

	require.NoError(t, client.StartInterview("+15551234567", "go"))
	assert.Equal(t, protocol.EventCallInitiated, next(t, events).Event)
}

func TestSendWhenClosed(t *testing.T) {
	srv, _ := scriptedServer(t, false)
	client, _ := connect(t, wsURL(srv))

	require.NoError(t, client.Close())
	assert.Equal(t, StateClosed, client.State())
	assert.ErrorIs(t, client.StartInterview("+1", "go"), ErrNotConnected)
}

func TestDecodeEvent(t *testing.T) {
	body, err := json.Marshal(protocol.NewError("invalid message"))
	require.NoError(t, err)

	e, err := DecodeEvent(websocket.BinaryMessage, protocol.EncodeFrame(protocol.OpError, body))
	require.NoError(t, err)
	assert.Equal(t, protocol.EventError, e.Event)
	assert.Equal(t, "invalid message", e.Message)

	_, err = DecodeEvent(websocket.BinaryMessage, protocol.EncodeFrame(protocol.OpVoiceData, nil))
	assert.Error(t, err)

	_, err = DecodeEvent(websocket.TextMessage, []byte("{"))
	assert.Error(t, err)
}
