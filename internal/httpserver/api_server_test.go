package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceInterviewRelay/internal/coordinator"
	"VoiceInterviewRelay/internal/engine"
	"VoiceInterviewRelay/internal/logger"
	"VoiceInterviewRelay/internal/session"
	"VoiceInterviewRelay/internal/store"
	"VoiceInterviewRelay/internal/telephony"
)

type stubGateway struct{}

func (stubGateway) PlaceCall(ctx context.Context, req telephony.CallRequest) (*telephony.Call, error) {
	return &telephony.Call{SID: "CA1", Status: "queued"}, nil
}

type stubEngine struct{}

func (stubEngine) Transcribe(ctx context.Context, a engine.Audio) (string, error) { return "hi", nil }
func (stubEngine) Respond(ctx context.Context, p string, h []session.Turn) (string, error) {
	return "hello", nil
}
func (stubEngine) Synthesize(ctx context.Context, text string) (engine.Speech, error) {
	return engine.Speech{Data: []byte("x"), Format: "mp3"}, nil
}

type fixture struct {
	api   *APIServer
	store *store.MemoryStore
	coord *coordinator.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.SetOutput(io.Discard)

	st := store.NewMemoryStore()
	coord, err := coordinator.New(coordinator.Options{
		Store:   st,
		Gateway: stubGateway{},
		Engine:  stubEngine{},
		BaseURL: "https://relay.example.com",
	})
	require.NoError(t, err)

	api := NewAPIServer(Options{Addr: ":0", Coordinator: coord, Store: st})
	return &fixture{api: api, store: st, coord: coord}
}

func (f *fixture) startInterview(t *testing.T) string {
	t.Helper()
	id, err := f.coord.HandleStart(context.Background(), nil, coordinator.StartRequest{PhoneNumber: "+15551234567", Topic: "system design"})
	require.NoError(t, err)
	return id
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) status(t *testing.T, id string) session.Status {
	sess, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sess.Status
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestTwiMLConfirmsSession(t *testing.T) {
	f := newFixture(t)
	id := f.startInterview(t)

	req := httptest.NewRequest(http.MethodPost, "/twiml?interviewId="+id, nil)
	req.Host = "relay.example.com"
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `<Stream url="wss://relay.example.com/voice">`)
	assert.Contains(t, body, `<Parameter name="interviewId" value="`+id+`">`)
	assert.Contains(t, body, `<Parameter name="topic" value="system design">`)
	assert.Equal(t, session.StatusInProgress, f.status(t, id))
}

func TestTwiMLWithoutInterview(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/twiml", nil)
	req.Host = "abc.ngrok.io"
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<Connect><Stream url="wss://abc.ngrok.io/voice">`)
	assert.NotContains(t, rec.Body.String(), "Parameter")
}

func TestTwiMLHangsUpEndedInterview(t *testing.T) {
	f := newFixture(t)
	id := f.startInterview(t)
	require.NoError(t, f.coord.Release(context.Background(), id, true))

	rec := f.do(httptest.NewRequest(http.MethodPost, "/twiml?interviewId="+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Hangup>")
	assert.NotContains(t, rec.Body.String(), "<Stream")

	rec = f.do(httptest.NewRequest(http.MethodPost, "/twiml?interviewId=unknown", nil))
	assert.Contains(t, rec.Body.String(), "<Hangup>")
}

func TestTwiMLRejectsGet(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/twiml", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestCallStatusCallback(t *testing.T) {
	f := newFixture(t)
	id := f.startInterview(t)

	rec := f.do(postForm("/twilio/status?interviewId="+id, url.Values{"CallStatus": {"no-answer"}, "CallSid": {"CA1"}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, session.StatusFailed, f.status(t, id))

	rec = f.do(postForm("/twilio/status?interviewId="+id, url.Values{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(postForm("/twilio/status?interviewId=missing", url.Values{"CallStatus": {"completed"}}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInterviewQueries(t *testing.T) {
	f := newFixture(t)
	first := f.startInterview(t)
	f.startInterview(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/interviews?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 2)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/interviews/"+first, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeResponse(t, rec)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, first, data["id"])
	assert.Equal(t, "starting", data["status"])
	assert.Equal(t, "CA1", data["callSid"])

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/interviews/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeResponse(t, rec).Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/interviews?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)
	f.startInterview(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResponse(t, rec).Success)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeResponse(t, rec).Data.(map[string]interface{})
	coord := data["coordinator"].(map[string]interface{})
	assert.Equal(t, float64(1), coord["starts_accepted"])
	assert.Contains(t, data, "http")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/interviews", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := f.do(req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
