package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

func startHub(t *testing.T, opts HubOptions) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(opts, zap.NewNop())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.done
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func readOutbound(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg outbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_PublishReachesClients(t *testing.T) {
	h, srv := startHub(t, HubOptions{})
	conn := dial(t, srv, nil)
	waitClients(t, h, 1)

	err := h.Publish(context.Background(), schemas.ProgressEvent{Type: schemas.EventStepCompleted, SessionID: "s1", Step: 3})
	require.NoError(t, err)

	msg := readOutbound(t, conn)
	assert.Equal(t, schemas.EventStepCompleted, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, 3, msg.Event.Step)
	assert.Equal(t, "s1", msg.Event.SessionID)
}

func TestHub_RequestInputRoundTrip(t *testing.T) {
	h, srv := startHub(t, HubOptions{})
	conn := dial(t, srv, nil)
	waitClients(t, h, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answers, err := h.RequestInput(ctx, schemas.UserInputRequest{
		RequestID: "req-1",
		Inputs: []schemas.InputRequest{
			{InputKey: "email", InputType: "email"},
			{InputKey: "password", InputType: "password"},
		},
	})
	require.NoError(t, err)

	msg := readOutbound(t, conn)
	assert.Equal(t, schemas.EventInputRequested, msg.Type)
	require.NotNil(t, msg.Request)
	assert.Equal(t, "req-1", msg.Request.RequestID)

	require.NoError(t, conn.WriteJSON(inbound{Type: MessageInputAnswer, RequestID: "req-1", InputKey: "email", Value: "a@b.c"}))
	require.NoError(t, conn.WriteJSON(inbound{Type: MessageInputAnswer, RequestID: "req-1", Answers: map[string]string{"password": "pw", "other": "x"}}))

	got := map[string]string{}
	for ans := range answers {
		got[ans.InputKey] = ans.Value
	}
	assert.Equal(t, map[string]string{"email": "a@b.c", "password": "pw"}, got)
}

func TestHub_PendingRequestReplayedToLateClient(t *testing.T) {
	h, srv := startHub(t, HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.RequestInput(ctx, schemas.UserInputRequest{RequestID: "late", Inputs: []schemas.InputRequest{{InputKey: "otp"}}})
	require.NoError(t, err)

	conn := dial(t, srv, nil)
	msg := readOutbound(t, conn)
	require.NotNil(t, msg.Request)
	assert.Equal(t, "late", msg.Request.RequestID)
}

func TestHub_RequestInputClosesOnContextEnd(t *testing.T) {
	h, _ := startHub(t, HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	answers, err := h.RequestInput(ctx, schemas.UserInputRequest{Inputs: []schemas.InputRequest{{InputKey: "email"}}})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-answers:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("answer channel was not closed")
	}
}

func TestHub_Liveness(t *testing.T) {
	h, srv := startHub(t, HubOptions{DisconnectTTL: 0})
	assert.True(t, h.Alive(), "never connected")

	conn := dial(t, srv, nil)
	waitClients(t, h, 1)
	assert.True(t, h.Alive())

	conn.Close()
	waitClients(t, h, 0)
	assert.False(t, h.Alive())
}

func TestHub_LivenessWithinTTL(t *testing.T) {
	h := NewHub(HubOptions{DisconnectTTL: time.Minute}, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	h.everConnected = true
	h.lastDisconnect = now.Add(-30 * time.Second)
	assert.True(t, h.Alive())

	h.lastDisconnect = now.Add(-2 * time.Minute)
	assert.False(t, h.Alive())
}

func TestHub_OriginCheck(t *testing.T) {
	_, srv := startHub(t, HubOptions{AllowedOrigin: "https://ui.example.com"})
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dial(t, srv, http.Header{"Origin": []string{"https://ui.example.com"}})
	assert.NotNil(t, conn)
}

func TestHub_Healthz(t *testing.T) {
	_, srv := startHub(t, HubOptions{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHub_IgnoresMalformedMessages(t *testing.T) {
	h := NewHub(HubOptions{}, zap.NewNop())
	c := &client{id: "c1", hub: h}
	assert.NotPanics(t, func() {
		h.handleMessage(c, []byte("{not json"))
		raw, _ := json.Marshal(inbound{Type: "chat", RequestID: "x"})
		h.handleMessage(c, raw)
		raw, _ = json.Marshal(inbound{Type: MessageInputAnswer, RequestID: "unknown", InputKey: "k"})
		h.handleMessage(c, raw)
	})
}
