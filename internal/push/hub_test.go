package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/relay/internal/auth"
	"github.com/ocmt/relay/internal/message"
)

type fakePending struct {
	mu      sync.Mutex
	backlog []*message.Message
	acked   []string
}

func (f *fakePending) ListPending(_ context.Context, to string, limit int) ([]*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*message.Message
	for _, m := range f.backlog {
		if m.ToContainer == to && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakePending) AckBatch(_ context.Context, _ string, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return int64(len(ids)), nil
}

func (f *fakePending) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, containerID, token string) (*auth.Identity, error) {
	if token != "tok-good" {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Identity{ContainerID: containerID}, nil
}

func dialHub(t *testing.T, srv *httptest.Server, containerID string) *websocket.Conn {
	t.Helper()
	cred := base64.StdEncoding.EncodeToString([]byte(containerID + ":tok-good"))
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol, "token." + cred}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/subscribe"
	ws, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) serverFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f serverFrame
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func newTestHub(pending *fakePending) (*Hub, *httptest.Server) {
	hub := NewHub(pending, stubVerifier{}, "development", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/subscribe", hub.HandleSubscribe)
	return hub, httptest.NewServer(mux)
}

func TestSubscribe_ConnectedAndPush(t *testing.T) {
	pending := &fakePending{}
	hub, srv := newTestHub(pending)
	defer srv.Close()

	ws := dialHub(t, srv, "container-b")
	assert.Equal(t, "connected", readFrame(t, ws).Type)

	require.Eventually(t, func() bool {
		return hub.HasConnections("container-b")
	}, time.Second, 10*time.Millisecond)

	ok := hub.Push("container-b", &message.Message{
		ID: "m1", FromContainer: "container-a", ToContainer: "container-b",
		Payload: "Y2lwaGVy", CreatedAt: time.Now(),
	})
	assert.True(t, ok)

	f := readFrame(t, ws)
	assert.Equal(t, "message", f.Type)
	assert.Equal(t, "m1", f.MessageID)
	assert.Equal(t, "container-a", f.From)
	assert.Equal(t, "Y2lwaGVy", f.Payload)
}

func TestSubscribe_FlushesBacklog(t *testing.T) {
	pending := &fakePending{backlog: []*message.Message{
		{ID: "m1", FromContainer: "container-a", ToContainer: "container-b", Payload: "QQ==", CreatedAt: time.Now().Add(-2 * time.Minute)},
		{ID: "m2", FromContainer: "container-a", ToContainer: "container-b", Payload: "Qg==", CreatedAt: time.Now().Add(-time.Minute)},
	}}
	_, srv := newTestHub(pending)
	defer srv.Close()

	ws := dialHub(t, srv, "container-b")
	assert.Equal(t, "connected", readFrame(t, ws).Type)

	first := readFrame(t, ws)
	second := readFrame(t, ws)
	assert.Equal(t, "m1", first.MessageID, "backlog replays oldest first")
	assert.Equal(t, "m2", second.MessageID)
}

func TestSubscribe_AckFrames(t *testing.T) {
	pending := &fakePending{}
	_, srv := newTestHub(pending)
	defer srv.Close()

	ws := dialHub(t, srv, "container-b")
	readFrame(t, ws) // connected

	require.NoError(t, ws.WriteJSON(clientFrame{Type: "ack", MessageID: "m1"}))
	require.NoError(t, ws.WriteJSON(clientFrame{Type: "ack_batch", MessageIDs: []string{"m2", "m3"}}))

	require.Eventually(t, func() bool {
		return len(pending.ackedIDs()) == 3
	}, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, pending.ackedIDs())
}

func TestSubscribe_AppPingPong(t *testing.T) {
	_, srv := newTestHub(&fakePending{})
	defer srv.Close()

	ws := dialHub(t, srv, "container-b")
	readFrame(t, ws) // connected

	require.NoError(t, ws.WriteJSON(clientFrame{Type: "ping"}))
	assert.Equal(t, "pong", readFrame(t, ws).Type)
}

func TestSubscribe_OversizedAckBatchRejected(t *testing.T) {
	_, srv := newTestHub(&fakePending{})
	defer srv.Close()

	ws := dialHub(t, srv, "container-b")
	readFrame(t, ws) // connected

	ids := make([]string, ackBatchMax+1)
	for i := range ids {
		ids[i] = "m"
	}
	require.NoError(t, ws.WriteJSON(clientFrame{Type: "ack_batch", MessageIDs: ids}))
	f := readFrame(t, ws)
	assert.Equal(t, "error", f.Type)
}

func TestSubscribe_BadTokenRejectedBeforeUpgrade(t *testing.T) {
	_, srv := newTestHub(&fakePending{})
	defer srv.Close()

	cred := base64.StdEncoding.EncodeToString([]byte("container-b:tok-bad"))
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol, "token." + cred}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/subscribe"
	_, resp, err := dialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPush_NoConnections(t *testing.T) {
	hub := NewHub(&fakePending{}, stubVerifier{}, "development", nil)
	ok := hub.Push("nobody", &message.Message{ID: "m1", CreatedAt: time.Now()})
	assert.False(t, ok)
	assert.Zero(t, hub.ConnectionCount())
}

func TestCheckOrigin_ProductionAllowList(t *testing.T) {
	check := buildCheckOrigin("production", []string{"https://app.example.com"})

	mk := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/relay/subscribe", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(mk("https://app.example.com")))
	assert.False(t, check(mk("https://evil.example.com")))
	assert.True(t, check(mk("")), "non-browser clients send no Origin")
	assert.True(t, buildCheckOrigin("development", nil)(mk("https://anything.example.com")))
}
