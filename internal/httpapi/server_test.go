package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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
	"github.com/ocmt/relay/internal/delivery"
	"github.com/ocmt/relay/internal/message"
	"github.com/ocmt/relay/internal/push"
	"github.com/ocmt/relay/internal/ratelimit"
	"github.com/ocmt/relay/internal/registry"
	"github.com/ocmt/relay/internal/revocation"
	"github.com/ocmt/relay/internal/snapshot"
)

type fakeEngine struct {
	sendRes    *delivery.Result
	sendErr    error
	forwardErr error
	lastTo     string
}

func (f *fakeEngine) Send(_ context.Context, _, to, _ string) (*delivery.Result, error) {
	f.lastTo = to
	return f.sendRes, f.sendErr
}

func (f *fakeEngine) Forward(_ context.Context, req *delivery.ForwardRequest) (*delivery.Result, error) {
	f.lastTo = req.To
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	return f.sendRes, nil
}

type fakeMessages struct {
	pending []*message.Message
	acked   []string
}

func (f *fakeMessages) ListPending(_ context.Context, _ string, _ int) ([]*message.Message, error) {
	return f.pending, nil
}

func (f *fakeMessages) AckBatch(_ context.Context, _ string, ids []string) (int64, error) {
	f.acked = append(f.acked, ids...)
	return int64(len(ids)), nil
}

func (f *fakeMessages) Counts(context.Context) (map[string]int, error) {
	return map[string]int{"pending": len(f.pending)}, nil
}

type fakeRevocations struct {
	result    revocation.CheckResult
	revokeErr error
}

func (f *fakeRevocations) Check(context.Context, string) revocation.CheckResult { return f.result }

func (f *fakeRevocations) BatchCheck(_ context.Context, ids []string) (map[string]bool, string) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = f.result.Revoked
	}
	return out, "bloom-filter"
}

func (f *fakeRevocations) Revoke(_ context.Context, req *revocation.RevokeRequest) (*revocation.Record, error) {
	if f.revokeErr != nil {
		return nil, f.revokeErr
	}
	return &revocation.Record{CapabilityID: req.CapabilityID, RevokedAt: time.Now()}, nil
}

func (f *fakeRevocations) Stats() map[string]interface{} {
	return map[string]interface{}{"revoked": 0}
}

type fakeSnapshots struct {
	putErr  error
	getSnap *snapshot.Snapshot
	getErr  error
	listErr error
}

func (f *fakeSnapshots) Put(context.Context, *snapshot.Snapshot) error { return f.putErr }

func (f *fakeSnapshots) Get(context.Context, string) (*snapshot.Snapshot, error) {
	return f.getSnap, f.getErr
}

func (f *fakeSnapshots) List(context.Context, *snapshot.ListRequest) ([]*snapshot.Snapshot, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []*snapshot.Snapshot{}, nil
}

func (f *fakeSnapshots) Delete(context.Context, string) error { return f.getErr }

type fakeRegistry struct {
	view *registry.PublicView
	err  error
}

func (f *fakeRegistry) Register(context.Context, *registry.RegisterRequest) (*registry.PublicView, error) {
	return f.view, f.err
}

func (f *fakeRegistry) Update(context.Context, *registry.RegisterRequest) (*registry.PublicView, error) {
	return f.view, f.err
}

func (f *fakeRegistry) Get(context.Context, string) (*registry.PublicView, error) {
	return f.view, f.err
}

func (f *fakeRegistry) LookupByHash(context.Context, string) (*registry.PublicView, error) {
	return f.view, f.err
}

func (f *fakeRegistry) LookupByKeys(context.Context, []string) ([]*registry.PublicView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*registry.PublicView{f.view}, nil
}

func (f *fakeRegistry) Deregister(context.Context, string) error { return f.err }

type fakeConns struct{ n int }

func (f fakeConns) ConnectionCount() int { return f.n }

type allowVerifier struct{}

func (allowVerifier) Verify(_ context.Context, containerID, token string) (*auth.Identity, error) {
	if token == "tok-good" {
		return &auth.Identity{ContainerID: containerID}, nil
	}
	return nil, auth.ErrInvalidToken
}

type fakeAudit struct {
	mu       sync.Mutex
	outcomes []string
}

func (f *fakeAudit) Delivery(_ context.Context, _, _, _, outcome string, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

type fixture struct {
	engine      *fakeEngine
	messages    *fakeMessages
	revocations *fakeRevocations
	snapshots   *fakeSnapshots
	registry    *fakeRegistry
	audit       *fakeAudit
	server      *Server
	router      http.Handler
}

func newFixture() *fixture {
	return newFixtureWithLimiter(ratelimit.NewLocalLimiter(ratelimit.Config{Limit: 1000}))
}

func newFixtureWithLimiter(limiter ratelimit.Limiter) *fixture {
	f := &fixture{
		engine:      &fakeEngine{sendRes: &delivery.Result{MessageID: "m1", Status: "delivered", DeliveryMethod: "websocket"}},
		messages:    &fakeMessages{},
		revocations: &fakeRevocations{},
		snapshots:   &fakeSnapshots{},
		registry:    &fakeRegistry{view: &registry.PublicView{ContainerID: "container-a", PubKeyHash: "deadbeefdeadbeefdeadbeefdeadbeef"}},
		audit:       &fakeAudit{},
	}
	subscribe := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusSwitchingProtocols) }
	f.server = NewServer(f.engine, f.messages, f.revocations, f.snapshots, f.registry,
		fakeConns{n: 3}, subscribe, allowVerifier{}, limiter, f.audit,
		[]string{"https://app.example.com"})
	f.router = f.server.Router()
	return f
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer tok-good")
		req.Header.Set("X-Container-Id", "container-a")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSend_OK(t *testing.T) {
	f := newFixture()
	rec := doJSON(t, f.router, "POST", "/relay/send",
		map[string]string{"toContainerId": "container-b", "payload": "Y2lwaGVy"}, true)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "m1", res.MessageID)
	assert.Equal(t, "delivered", res.Status)
	require.NotNil(t, res.RateLimit)
	assert.Equal(t, 1000, res.RateLimit.Limit)
	assert.Equal(t, "container-b", f.engine.lastTo)
}

func TestSend_RequiresAuth(t *testing.T) {
	f := newFixture()
	rec := doJSON(t, f.router, "POST", "/relay/send",
		map[string]string{"toContainerId": "container-b", "payload": "x"}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSend_UnknownRecipientIs404(t *testing.T) {
	f := newFixture()
	f.engine.sendErr = delivery.ErrUnknownRecipient
	rec := doJSON(t, f.router, "POST", "/relay/send",
		map[string]string{"toContainerId": "ghost", "payload": "x"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestSend_PayloadTooLarge(t *testing.T) {
	f := newFixture()
	rec := doJSON(t, f.router, "POST", "/relay/send",
		map[string]string{"toContainerId": "container-b", "payload": strings.Repeat("a", maxPayloadBytes+1)}, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload_too_large")
}

func TestSend_SchemaFailure(t *testing.T) {
	f := newFixture()
	rec := doJSON(t, f.router, "POST", "/relay/send",
		map[string]string{"unexpected": "field"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestForward_InvalidCapabilityIs403(t *testing.T) {
	f := newFixture()
	f.engine.forwardErr = delivery.ErrInvalidCapability
	rec := doJSON(t, f.router, "POST", "/relay/forward", map[string]string{
		"toContainerId": "container-b", "capabilityToken": "tok", "encryptedPayload": "x",
	}, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_capability")
}

func TestPending_ListAndInlineAck(t *testing.T) {
	f := newFixture()
	f.messages.pending = []*message.Message{
		{ID: "m1", FromContainer: "container-b", Payload: "QQ==", Size: 4, CreatedAt: time.Now()},
	}

	rec := doJSON(t, f.router, "GET", "/relay/messages/pending?ack=a1,a2&limit=10", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Count    int              `json:"count"`
		Messages []pendingMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "m1", out.Messages[0].ID)
	assert.Equal(t, []string{"a1", "a2"}, f.messages.acked)
}

func TestAck_Bounds(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.router, "POST", "/relay/messages/ack",
		map[string][]string{"messageIds": {"m1", "m2"}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"acknowledged":2`)

	big := make([]string, ackBatchMax+1)
	for i := range big {
		big[i] = "m"
	}
	rec = doJSON(t, f.router, "POST", "/relay/messages/ack",
		map[string][]string{"messageIds": big}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevoke(t *testing.T) {
	f := newFixture()
	body := map[string]interface{}{
		"capabilityId": "cap-1", "revokedBy": "a2V5", "timestamp": time.Now().Unix(), "signature": "c2ln",
	}

	rec := doJSON(t, f.router, "POST", "/relay/revoke", body, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"revoked":true`)

	f.revocations.revokeErr = revocation.ErrBadSignature
	rec = doJSON(t, f.router, "POST", "/relay/revoke", body, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.revocations.revokeErr = revocation.ErrReplayWindow
	rec = doJSON(t, f.router, "POST", "/relay/revoke", body, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevocationStatus(t *testing.T) {
	f := newFixture()
	now := time.Now()
	f.revocations.result = revocation.CheckResult{
		Revoked: true, RevokedAt: &now, RevokedBy: "a2V5", Reason: "compromised",
		Source: revocation.SourceDatabase,
	}

	rec := doJSON(t, f.router, "GET", "/relay/revocation/cap-1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var out revocationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Revoked)
	assert.Equal(t, "database", out.Source)
	assert.NotEmpty(t, out.RevokedAt)
}

func TestCheckRevocations_Bounds(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.router, "POST", "/relay/check-revocations",
		map[string][]string{"capabilityIds": {"cap-1", "cap-2"}}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	big := make([]string, batchCheckMax+1)
	for i := range big {
		big[i] = "cap"
	}
	rec = doJSON(t, f.router, "POST", "/relay/check-revocations",
		map[string][]string{"capabilityIds": big}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotPut_ErrorMapping(t *testing.T) {
	f := newFixture()
	body := map[string]interface{}{
		"capabilityId": "cap-1", "recipientPublicKey": "cmVj", "issuerPublicKey": "aXNz",
		"encryptedData": "ZGF0YQ==", "ephemeralPublicKey": "ZXBo", "nonce": "bm9uY2U=",
		"tag": "dGFn", "signature": "c2ln",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"expiresAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}

	rec := doJSON(t, f.router, "POST", "/relay/snapshots", body, false)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.snapshots.putErr = snapshot.ErrRevoked
	rec = doJSON(t, f.router, "POST", "/relay/snapshots", body, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.snapshots.putErr = errors.New("store down")
	rec = doJSON(t, f.router, "POST", "/relay/snapshots", body, false)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "stored-artifact writes fail closed")
}

func TestSnapshotGet_NotFound(t *testing.T) {
	f := newFixture()
	f.snapshots.getErr = snapshot.ErrNotFound
	rec := doJSON(t, f.router, "GET", "/relay/snapshots/cap-1", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotList_BadProof(t *testing.T) {
	f := newFixture()
	f.snapshots.listErr = snapshot.ErrBadOwnershipProof
	rec := doJSON(t, f.router, "POST", "/relay/snapshots/list",
		map[string]interface{}{"recipientPublicKey": "cmVj", "timestamp": time.Now().Unix(), "signature": "c2ln"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a mismatched ownership proof is a malformed request")
}

func TestRegistry_RegisterAndErrors(t *testing.T) {
	f := newFixture()
	body := map[string]string{
		"signingPublicKey": "a2V5", "challenge": "ch", "signature": "c2ln",
	}

	rec := doJSON(t, f.router, "POST", "/relay/registry/register", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "callbackUrl", "lookups never expose callback URLs")

	f.registry.err = registry.ErrBadChallenge
	rec = doJSON(t, f.router, "POST", "/relay/registry/register", body, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.registry.err = registry.ErrBadSigningKey
	rec = doJSON(t, f.router, "POST", "/relay/registry/register", body, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistry_LookupByHashValidation(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.router, "GET", "/relay/registry/lookup/deadbeefdeadbeefdeadbeefdeadbeef", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, f.router, "GET", "/relay/registry/lookup/tooshort", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistry_LookupBatchBounds(t *testing.T) {
	f := newFixture()
	big := make([]string, lookupBatchMax+1)
	for i := range big {
		big[i] = "a2V5"
	}
	rec := doJSON(t, f.router, "POST", "/relay/registry/lookup",
		map[string][]string{"signingPublicKeys": big}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture()
	rec := doJSON(t, f.router, "GET", "/relay/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"liveConnections":3`)
}

func TestCORS_AllowListNoWildcard(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest("GET", "/relay/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/relay/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), "no wildcard fallback")
}

func TestSend_RateLimitedLeavesAuditRow(t *testing.T) {
	f := newFixtureWithLimiter(ratelimit.NewLocalLimiter(ratelimit.Config{Limit: 1, Window: time.Minute}))
	body := map[string]string{"toContainerId": "container-b", "payload": "Y2lwaGVy"}

	rec := doJSON(t, f.router, "POST", "/relay/send", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, f.router, "POST", "/relay/send", body, true)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"rate_limited"}, f.audit.outcomes)
}

func TestSubscribe_UpgradesThroughFullRouter(t *testing.T) {
	hub := push.NewHub(&fakeMessages{}, allowVerifier{}, "development", nil)
	f := &fixture{
		engine:      &fakeEngine{},
		messages:    &fakeMessages{},
		revocations: &fakeRevocations{},
		snapshots:   &fakeSnapshots{},
		registry:    &fakeRegistry{},
		audit:       &fakeAudit{},
	}
	f.server = NewServer(f.engine, f.messages, f.revocations, f.snapshots, f.registry,
		hub, hub.HandleSubscribe, allowVerifier{},
		ratelimit.NewLocalLimiter(ratelimit.Config{Limit: 1000}), f.audit, nil)

	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	creds := base64.StdEncoding.EncodeToString([]byte("container-a:tok-good"))
	dialer := websocket.Dialer{Subprotocols: []string{push.Subprotocol, "token." + creds}}
	conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/relay/subscribe", nil)
	require.NoError(t, err, "the middleware chain must not break the upgrade")
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var frame struct {
		Type        string `json:"type"`
		ContainerID string `json:"containerId"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "connected", frame.Type)
	assert.Equal(t, "container-a", frame.ContainerID)
}
