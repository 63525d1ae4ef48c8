package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/metos/api/schemas"
	"github.com/xkilldash9x/metos/internal/config"
	"github.com/xkilldash9x/metos/internal/orchestrator"
	"github.com/xkilldash9x/metos/internal/patcher"
	"github.com/xkilldash9x/metos/internal/scriptrunner"
	"github.com/xkilldash9x/metos/internal/wallet"
)

// -- Mocks --

type mockOps struct{ mock.Mock }

func (m *mockOps) Run(ctx context.Context, path string) (scriptrunner.Result, error) {
	args := m.Called(path)
	return args.Get(0).(scriptrunner.Result), args.Error(1)
}

func (m *mockOps) Analyze(ctx context.Context) (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *mockOps) Apply(ctx context.Context, filePath, pattern, replacement string) (patcher.Applied, error) {
	args := m.Called(filePath, pattern, replacement)
	return args.Get(0).(patcher.Applied), args.Error(1)
}

func (m *mockOps) Publish(ctx context.Context, message string) schemas.PublishRecord {
	return m.Called(message).Get(0).(schemas.PublishRecord)
}

func (m *mockOps) Replicate(ctx context.Context) (schemas.ReplicaDescriptor, error) {
	args := m.Called()
	return args.Get(0).(schemas.ReplicaDescriptor), args.Error(1)
}

func (m *mockOps) Provision(ctx context.Context, chains []schemas.Chain) map[schemas.Chain]wallet.Result {
	return m.Called(chains).Get(0).(map[schemas.Chain]wallet.Result)
}

func (m *mockOps) Trigger(ctx context.Context, done func(error)) error {
	return m.Called().Error(0)
}

func (m *mockOps) Record(ctx context.Context, d schemas.ReplicaDescriptor) error {
	return m.Called(d).Error(0)
}

func (m *mockOps) List(ctx context.Context) ([]schemas.ReplicaDescriptor, error) {
	args := m.Called()
	return args.Get(0).([]schemas.ReplicaDescriptor), args.Error(1)
}

func (m *mockOps) Recent(n int) ([]schemas.LogEntry, error) {
	args := m.Called(n)
	return args.Get(0).([]schemas.LogEntry), args.Error(1)
}

// Follow emits the configured entries then blocks until ctx ends.
func (m *mockOps) Follow(ctx context.Context, fromStart bool, fn func(schemas.LogEntry)) error {
	args := m.Called(fromStart)
	for _, e := range args.Get(0).([]schemas.LogEntry) {
		fn(e)
	}
	<-ctx.Done()
	return nil
}

type fakeStatus struct{}

func (fakeStatus) State() orchestrator.State { return orchestrator.StateSleeping }
func (fakeStatus) LastReport() (orchestrator.CycleReport, bool) {
	return orchestrator.CycleReport{Iteration: 4}, true
}

// -- Helpers --

func newTestServer(t *testing.T, cfg config.APIConfig, status StatusReporter) (*mockOps, *httptest.Server) {
	t.Helper()
	m := new(mockOps)
	svc := Services{
		Scripts: m, Analyzer: m, Patcher: m, Publisher: m, Replicator: m,
		Wallets: m, Restarter: m, Lineage: m, Logs: m, Status: status,
	}
	srv := httptest.NewServer(NewServer(cfg, svc, zaptest.NewLogger(t)).Router())
	t.Cleanup(srv.Close)
	return m, srv
}

type reply struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data"`
	Error  string                 `json:"error"`
	Kind   schemas.ErrorKind      `json:"kind"`
}

func do(t *testing.T, method, url, body string, header http.Header) (int, reply) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out reply
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

// -- Tests --

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t, config.APIConfig{}, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusForKind(t *testing.T) {
	cases := map[schemas.ErrorKind]int{
		schemas.KindNotFound:            http.StatusNotFound,
		schemas.KindUnsupportedType:     http.StatusBadRequest,
		schemas.KindInvalidArgument:     http.StatusBadRequest,
		schemas.KindEmptyLogs:           http.StatusUnprocessableEntity,
		schemas.KindUpstreamUnavailable: http.StatusBadGateway,
		schemas.KindDisabled:            http.StatusNotImplemented,
		schemas.KindBusy:                http.StatusServiceUnavailable,
		schemas.KindPushFailed:          http.StatusInternalServerError,
		schemas.KindIOError:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusForKind(kind), kind)
	}
}

func TestRunScript(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("Run", "missing.py").Return(scriptrunner.Result{}, schemas.Errorf(schemas.KindNotFound, "run_script", "script missing.py does not exist"))
	m.On("Run", "script.sh").Return(scriptrunner.Result{}, schemas.Errorf(schemas.KindUnsupportedType, "run_script", "only .py"))
	m.On("Run", "ok.py").Return(scriptrunner.Result{Stdout: "hello\n"}, nil)

	code, body := do(t, http.MethodPost, srv.URL+"/api/v1/scripts/run", `{"path":"missing.py"}`, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, schemas.KindNotFound, body.Kind)

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/scripts/run", `{"path":"script.sh"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schemas.KindUnsupportedType, body.Kind)

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/scripts/run", `{"path":"ok.py"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello\n", body.Data["stdout"])
	assert.Equal(t, float64(0), body.Data["exit_code"])

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/scripts/run", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schemas.KindInvalidArgument, body.Kind)
}

func TestAnalyze(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("Analyze").Return("", schemas.Errorf(schemas.KindEmptyLogs, "analyze", "no log content")).Once()
	m.On("Analyze").Return("", schemas.NewError(schemas.KindUpstreamUnavailable, "analyze", errors.New("down"))).Once()
	m.On("Analyze").Return("cache the clone", nil).Once()

	code, body := do(t, http.MethodPost, srv.URL+"/api/v1/analyze", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, schemas.KindEmptyLogs, body.Kind)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/v1/analyze", "", nil)
	assert.Equal(t, http.StatusBadGateway, code)

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/analyze", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cache the clone", body.Data["improvements"])
}

func TestPatch(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("Apply", "f.txt", "foo", "bar").Return(patcher.Applied{Path: "/tree/f.txt", Occurrences: 2}, nil)
	m.On("Apply", "f.txt", "", "bar").Return(patcher.Applied{}, schemas.Errorf(schemas.KindInvalidArgument, "patch", "empty pattern"))
	m.On("Apply", "locked.txt", "foo", "bar").Return(patcher.Applied{}, schemas.NewError(schemas.KindBusy, "patch", context.DeadlineExceeded))

	code, body := do(t, http.MethodPost, srv.URL+"/api/v1/patch", `{"path":"f.txt","pattern":"foo","replacement":"bar"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body.Data["occurrences"])

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/patch", `{"path":"f.txt","pattern":"","replacement":"bar"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schemas.KindInvalidArgument, body.Kind)

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/patch", `{"path":"locked.txt","pattern":"foo","replacement":"bar"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, schemas.KindBusy, body.Kind)
}

func TestPublish(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("Publish", "ship it").Return(schemas.PublishRecord{Result: schemas.PublishNoOpSuccess}).Once()
	m.On("Publish", "ship it").Return(schemas.PublishRecord{Result: schemas.PublishFailure, Step: schemas.StepPush, Error: "rejected"}).Once()

	code, body := do(t, http.MethodPost, srv.URL+"/api/v1/publish", `{"message":"ship it"}`, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "noop", body.Data["result"])

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/publish", `{"message":"ship it"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, schemas.KindPushFailed, body.Kind)
	assert.Equal(t, "push", body.Data["step"])

	code, _ = do(t, http.MethodPost, srv.URL+"/api/v1/publish", `{"message":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	m.AssertNumberOfCalls(t, "Publish", 2)
}

func TestReplicateAndLineage(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	desc := schemas.ReplicaDescriptor{ChildID: "0123456789ab", ParentID: "root", ForkURL: "https://github.com/me/metos-0123456789ab"}
	m.On("Replicate").Return(desc, nil)
	m.On("List").Return([]schemas.ReplicaDescriptor{desc}, nil)

	code, body := do(t, http.MethodPost, srv.URL+"/api/v1/replicate", "", nil)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "0123456789ab", body.Data["child_id"])

	code, body = do(t, http.MethodGet, srv.URL+"/api/v1/lineage", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body.Data["count"])
}

func TestWallets(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("Provision", []schemas.Chain(nil)).Return(map[schemas.Chain]wallet.Result{
		schemas.ChainEthereum: {Address: "0xabc"},
		schemas.ChainBitcoin:  {Err: schemas.Errorf(schemas.KindGeneratorFailed, "provision_wallet", "boom")},
		schemas.ChainSolana:   {Address: "So1"},
	}).Once()
	m.On("Provision", []schemas.Chain{"dogecoin"}).Return(map[schemas.Chain]wallet.Result{
		"dogecoin": {Err: schemas.Errorf(schemas.KindUnsupportedType, "provision_wallet", "unsupported chain")},
	}).Once()

	code, body := do(t, http.MethodPost, srv.URL+"/api/v1/wallets", "", nil)
	assert.Equal(t, http.StatusOK, code)
	btc := body.Data["bitcoin"].(map[string]interface{})
	assert.Equal(t, "GeneratorFailed", btc["kind"])
	assert.Equal(t, "0xabc", body.Data["ethereum"].(map[string]interface{})["address"])

	code, body = do(t, http.MethodPost, srv.URL+"/api/v1/wallets", `{"chains":["dogecoin"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schemas.KindUnsupportedType, body.Kind)
}

func TestRestartAndStatus(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("Trigger").Return(schemas.Errorf(schemas.KindDisabled, "restart", "no restart command configured"))

	code, body := do(t, http.MethodPost, srv.URL+"/api/v1/restart", "", nil)
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.Equal(t, schemas.KindDisabled, body.Kind)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/v1/status", "", nil)
	assert.Equal(t, http.StatusNotImplemented, code)

	_, srv = newTestServer(t, config.APIConfig{}, fakeStatus{})
	code, body = do(t, http.MethodGet, srv.URL+"/api/v1/status", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sleeping", body.Data["state"])
}

func TestLogs(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("Recent", defaultLogLimit).Return([]schemas.LogEntry{{Message: "a"}}, nil)
	m.On("Recent", 5).Return([]schemas.LogEntry{}, nil)

	code, body := do(t, http.MethodGet, srv.URL+"/api/v1/logs", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body.Data["count"])

	code, _ = do(t, http.MethodGet, srv.URL+"/api/v1/logs?limit=5", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/v1/logs?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUntypedErrorsAreNotLeaked(t *testing.T) {
	m, srv := newTestServer(t, config.APIConfig{}, nil)
	m.On("List").Return([]schemas.ReplicaDescriptor(nil), errors.New("pq: password authentication failed"))

	code, body := do(t, http.MethodGet, srv.URL+"/api/v1/lineage", "", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal error", body.Error)
}

func TestBearerAuth(t *testing.T) {
	secret := "s3cret"
	m, srv := newTestServer(t, config.APIConfig{JWTSecret: secret}, nil)
	m.On("List").Return([]schemas.ReplicaDescriptor{}, nil)

	sign := func(method jwt.SigningMethod, key interface{}) string {
		tok, err := jwt.NewWithClaims(method, jwt.MapClaims{"sub": "operator", "exp": time.Now().Add(time.Hour).Unix()}).SignedString(key)
		require.NoError(t, err)
		return tok
	}

	code, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code, "health checks are unauthenticated")

	code, _ = do(t, http.MethodGet, srv.URL+"/api/v1/lineage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/v1/lineage", "", http.Header{"Authorization": {"Bearer " + sign(jwt.SigningMethodHS256, []byte("wrong"))}})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/v1/lineage", "", http.Header{"Authorization": {"Bearer " + sign(jwt.SigningMethodHS512, []byte(secret))}})
	assert.Equal(t, http.StatusUnauthorized, code, "only HS256 is accepted")

	code, _ = do(t, http.MethodGet, srv.URL+"/api/v1/lineage", "", http.Header{"Authorization": {"Bearer " + sign(jwt.SigningMethodHS256, []byte(secret))}})
	assert.Equal(t, http.StatusOK, code)
}

func TestLogStream(t *testing.T) {
	// Hijacked connections outlive the test server, so the handler may log
	// after the test ends; use a no-op logger.
	m := new(mockOps)
	srv := httptest.NewServer(NewServer(config.APIConfig{}, Services{Logs: m}, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	m.On("Follow", true).Return([]schemas.LogEntry{
		{Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Message: "publish noop"},
		{Timestamp: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC), Message: "replication abc committed"},
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/logs?from_start=true"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first, second schemas.LogEntry
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "publish noop", first.Message)
	assert.Equal(t, "replication abc committed", second.Message)
}

func TestServeListener_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(config.APIConfig{ListenAddr: ln.Addr().String()}, Services{}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
