package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fluxt.com/apps/deposit/internal/domain"
	"fluxt.com/apps/deposit/internal/monitor"
	"fluxt.com/apps/deposit/internal/server/http/handler"
	"fluxt.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const txHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

type fakeMonitor struct {
	running  bool
	checked  []string
	checkErr error
	status   monitor.Status
}

func (m *fakeMonitor) Start(context.Context) error {
	m.running = true
	return nil
}

func (m *fakeMonitor) Stop()         { m.running = false }
func (m *fakeMonitor) Running() bool { return m.running }

func (m *fakeMonitor) Status(context.Context) (monitor.Status, error) {
	st := m.status
	st.Monitoring = m.running
	return st, nil
}

func (m *fakeMonitor) CheckDeposit(_ context.Context, owner string) (*monitor.CheckResult, error) {
	m.checked = append(m.checked, owner)
	if m.checkErr != nil {
		return nil, m.checkErr
	}
	return &monitor.CheckResult{OwnerID: owner, Balance: "0"}, nil
}

type fakeDeposits struct {
	records  []*domain.Deposit
	replayed []domain.TxID
	lastList []domain.DepositStatus
	lastLim  int
}

func (f *fakeDeposits) Replay(_ context.Context, id domain.TxID) (*domain.Deposit, error) {
	f.replayed = append(f.replayed, id)
	for _, d := range f.records {
		if d.TxRef() == id {
			d.Status = domain.DepositStatusCredited
			return d, nil
		}
	}
	return nil, xerr.New(xerr.RecordNotFound, "deposit not found")
}

func (f *fakeDeposits) ListByStatus(_ context.Context, statuses []domain.DepositStatus, _ int) ([]*domain.Deposit, error) {
	f.lastList = statuses
	var out []*domain.Deposit
	for _, d := range f.records {
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (f *fakeDeposits) ListByOwner(_ context.Context, owner string, _ []domain.DepositStatus, limit int) ([]*domain.Deposit, error) {
	f.lastLim = limit
	var out []*domain.Deposit
	for _, d := range f.records {
		if d.OwnerID == owner && (limit <= 0 || len(out) < limit) {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeProvisioner struct{}

func (fakeProvisioner) GenerateAddress(_ context.Context, owner string) (*domain.UserAddress, error) {
	return &domain.UserAddress{OwnerID: owner, Address: "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", DerivationIndex: 0}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newRouter(t *testing.T) (*gin.Engine, *fakeMonitor, *fakeDeposits) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := &fakeMonitor{status: monitor.Status{AddressCount: 3, LastScannedBlock: 110, CurrentBlock: 112}}
	deps := &fakeDeposits{records: []*domain.Deposit{{
		TxHash: txHash, LogIndex: 0, OwnerID: "user-5", Amount: decimal.NewFromInt(100_000_000),
		Status: domain.DepositStatusFailed, FailedStage: domain.DepositStatusDetected, RetryCount: 3,
	}}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := NewRouter(ctx, "deposit-test", Config{RateLimit: 1000, RateBurst: 1000}, handler.NewDeposit(m, deps, deps, fakeProvisioner{}))
	return r, m, deps
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestStatusAndLifecycle(t *testing.T) {
	r, m, _ := newRouter(t)

	w, env := do(t, r, http.MethodGet, "/admin/deposit/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st monitor.Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Monitoring)
	assert.Equal(t, 3, st.AddressCount)
	assert.Equal(t, uint64(110), st.LastScannedBlock)

	w, _ = do(t, r, http.MethodPost, "/admin/deposit/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, m.running)

	w, _ = do(t, r, http.MethodPost, "/admin/deposit/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, m.running)
}

func TestCheck(t *testing.T) {
	r, m, _ := newRouter(t)

	w, _ := do(t, r, http.MethodPost, "/admin/deposit/check/user-5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"user-5"}, m.checked)

	m.checkErr = xerr.New(xerr.RecordNotFound, "no deposit address")
	w, env := do(t, r, http.MethodPost, "/admin/deposit/check/nobody", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, xerr.RecordNotFound, env.Code)

	m.checkErr = errors.Join(domain.ErrChainRPC, errors.New("timeout"))
	w, env = do(t, r, http.MethodPost, "/admin/deposit/check/user-5", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, xerr.ChainRpcError, env.Code)
}

func TestRecordsAndReplay(t *testing.T) {
	r, _, deps := newRouter(t)

	w, env := do(t, r, http.MethodGet, "/admin/deposit/records", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.DepositStatus{domain.DepositStatusFailed}, deps.lastList, "默认查 failed")
	var views []handler.RecordView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "100000000", views[0].Amount)
	assert.Equal(t, "detected", views[0].FailedStage)

	w, _ = do(t, r, http.MethodGet, "/admin/deposit/records?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	deps.records = append(deps.records, &domain.Deposit{
		TxHash: txHash, LogIndex: 1, OwnerID: "user-5", Amount: decimal.NewFromInt(1),
		Status: domain.DepositStatusCredited,
	})
	w, env = do(t, r, http.MethodGet, "/admin/deposit/records?owner=user-5&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, deps.lastLim, "按 owner 查也要带上 limit")
	views = nil
	require.NoError(t, json.Unmarshal(env.Data, &views))
	assert.Len(t, views, 1)
	deps.records = deps.records[:1]

	w, _ = do(t, r, http.MethodPost, "/admin/deposit/replay/"+strings.ToUpper(txHash[2:4])+txHash[4:]+"/0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "缺 0x 前缀")

	w, _ = do(t, r, http.MethodPost, "/admin/deposit/replay/"+txHash+"/0", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, deps.replayed, 1)
	assert.Equal(t, domain.TxID{TxHash: txHash, LogIndex: 0}, deps.replayed[0])

	w, _ = do(t, r, http.MethodPost, "/admin/deposit/replay/"+txHash+"/7", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, r, http.MethodPost, "/admin/deposit/replay/"+txHash+"/x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAddress(t *testing.T) {
	r, _, _ := newRouter(t)

	w, env := do(t, r, http.MethodPost, "/admin/deposit/addresses", `{"owner_id":"user-9"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266")

	w, env = do(t, r, http.MethodPost, "/admin/deposit/addresses", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "owner_id is required", env.Message)
}
